// File: socket/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket unifies blocking and completion-driven use of one connection.

package socket

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/hioload-iocp/api"
	"github.com/momentics/hioload-iocp/completion"
	"github.com/momentics/hioload-iocp/internal/logging"
	"github.com/momentics/hioload-iocp/reactor"
)

var errInProgress = errors.New("socket: connect in progress")

type errBox struct{ err error }

type handlerRef struct {
	h          Handler
	accept     AcceptHandler
	disconnect DisconnectHandler
}

func newHandlerRef(settings AsyncSettings) *handlerRef {
	ref := &handlerRef{h: settings.Handler, accept: settings.Accept, disconnect: settings.Disconnect}
	if ref.accept == nil {
		ref.accept, _ = settings.Handler.(AcceptHandler)
	}
	if ref.disconnect == nil {
		ref.disconnect, _ = settings.Handler.(DisconnectHandler)
	}
	return ref
}

// Socket owns at most one OS handle. Create with New, then Initialize.
type Socket struct {
	mu     sync.Mutex
	fd     int
	desc   Desc
	style  Style
	state  State
	closed bool
	local  netip.AddrPort
	remote netip.AddrPort

	// pending async operations, guarded by mu
	readQ  *queue.Queue
	writeQ *queue.Queue

	tls     api.TLSChannel
	tlsOpen bool
	tlsMu   sync.Mutex

	gen     atomic.Uint64
	refs    atomic.Int64
	ctx     atomic.Pointer[completion.Context]
	handler atomic.Pointer[handlerRef]
	lastErr atomic.Pointer[errBox]

	log *zap.Logger
}

// Option configures a Socket.
type Option func(*Socket)

// WithLogger replaces the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Socket) { s.log = l }
}

// New returns an uninitialized socket holding one reference.
func New(opts ...Option) *Socket {
	s := &Socket{
		fd:     -1,
		readQ:  queue.New(),
		writeQ: queue.New(),
	}
	s.refs.Store(1)
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Named("socket")
	}
	return s
}

// Initialize creates the handle described by desc. ModeAccept creates no
// handle. An Async style desc upgrades immediately.
func (s *Socket) Initialize(desc Desc) error {
	if err := desc.validate(); err != nil {
		return s.fail(err)
	}
	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return s.fail(fmt.Errorf("%w: already initialized", api.ErrInvalidState))
	}
	s.desc = desc
	if desc.Mode != ModeAccept {
		if err := s.openLocked(&desc); err != nil {
			s.mu.Unlock()
			return s.fail(err)
		}
	}
	s.style = Blocking
	s.state = StateBlocking
	s.mu.Unlock()

	s.log.Debug("socket initialized",
		zap.Stringer("mode", desc.Mode),
		zap.Stringer("protocol", desc.Protocol),
		zap.Stringer("local", s.LocalAddr()))

	if desc.Style == Async {
		return s.GoAsynchronous(desc.Async)
	}
	return nil
}

func (s *Socket) openLocked(d *Desc) error {
	ap, err := d.addrPort()
	if err != nil {
		return err
	}
	fd, err := sysSocket(ap, d.Protocol)
	if err != nil {
		return err
	}
	if err := s.setupFd(fd, ap, d); err != nil {
		_ = sysClose(fd)
		return err
	}
	s.fd = fd
	s.local = sysLocalAddr(fd)
	s.remote = sysRemoteAddr(fd)
	return nil
}

func (s *Socket) setupFd(fd int, ap netip.AddrPort, d *Desc) error {
	if err := sysApplyOptions(fd, d); err != nil {
		return err
	}
	switch d.Mode {
	case ModeListen:
		if err := sysBind(fd, ap); err != nil {
			return err
		}
		return sysListen(fd, d.Backlog)
	case ModeBind:
		return sysBind(fd, ap)
	default:
		err := sysConnect(fd, ap)
		if !errors.Is(err, errInProgress) {
			return err
		}
		if err := waitFd(fd, true, newBudget(d.Blocking.ConnectTimeout)); err != nil {
			return err
		}
		return sysConnectResult(fd)
	}
}

// GoAsynchronous registers the socket with settings.Port. The current
// reference count moves to the new completion context.
func (s *Socket) GoAsynchronous(settings AsyncSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateAsync:
		return s.fail(api.ErrAlreadyAsync)
	case s.state == StateDisabled:
		return s.fail(api.ErrDisabled)
	case s.state == StateUninitialized:
		return s.fail(fmt.Errorf("%w: not initialized", api.ErrInvalidState))
	case s.tls != nil:
		return s.fail(api.ErrTLSConflict)
	case settings.Port == nil:
		return s.fail(fmt.Errorf("%w: nil port", api.ErrInvalidArgument))
	}
	if settings.MaxOperations <= 0 {
		settings.MaxOperations = DefaultMaxOperations
	}
	var h completion.Pollable
	if s.fd >= 0 {
		h = &poller{s: s, fd: s.fd}
	}
	ctx, err := settings.Port.Create(settings.MaxOperations, h, s.complete)
	if err != nil {
		return s.fail(err)
	}
	for n := s.refs.Load(); n > 1; n-- {
		ctx.Reference()
	}
	ctx.SetReleaseHook(func() { s.closeHandle(api.ErrSocketClosed) })
	s.handler.Store(newHandlerRef(settings))
	s.ctx.Store(ctx)
	s.desc.Async = settings
	s.desc.Style = Async
	s.style = Async
	s.state = StateAsync
	return nil
}

// Adopt takes ownership of an accepted descriptor and binds it to the
// socket's completion context. The descriptor is cleared from acc.
func (s *Socket) Adopt(acc *completion.Accept) error {
	if acc == nil || acc.Fd < 0 {
		return s.fail(fmt.Errorf("%w: no accepted descriptor", api.ErrInvalidArgument))
	}
	ctx := s.ctx.Load()
	s.mu.Lock()
	switch {
	case s.state != StateAsync || ctx == nil:
		s.mu.Unlock()
		return s.fail(fmt.Errorf("%w: adopt requires async style", api.ErrInvalidState))
	case s.closed:
		s.mu.Unlock()
		return s.fail(api.ErrSocketClosed)
	case s.fd >= 0:
		s.mu.Unlock()
		return s.fail(fmt.Errorf("%w: socket already connected", api.ErrInvalidState))
	}
	fd := acc.Fd
	acc.Fd = -1
	s.fd = fd
	s.remote = acc.Remote
	s.local = sysLocalAddr(fd)
	s.gen.Add(1)
	noDelay := s.desc.NoDelay
	s.mu.Unlock()

	if noDelay {
		if err := sysNoDelay(fd); err != nil {
			s.log.Debug("nodelay on accepted socket failed", zap.Error(err))
		}
	}
	if err := ctx.Bind(&poller{s: s, fd: fd}); err != nil {
		s.mu.Lock()
		s.fd = -1
		s.mu.Unlock()
		_ = sysClose(fd)
		return s.fail(err)
	}
	return nil
}

// disconnectForReuse retires the current connection: the generation moves
// on, queued operations fail, and the handle is shut down and closed.
func (s *Socket) disconnectForReuse() error {
	s.mu.Lock()
	fd := s.fd
	s.fd = -1
	s.local, s.remote = netip.AddrPort{}, netip.AddrPort{}
	s.gen.Add(1)
	pending := s.takePendingLocked()
	s.mu.Unlock()

	if c := s.ctx.Load(); c != nil {
		if err := c.Unbind(); err != nil {
			s.log.Debug("unbind on disconnect failed", zap.Error(err))
		}
	}
	s.failPending(pending, api.ErrSocketClosed)
	if fd < 0 {
		return nil
	}
	err := sysShutdown(fd)
	if cerr := sysClose(fd); err == nil {
		err = cerr
	}
	return err
}

// closeHandle is terminal: the handle is closed and queued operations fail.
func (s *Socket) closeHandle(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fd := s.fd
	s.fd = -1
	pending := s.takePendingLocked()
	s.mu.Unlock()

	if c := s.ctx.Load(); c != nil {
		_ = c.Unbind()
	}
	s.failPending(pending, reason)
	if fd >= 0 {
		if err := sysClose(fd); err != nil {
			s.log.Debug("close failed", zap.Int("fd", fd), zap.Error(err))
		}
	}
}

// Close closes the handle regardless of outstanding references. Queued
// async operations complete with api.ErrSocketClosed.
func (s *Socket) Close() error {
	s.closeHandle(api.ErrSocketClosed)
	return nil
}

// Reference adds a reference. In Async style the count lives in the
// completion context.
func (s *Socket) Reference() int64 {
	if c := s.ctx.Load(); c != nil {
		return c.Reference()
	}
	return s.refs.Add(1)
}

// Release drops a reference; the last one closes the handle.
func (s *Socket) Release() int64 {
	if c := s.ctx.Load(); c != nil {
		return c.Release()
	}
	n := s.refs.Add(-1)
	if n == 0 {
		s.closeHandle(api.ErrSocketClosed)
	}
	return n
}

// Disable is terminal. Completions delivered afterwards are dropped.
func (s *Socket) Disable() {
	s.mu.Lock()
	s.state = StateDisabled
	s.mu.Unlock()
	s.handler.Store(nil)
	if c := s.ctx.Load(); c != nil {
		c.Detach()
	}
}

// LastError returns the detail of the most recent failed call.
func (s *Socket) LastError() error {
	if b := s.lastErr.Load(); b != nil {
		return b.err
	}
	return nil
}

func (s *Socket) fail(err error) error {
	s.lastErr.Store(&errBox{err: err})
	if errors.Is(err, api.ErrOperationTimeout) || errors.Is(err, api.ErrResourceExhausted) {
		s.log.Debug("socket call failed", zap.Error(err))
	} else {
		s.log.Warn("socket call failed", zap.Error(err))
	}
	return err
}

// Fd returns the OS descriptor or -1.
func (s *Socket) Fd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}

// Style returns Blocking or Async.
func (s *Socket) Style() Style {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.style
}

// State returns the lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Desc returns the descriptor the socket was initialized with.
func (s *Socket) Desc() Desc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

// Generation increments every time the socket moves to a new connection.
func (s *Socket) Generation() uint64 { return s.gen.Load() }

// LocalAddr returns the bound local endpoint.
func (s *Socket) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// RemoteAddr returns the peer endpoint of a connected socket.
func (s *Socket) RemoteAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Context returns the completion context of an Async socket.
func (s *Socket) Context() *completion.Context { return s.ctx.Load() }

// Pending returns the number of queued async operations.
func (s *Socket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readQ.Length() + s.writeQ.Length()
}

// poller binds one descriptor number of a socket to the reactor.
type poller struct {
	s  *Socket
	fd int
}

func (p *poller) Fd() int { return p.fd }

func (p *poller) OnReady(ev reactor.Events) { p.s.onReady(p.fd, ev) }
