// File: server/engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// AcceptEngine keeps DesiredAccepts accepts outstanding and recycles
// sockets through disconnect, pool and re-accept.

package server

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/momentics/hioload-iocp/api"
	"github.com/momentics/hioload-iocp/completion"
	"github.com/momentics/hioload-iocp/control"
	"github.com/momentics/hioload-iocp/pool"
	"github.com/momentics/hioload-iocp/socket"
)

// retryDelay spaces follow-up attempts after listen operation exhaustion.
const retryDelay = time.Millisecond

// EngineStats is a snapshot of the accept engine.
type EngineStats struct {
	Listen             string     `json:"listen"`
	DesiredAccepts     int64      `json:"desired_accepts"`
	IssuedAccepts      int64      `json:"issued_accepts"`
	ActiveConnections  int        `json:"active_connections"`
	PendingDisconnects int        `json:"pending_disconnects"`
	PoolSockets        int        `json:"pool_sockets"`
	PoolReady          int        `json:"pool_ready"`
	Buffers            pool.Stats `json:"buffers"`
	Closed             bool       `json:"closed"`
}

// AcceptEngine owns the listen socket and every connection socket.
type AcceptEngine struct {
	cfg     Config
	port    *completion.Port
	handler Handler
	listen  *socket.Socket
	sockets *SocketPool
	buffers *pool.BufferPool
	log     *zap.Logger
	metrics *control.ServerMetrics

	desired int64
	issued  atomic.Int64
	nextID  atomic.Uint64
	closing atomic.Bool

	// disconnecting counts disconnects issued whose follow-up has not run.
	disconnecting atomic.Int64
	refillQueued  atomic.Bool
	drainQueued   atomic.Bool

	active *xsync.MapOf[*socket.Socket, *Connection]

	pmu     sync.Mutex
	pending *queue.Queue
}

// NewAcceptEngine opens an async listen socket on port. Call Accept (or
// Server.Start) to begin accepting.
func NewAcceptEngine(cfg Config, port *completion.Port, log *zap.Logger) (*AcceptEngine, error) {
	if port == nil {
		return nil, fmt.Errorf("%w: nil port", api.ErrInvalidArgument)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &AcceptEngine{
		cfg:     cfg,
		port:    port,
		handler: cfg.Handler,
		buffers: pool.NewBufferPool(cfg.ReceiveBufferSize, cfg.BufferPoolCapacity),
		log:     log,
		metrics: control.NewServerMetrics(cfg.Name),
		desired: int64(cfg.desiredAccepts(port.NumWorkers())),
		active:  xsync.NewMapOf[*socket.Socket, *Connection](),
		pending: queue.New(),
	}
	e.sockets = NewSocketPool(e.newSocket)

	e.listen = socket.New(socket.WithLogger(log.Named("listen")))
	err := e.listen.Initialize(socket.Desc{
		Address:      cfg.ListenAddress,
		Port:         cfg.ListenPort,
		Protocol:     socket.TCP,
		Mode:         socket.ModeListen,
		Style:        socket.Async,
		ReuseAddress: true,
		Backlog:      cfg.MaxNumConnections,
		Blocking:     cfg.Blocking,
		Async: socket.AsyncSettings{
			Port:          port,
			MaxOperations: listenOperations(e.desired, port.NumWorkers()),
			Accept:        e,
			Disconnect:    e,
		},
	})
	if err != nil {
		e.listen.Release()
		return nil, fmt.Errorf("listen on %s:%d: %w", cfg.ListenAddress, cfg.ListenPort, err)
	}
	e.log.Info("listening",
		zap.Stringer("addr", e.listen.LocalAddr()),
		zap.Int64("desired_accepts", e.desired))
	return e, nil
}

// listenOperations sizes the listen context: every outstanding accept, one
// completed accept held per worker, and an equal budget for disconnects.
func listenOperations(desired int64, workers int) int {
	return 2 * (int(desired) + workers)
}

func (e *AcceptEngine) newSocket() (*socket.Socket, error) {
	s := socket.New(socket.WithLogger(e.log.Named("conn")))
	err := s.Initialize(socket.Desc{
		Protocol: socket.TCP,
		Mode:     socket.ModeAccept,
		Style:    socket.Async,
		NoDelay:  e.cfg.NoDelay,
		Blocking: e.cfg.Blocking,
		Async: socket.AsyncSettings{
			Port:          e.port,
			MaxOperations: e.cfg.MaxOperations,
			Handler:       connHandler{e},
		},
	})
	if err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}

// ListenAddr returns the bound listen endpoint.
func (e *AcceptEngine) ListenAddr() netip.AddrPort { return e.listen.LocalAddr() }

// DesiredAccepts is the ceiling on outstanding accepts.
func (e *AcceptEngine) DesiredAccepts() int64 { return e.desired }

// IssuedAcceptCount is the number of outstanding accepts.
func (e *AcceptEngine) IssuedAcceptCount() int64 { return e.issued.Load() }

// Pool returns the socket reuse pool.
func (e *AcceptEngine) Pool() *SocketPool { return e.sockets }

func (e *AcceptEngine) reserve() bool {
	for {
		n := e.issued.Load()
		if n >= e.desired {
			return false
		}
		if e.issued.CompareAndSwap(n, n+1) {
			e.metrics.IssuedAccepts.Inc()
			return true
		}
	}
}

func (e *AcceptEngine) unreserve() {
	e.issued.Add(-1)
	if !e.closing.Load() {
		e.metrics.IssuedAccepts.Dec()
	}
}

// Accept issues one accept if the ceiling allows. It reports whether an
// accept was issued. Pool exhaustion is silent; when it leaves no accept
// outstanding a refill is retried shortly. Other failures are logged and
// not retried.
func (e *AcceptEngine) Accept() bool {
	if e.closing.Load() || !e.reserve() {
		return false
	}
	s, err := e.sockets.Get()
	if err != nil {
		e.unreserve()
		if !e.closing.Load() {
			e.log.Warn("no socket for accept", zap.Error(err))
		}
		return false
	}
	if err := e.listen.IssueAccept(s); err != nil {
		e.unreserve()
		e.sockets.Put(s)
		switch {
		case e.closing.Load():
		case errors.Is(err, api.ErrResourceExhausted):
			// Completions of outstanding accepts refill; with none left
			// nothing else would.
			if e.issued.Load() == 0 {
				e.later(&e.refillQueued, e.fill)
			}
		default:
			e.log.Warn("issue accept failed", zap.Error(err))
		}
		return false
	}
	return true
}

// fill issues accepts until the ceiling is reached or an issue fails.
func (e *AcceptEngine) fill() {
	for e.Accept() {
	}
}

// refill runs fill as a task. Completion routines hold their listen
// operation until they return, so refilling inline competes for that slot.
func (e *AcceptEngine) refill() {
	if e.closing.Load() {
		return
	}
	if err := e.port.DispatchTask(e.fill); err != nil {
		e.log.Debug("refill not scheduled", zap.Error(err))
		if errors.Is(err, api.ErrResourceExhausted) {
			e.later(&e.refillQueued, e.fill)
		}
	}
}

// later runs fn as a task after retryDelay unless one is already queued
// under flag.
func (e *AcceptEngine) later(flag *atomic.Bool, fn func()) {
	if !flag.CompareAndSwap(false, true) {
		return
	}
	time.AfterFunc(retryDelay, func() {
		flag.Store(false)
		if e.closing.Load() {
			return
		}
		if err := e.port.DispatchTask(fn); err != nil {
			e.log.Debug("retry not scheduled", zap.Error(err))
			if errors.Is(err, api.ErrResourceExhausted) {
				e.later(flag, fn)
			}
		}
	})
}

// OnAccept implements socket.AcceptHandler.
func (e *AcceptEngine) OnAccept(_, target *socket.Socket, acc *completion.Accept, err error) {
	e.unreserve()
	if err != nil || target == nil {
		if target != nil {
			e.sockets.Put(target)
		}
		if !e.closing.Load() {
			e.log.Warn("accept failed", zap.Error(err))
			e.refill()
		}
		return
	}
	if e.closing.Load() {
		return
	}
	if err := target.Adopt(acc); err != nil {
		e.log.Warn("adopt accepted socket failed", zap.Error(err))
		e.sockets.Put(target)
		e.refill()
		return
	}

	conn := newConnection(e, e.nextID.Add(1), target)
	e.active.Store(target, conn)
	e.metrics.Accepted.Inc()
	e.metrics.ActiveConnections.Inc()
	e.log.Debug("accepted",
		zap.Uint64("conn", conn.id),
		zap.Stringer("remote", conn.remote))

	e.call("OnConnection", func() { e.handler.OnConnection(conn) })
	if e.cfg.AutoReceive {
		e.receive(conn)
	}
	e.refill()
}

func (e *AcceptEngine) receive(c *Connection) {
	if err := c.Recv(); err != nil {
		e.log.Debug("receive not issued", zap.Uint64("conn", c.id), zap.Error(err))
		_ = c.Close()
	}
}

// Disconnect retires c's socket for reuse. A connection that is no longer
// active is ignored.
func (e *AcceptEngine) Disconnect(c *Connection) error {
	removed := false
	e.active.Compute(c.sock, func(cur *Connection, loaded bool) (*Connection, bool) {
		if loaded && cur == c {
			removed = true
			return nil, true
		}
		return cur, !loaded
	})
	if !removed {
		return nil
	}
	e.metrics.ActiveConnections.Dec()
	c.closed.Store(true)
	return e.disconnect(c.sock)
}

func (e *AcceptEngine) disconnect(s *socket.Socket) error {
	e.disconnecting.Add(1)
	err := e.listen.IssueDisconnect(s)
	if err == nil {
		return nil
	}
	e.disconnecting.Add(-1)
	switch {
	case errors.Is(err, api.ErrResourceExhausted):
		e.pmu.Lock()
		e.pending.Add(s)
		n := e.pending.Length()
		e.pmu.Unlock()
		e.metrics.PendingDisconnects.Set(float64(n))
		// An issued disconnect drains the queue when it completes. The
		// count is read after the push, so a follow-up that already found
		// the queue empty is seen here as zero.
		if e.disconnecting.Load() == 0 {
			e.later(&e.drainQueued, e.drainOne)
		}
		return nil
	default:
		if !e.closing.Load() {
			e.log.Warn("disconnect failed, discarding socket", zap.Error(err))
		}
		e.sockets.Discard(s)
		return err
	}
}

// OnDisconnect implements socket.DisconnectHandler.
func (e *AcceptEngine) OnDisconnect(_, target *socket.Socket, err error) {
	if err != nil {
		e.log.Debug("disconnect completed with error", zap.Error(err))
	}
	if target != nil {
		e.sockets.Put(target)
		e.metrics.Recycled.Inc()
	}
	if e.closing.Load() {
		return
	}
	// The disconnect operation is still held here; follow-up work runs as
	// a task so it can reuse the slot.
	if derr := e.port.DispatchTask(e.afterDisconnect); derr != nil {
		e.disconnecting.Add(-1)
		e.log.Debug("follow-up after disconnect not scheduled", zap.Error(derr))
		if errors.Is(derr, api.ErrResourceExhausted) {
			e.later(&e.drainQueued, e.drainOne)
			e.later(&e.refillQueued, e.fill)
		}
	}
}

func (e *AcceptEngine) afterDisconnect() {
	e.disconnecting.Add(-1)
	if e.closing.Load() {
		return
	}
	e.drainOne()
	e.fill()
}

// drainOne issues the oldest deferred disconnect, if any.
func (e *AcceptEngine) drainOne() {
	if e.closing.Load() {
		return
	}
	e.pmu.Lock()
	var next *socket.Socket
	if e.pending.Length() > 0 {
		next = e.pending.Remove().(*socket.Socket)
	}
	n := e.pending.Length()
	e.pmu.Unlock()
	e.metrics.PendingDisconnects.Set(float64(n))
	if next != nil {
		_ = e.disconnect(next)
	}
}

// Close stops accepting, aborts active connections and releases the pool
// and the listen socket.
func (e *AcceptEngine) Close() error {
	if !e.closing.CompareAndSwap(false, true) {
		return nil
	}
	e.listen.Disable()
	e.listen.Release()

	aborted := 0
	e.active.Range(func(s *socket.Socket, c *Connection) bool {
		e.active.Delete(s)
		c.closed.Store(true)
		_ = s.Close()
		aborted++
		return true
	})
	e.pmu.Lock()
	for e.pending.Length() > 0 {
		e.pending.Remove()
	}
	e.pmu.Unlock()
	e.sockets.Close()

	e.metrics.IssuedAccepts.Set(0)
	e.metrics.ActiveConnections.Set(0)
	e.metrics.PendingDisconnects.Set(0)
	e.log.Info("accept engine closed", zap.Int("aborted", aborted))
	return nil
}

// Stats returns a snapshot of the engine.
func (e *AcceptEngine) Stats() EngineStats {
	all, ready := e.sockets.Sizes()
	e.pmu.Lock()
	pending := e.pending.Length()
	e.pmu.Unlock()
	return EngineStats{
		Listen:             e.listen.LocalAddr().String(),
		DesiredAccepts:     e.desired,
		IssuedAccepts:      e.issued.Load(),
		ActiveConnections:  e.active.Size(),
		PendingDisconnects: pending,
		PoolSockets:        all,
		PoolReady:          ready,
		Buffers:            e.buffers.Stats(),
		Closed:             e.closing.Load(),
	}
}

func (e *AcceptEngine) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panic", zap.String("callback", name), zap.Any("panic", r))
		}
	}()
	fn()
}

// connHandler routes socket completions to the connection's Handler.
type connHandler struct{ e *AcceptEngine }

var _ socket.BufferReleaser = connHandler{}

func (h connHandler) OnReceive(s *socket.Socket, data []byte, _ netip.AddrPort, err error) {
	e := h.e
	conn, ok := e.active.Load(s)
	if !ok {
		e.buffers.Put(data)
		return
	}
	e.call("OnReceive", func() { e.handler.OnReceive(conn, data, err) })
	e.buffers.Put(data)
	if !e.cfg.AutoReceive || conn.Closed() {
		return
	}
	if err != nil || len(data) == 0 {
		_ = conn.Close()
		return
	}
	e.receive(conn)
}

// ReleaseBuffer implements socket.BufferReleaser.
func (h connHandler) ReleaseBuffer(buf []byte) { h.e.buffers.Put(buf) }

func (h connHandler) OnSend(s *socket.Socket, n int, err error) {
	e := h.e
	conn, ok := e.active.Load(s)
	if !ok {
		return
	}
	e.call("OnSend", func() { e.handler.OnSend(conn, n, err) })
	if err != nil && e.cfg.AutoReceive {
		_ = conn.Close()
	}
}
