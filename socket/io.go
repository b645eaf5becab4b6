// File: socket/io.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Transfers. Blocking style waits with poll(2) against a timeout budget.
// Async style tries the call at once; an inline result is self-posted to the
// port, a would-block result queues the operation until readiness.

package socket

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/hioload-iocp/api"
	"github.com/momentics/hioload-iocp/completion"
	"github.com/momentics/hioload-iocp/reactor"
)

type budget struct {
	timeout  time.Duration
	deadline time.Time
}

func newBudget(d time.Duration) budget {
	b := budget{timeout: d}
	if d > 0 {
		b.deadline = time.Now().Add(d)
	}
	return b
}

func (b budget) left() (time.Duration, bool) {
	if b.timeout <= 0 {
		return 0, true
	}
	l := time.Until(b.deadline)
	return l, l > 0
}

func waitFd(fd int, write bool, b budget) error {
	l, ok := b.left()
	if !ok {
		return api.ErrOperationTimeout
	}
	ready, err := sysPoll(fd, write, l)
	if err != nil {
		return err
	}
	if !ready {
		return api.ErrOperationTimeout
	}
	return nil
}

// Send writes buf. Blocking style returns the bytes written; Async style
// returns zero and reports through Handler.OnSend.
func (s *Socket) Send(buf []byte) (int, error) {
	return s.send(buf, netip.AddrPort{})
}

// SendTo sends one datagram to addr.
func (s *Socket) SendTo(buf []byte, addr netip.AddrPort) (int, error) {
	if !addr.IsValid() {
		return 0, s.fail(fmt.Errorf("%w: invalid destination", api.ErrInvalidArgument))
	}
	return s.send(buf, addr)
}

// Recv reads into buf. Blocking style returns the bytes read (zero means the
// peer closed); Async style reports through Handler.OnReceive.
func (s *Socket) Recv(buf []byte) (int, error) {
	n, _, err := s.recv(buf)
	return n, err
}

// RecvFrom is Recv that also reports the datagram source.
func (s *Socket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	return s.recv(buf)
}

func (s *Socket) send(buf []byte, to netip.AddrPort) (int, error) {
	style, fd, b, err := s.prepare(true)
	if err != nil {
		return 0, err
	}
	if style == Async {
		return 0, s.issueTransfer(completion.KindSend, buf, to)
	}
	return s.sendBlocking(fd, buf, to, b)
}

func (s *Socket) recv(buf []byte) (int, netip.AddrPort, error) {
	style, fd, b, err := s.prepare(false)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if style == Async {
		return 0, netip.AddrPort{}, s.issueTransfer(completion.KindReceive, buf, netip.AddrPort{})
	}
	return s.recvBlocking(fd, buf, b)
}

func (s *Socket) prepare(write bool) (Style, int, budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return 0, -1, budget{}, s.fail(err)
	}
	if s.style == Async {
		return Async, s.fd, budget{}, nil
	}
	if s.fd < 0 {
		return 0, -1, budget{}, s.fail(api.ErrSocketClosed)
	}
	t := s.desc.Blocking.RecvTimeout
	if write {
		t = s.desc.Blocking.SendTimeout
	}
	return Blocking, s.fd, newBudget(t), nil
}

func (s *Socket) usableLocked() error {
	switch {
	case s.state == StateDisabled:
		return api.ErrDisabled
	case s.state == StateUninitialized:
		return fmt.Errorf("%w: not initialized", api.ErrInvalidState)
	case s.closed:
		return api.ErrSocketClosed
	}
	return nil
}

func (s *Socket) sendBlocking(fd int, buf []byte, to netip.AddrPort, b budget) (int, error) {
	sent := 0
	for {
		var n int
		var err error
		if to.IsValid() {
			n, err = sysSendTo(fd, buf, to)
		} else {
			n, err = sysWrite(fd, buf[sent:])
		}
		if err == nil {
			sent += n
			if to.IsValid() || sent >= len(buf) {
				return sent, nil
			}
			continue
		}
		if !isWouldBlock(err) {
			return sent, s.fail(err)
		}
		if err := waitFd(fd, true, b); err != nil {
			return sent, s.fail(err)
		}
	}
}

func (s *Socket) recvBlocking(fd int, buf []byte, b budget) (int, netip.AddrPort, error) {
	udp := s.desc.Protocol == UDP
	for {
		var n int
		var from netip.AddrPort
		var err error
		if udp {
			n, from, err = sysRecvFrom(fd, buf)
		} else {
			n, err = sysRead(fd, buf)
		}
		if err == nil {
			return n, from, nil
		}
		if !isWouldBlock(err) {
			return 0, netip.AddrPort{}, s.fail(err)
		}
		if err := waitFd(fd, false, b); err != nil {
			return 0, netip.AddrPort{}, s.fail(err)
		}
	}
}

// Accept waits for one connection on a blocking listen socket, bounded by
// the receive timeout. The returned socket is Blocking style.
func (s *Socket) Accept() (*Socket, error) {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return nil, s.fail(err)
	}
	if s.style != Blocking || s.desc.Mode != ModeListen || s.fd < 0 {
		s.mu.Unlock()
		return nil, s.fail(fmt.Errorf("%w: accept requires a blocking listen socket", api.ErrInvalidState))
	}
	fd := s.fd
	desc := s.desc
	s.mu.Unlock()

	b := newBudget(desc.Blocking.RecvTimeout)
	for {
		nfd, remote, err := sysAccept(fd)
		if err == nil {
			desc.Mode = ModeConnect
			desc.Address, desc.Port = remote.Addr().String(), remote.Port()
			child := New(WithLogger(s.log))
			child.fd = nfd
			child.desc = desc
			child.state = StateBlocking
			child.local = sysLocalAddr(nfd)
			child.remote = remote
			if desc.NoDelay {
				_ = sysNoDelay(nfd)
			}
			return child, nil
		}
		if !isWouldBlock(err) {
			return nil, s.fail(err)
		}
		if err := waitFd(fd, false, b); err != nil {
			return nil, s.fail(err)
		}
	}
}

func (s *Socket) issueTransfer(kind completion.Kind, buf []byte, to netip.AddrPort) error {
	c := s.ctx.Load()
	op, err := c.AcquireOperation()
	if err != nil {
		return s.fail(err)
	}
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		c.ReturnOperation(op)
		return s.fail(err)
	}
	if s.fd < 0 {
		s.mu.Unlock()
		c.ReturnOperation(op)
		return s.fail(api.ErrSocketClosed)
	}
	op.SetTransfer(kind, buf, to, s.gen.Load())
	q := s.writeQ
	if kind == completion.KindReceive {
		q = s.readQ
	}
	return s.submitLocked(c, op, q)
}

// IssueAccept queues an accept on an async listen socket. The accepted
// descriptor is delivered to the listen socket's AcceptHandler together
// with target.
func (s *Socket) IssueAccept(target *Socket) error {
	c := s.ctx.Load()
	if c == nil || target == nil {
		return s.fail(fmt.Errorf("%w: accept requires an async listen socket and a target", api.ErrInvalidState))
	}
	op, err := c.AcquireOperation()
	if err != nil {
		return s.fail(err)
	}
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		c.ReturnOperation(op)
		return s.fail(err)
	}
	if s.desc.Mode != ModeListen || s.fd < 0 {
		s.mu.Unlock()
		c.ReturnOperation(op)
		return s.fail(fmt.Errorf("%w: not listening", api.ErrInvalidState))
	}
	op.SetAccept(target)
	op.SetCleanup(closeUnclaimed)
	return s.submitLocked(c, op, s.readQ)
}

func closeUnclaimed(op *completion.Operation) {
	if acc := op.Accept(); acc != nil && acc.Fd >= 0 {
		_ = sysClose(acc.Fd)
		acc.Fd = -1
	}
}

// IssueDisconnect retires target's connection for reuse through this
// socket's operation pool. The completion is delivered to the
// DisconnectHandler. An already disconnected peer counts as success.
func (s *Socket) IssueDisconnect(target *Socket) error {
	c := s.ctx.Load()
	if c == nil || target == nil {
		return s.fail(fmt.Errorf("%w: disconnect requires an async socket and a target", api.ErrInvalidState))
	}
	op, err := c.AcquireOperation()
	if err != nil {
		return s.fail(err)
	}
	op.SetDisconnect(target)
	if err := target.disconnectForReuse(); err != nil && !isNotConnected(err) {
		c.ReturnOperation(op)
		return s.fail(err)
	}
	if err := c.Complete(op, 0, nil); err != nil {
		c.ReturnOperation(op)
		return s.fail(err)
	}
	return nil
}

// submitLocked is called with s.mu held and releases it.
func (s *Socket) submitLocked(c *completion.Context, op *completion.Operation, q *queue.Queue) error {
	if q.Length() == 0 {
		done, n, err := s.attemptLocked(op)
		if done {
			s.mu.Unlock()
			if err != nil {
				c.ReturnOperation(op)
				return s.fail(err)
			}
			if err := c.Complete(op, n, nil); err != nil {
				c.ReturnOperation(op)
				return s.fail(err)
			}
			return nil
		}
	}
	q.Add(op)
	s.mu.Unlock()
	return nil
}

// attemptLocked performs the nonblocking call for op. done is false when
// the call would block.
func (s *Socket) attemptLocked(op *completion.Operation) (done bool, n int, err error) {
	switch op.Kind() {
	case completion.KindSend:
		tr := op.Transfer()
		if tr.Addr.IsValid() {
			n, err := sysSendTo(s.fd, tr.Buf, tr.Addr)
			if isWouldBlock(err) {
				return false, 0, nil
			}
			return true, n, err
		}
		for tr.Done < len(tr.Buf) {
			n, err := sysWrite(s.fd, tr.Buf[tr.Done:])
			if err != nil {
				if isWouldBlock(err) {
					return false, 0, nil
				}
				return true, tr.Done, err
			}
			tr.Done += n
		}
		return true, tr.Done, nil

	case completion.KindReceive:
		tr := op.Transfer()
		var n int
		var err error
		if s.desc.Protocol == UDP {
			n, tr.Addr, err = sysRecvFrom(s.fd, tr.Buf)
		} else {
			n, err = sysRead(s.fd, tr.Buf)
		}
		if isWouldBlock(err) {
			return false, 0, nil
		}
		return true, n, err

	case completion.KindAccept:
		acc := op.Accept()
		nfd, remote, err := sysAccept(s.fd)
		if isWouldBlock(err) {
			return false, 0, nil
		}
		if err == nil {
			acc.Fd, acc.Remote = nfd, remote
		}
		return true, 0, err
	}
	return true, 0, fmt.Errorf("%w: unexpected operation kind %s", api.ErrInvalidArgument, op.Kind())
}

type finished struct {
	op  *completion.Operation
	n   int
	err error
}

func (s *Socket) onReady(fd int, ev reactor.Events) {
	if ev == 0 {
		s.log.Debug("spurious wakeup", zap.Int("fd", fd))
		return
	}
	var done []finished
	s.mu.Lock()
	if s.fd != fd {
		s.mu.Unlock()
		return
	}
	if ev&(reactor.EventRead|reactor.EventHangup|reactor.EventError) != 0 {
		done = s.drainLocked(s.readQ, done)
	}
	if ev&(reactor.EventWrite|reactor.EventHangup|reactor.EventError) != 0 {
		done = s.drainLocked(s.writeQ, done)
	}
	s.mu.Unlock()
	for _, f := range done {
		post(f.op, f.n, f.err)
	}
}

func (s *Socket) drainLocked(q *queue.Queue, out []finished) []finished {
	for q.Length() > 0 {
		op := q.Peek().(*completion.Operation)
		ok, n, err := s.attemptLocked(op)
		if !ok {
			break
		}
		q.Remove()
		out = append(out, finished{op: op, n: n, err: err})
	}
	return out
}

func (s *Socket) takePendingLocked() []*completion.Operation {
	var ops []*completion.Operation
	for _, q := range []*queue.Queue{s.readQ, s.writeQ} {
		for q.Length() > 0 {
			ops = append(ops, q.Remove().(*completion.Operation))
		}
	}
	return ops
}

func (s *Socket) failPending(ops []*completion.Operation, reason error) {
	for _, op := range ops {
		n := 0
		if tr := op.Transfer(); tr != nil {
			n = tr.Done
		}
		post(op, n, reason)
	}
}

func post(op *completion.Operation, n int, err error) {
	c := op.Context()
	if perr := c.Complete(op, n, err); perr != nil {
		c.ReturnOperation(op)
	}
}

// complete is the completion routine of the socket's context.
func (s *Socket) complete(op *completion.Operation, n int, err error) {
	ref := s.handler.Load()
	if ref == nil {
		return
	}
	switch op.Kind() {
	case completion.KindReceive, completion.KindSend:
		tr := op.Transfer()
		if tr.Gen != s.gen.Load() || ref.h == nil {
			if rel, ok := ref.h.(BufferReleaser); ok && op.Kind() == completion.KindReceive {
				rel.ReleaseBuffer(tr.Buf)
			}
			return
		}
		if err != nil {
			s.lastErr.Store(&errBox{err: err})
		}
		if op.Kind() == completion.KindSend {
			ref.h.OnSend(s, n, err)
			return
		}
		if n > len(tr.Buf) {
			n = len(tr.Buf)
		}
		ref.h.OnReceive(s, tr.Buf[:n], tr.Addr, err)

	case completion.KindAccept:
		if ref.accept == nil {
			return
		}
		acc := op.Accept()
		target, _ := acc.Target.(*Socket)
		ref.accept.OnAccept(s, target, acc, err)

	case completion.KindDisconnect:
		if ref.disconnect == nil {
			return
		}
		target, _ := op.Disconnect().Target.(*Socket)
		ref.disconnect.OnDisconnect(s, target, err)
	}
}
