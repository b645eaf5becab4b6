// File: server/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net/netip"
	"sync/atomic"

	"github.com/momentics/hioload-iocp/api"
	"github.com/momentics/hioload-iocp/socket"
)

// Connection is one accepted peer. It is bound to a single generation of a
// pooled socket; once closed, the socket may already serve another peer.
type Connection struct {
	id     uint64
	sock   *socket.Socket
	gen    uint64
	local  netip.AddrPort
	remote netip.AddrPort
	engine *AcceptEngine
	closed atomic.Bool
}

func newConnection(e *AcceptEngine, id uint64, s *socket.Socket) *Connection {
	return &Connection{
		id:     id,
		sock:   s,
		gen:    s.Generation(),
		local:  s.LocalAddr(),
		remote: s.RemoteAddr(),
		engine: e,
	}
}

// ID is unique per engine.
func (c *Connection) ID() uint64 { return c.id }

// Socket returns the underlying pooled socket.
func (c *Connection) Socket() *socket.Socket { return c.sock }

func (c *Connection) LocalAddr() netip.AddrPort  { return c.local }
func (c *Connection) RemoteAddr() netip.AddrPort { return c.remote }

// Closed reports whether Close was called or the socket moved on.
func (c *Connection) Closed() bool {
	return c.closed.Load() || c.sock.Generation() != c.gen
}

// Send queues buf. buf must stay untouched until OnSend reports it.
func (c *Connection) Send(buf []byte) error {
	if c.Closed() {
		return api.ErrSocketClosed
	}
	_, err := c.sock.Send(buf)
	return err
}

// Recv issues one receive into a pooled buffer. Needed only when the
// server runs without AutoReceive.
func (c *Connection) Recv() error {
	if c.Closed() {
		return api.ErrSocketClosed
	}
	buf := c.engine.buffers.Get()
	if _, err := c.sock.Recv(buf); err != nil {
		c.engine.buffers.Put(buf)
		return err
	}
	return nil
}

// Close disconnects the peer and recycles the socket. Repeated calls are
// no-ops.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.sock.Generation() != c.gen {
		return nil
	}
	return c.engine.Disconnect(c)
}
