// File: server/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

// Handler receives connection events. Callbacks run on port workers and
// must not block. The data slice passed to OnReceive is recycled once the
// callback returns.
type Handler interface {
	OnConnection(c *Connection)
	// OnReceive with zero bytes and a nil error means the peer closed.
	OnReceive(c *Connection, data []byte, err error)
	OnSend(c *Connection, n int, err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Connection func(c *Connection)
	Receive    func(c *Connection, data []byte, err error)
	Send       func(c *Connection, n int, err error)
}

func (h HandlerFuncs) OnConnection(c *Connection) {
	if h.Connection != nil {
		h.Connection(c)
	}
}

func (h HandlerFuncs) OnReceive(c *Connection, data []byte, err error) {
	if h.Receive != nil {
		h.Receive(c, data, err)
	}
}

func (h HandlerFuncs) OnSend(c *Connection, n int, err error) {
	if h.Send != nil {
		h.Send(c, n, err)
	}
}
