// File: socket/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"net/netip"

	"github.com/momentics/hioload-iocp/completion"
)

// Handler receives async data completions. A receive of zero bytes with a
// nil error means the peer closed the connection.
type Handler interface {
	OnReceive(s *Socket, data []byte, from netip.AddrPort, err error)
	OnSend(s *Socket, n int, err error)
}

// AcceptHandler receives accept completions issued on a listen socket.
// The handler claims the descriptor with target.Adopt(acc); an unclaimed
// descriptor is closed when the operation is returned.
type AcceptHandler interface {
	OnAccept(listen, target *Socket, acc *completion.Accept, err error)
}

// DisconnectHandler receives disconnect-for-reuse completions.
type DisconnectHandler interface {
	OnDisconnect(listen, target *Socket, err error)
}

// BufferReleaser is implemented by handlers that lend receive buffers. A
// receive dropped because its socket was recycled or closed since issue
// hands its buffer to ReleaseBuffer instead of OnReceive.
type BufferReleaser interface {
	ReleaseBuffer(buf []byte)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Receive func(s *Socket, data []byte, from netip.AddrPort, err error)
	Send    func(s *Socket, n int, err error)
}

func (h HandlerFuncs) OnReceive(s *Socket, data []byte, from netip.AddrPort, err error) {
	if h.Receive != nil {
		h.Receive(s, data, from, err)
	}
}

func (h HandlerFuncs) OnSend(s *Socket, n int, err error) {
	if h.Send != nil {
		h.Send(s, n, err)
	}
}
