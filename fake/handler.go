// File: fake/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Recording socket handler for tests.

package fake

import (
	"net/netip"

	"github.com/momentics/hioload-iocp/socket"
)

// Received is one recorded receive completion. Data is a copy.
type Received struct {
	Socket *socket.Socket
	Data   []byte
	From   netip.AddrPort
	Err    error
}

// Sent is one recorded send completion.
type Sent struct {
	Socket *socket.Socket
	N      int
	Err    error
}

// Handler records completions on buffered channels. Sends never block the
// calling worker; events beyond capacity are dropped.
type Handler struct {
	Received chan Received
	Sent     chan Sent
	Released chan []byte
}

// NewHandler returns a handler with room for capacity events of each kind.
func NewHandler(capacity int) *Handler {
	return &Handler{
		Received: make(chan Received, capacity),
		Sent:     make(chan Sent, capacity),
		Released: make(chan []byte, capacity),
	}
}

func (h *Handler) OnReceive(s *socket.Socket, data []byte, from netip.AddrPort, err error) {
	cp := append([]byte(nil), data...)
	select {
	case h.Received <- Received{Socket: s, Data: cp, From: from, Err: err}:
	default:
	}
}

func (h *Handler) OnSend(s *socket.Socket, n int, err error) {
	select {
	case h.Sent <- Sent{Socket: s, N: n, Err: err}:
	default:
	}
}

// ReleaseBuffer records the buffer of a dropped receive.
func (h *Handler) ReleaseBuffer(buf []byte) {
	select {
	case h.Released <- buf:
	default:
	}
}

var (
	_ socket.Handler        = (*Handler)(nil)
	_ socket.BufferReleaser = (*Handler)(nil)
)
