// File: completion/operation.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Operation is one reusable in-flight request record with a tagged payload.

package completion

import (
	"net/netip"
	"sync/atomic"
)

// Kind tags the payload carried by an Operation.
type Kind uint8

const (
	KindNone Kind = iota
	KindAccept
	KindDisconnect
	KindSend
	KindReceive
	KindTask
)

func (k Kind) String() string {
	switch k {
	case KindAccept:
		return "accept"
	case KindDisconnect:
		return "disconnect"
	case KindSend:
		return "send"
	case KindReceive:
		return "receive"
	case KindTask:
		return "task"
	}
	return "none"
}

// Transfer is the payload of send and receive requests.
type Transfer struct {
	Buf []byte
	// Done counts bytes already moved; stream sends complete at len(Buf).
	Done int
	// Addr is the destination of a SendTo or the source of a datagram.
	Addr netip.AddrPort
	// Gen is the socket generation at issue time.
	Gen uint64
}

// Accept is the payload of an accept request.
type Accept struct {
	Target any
	Fd     int
	Remote netip.AddrPort
}

// Disconnect is the payload of a disconnect-for-reuse request.
type Disconnect struct {
	Target any
}

type payload struct {
	kind       Kind
	transfer   Transfer
	accept     Accept
	disconnect Disconnect
	task       func()
	cleanup    func(*Operation)
}

// Operation is owned by exactly one holder between Acquire and Return.
type Operation struct {
	index   int32
	pool    *OperationPool
	inUse   atomic.Bool
	key     packetKey
	n       int
	err     error
	payload payload
}

// Index returns the slot index inside the owning pool.
func (op *Operation) Index() int { return int(op.index) }

// Kind returns the payload tag.
func (op *Operation) Kind() Kind { return op.payload.kind }

// Context returns the owning context.
func (op *Operation) Context() *Context { return op.pool.owner }

// Result returns the values recorded by the last completion post.
func (op *Operation) Result() (int, error) { return op.n, op.err }

func (op *Operation) construct(k Kind) {
	if op.payload.kind != KindNone {
		panic("completion: payload already constructed as " + op.payload.kind.String())
	}
	op.payload.kind = k
}

// SetTransfer constructs a send or receive payload.
func (op *Operation) SetTransfer(k Kind, buf []byte, addr netip.AddrPort, gen uint64) *Transfer {
	if k != KindSend && k != KindReceive {
		panic("completion: transfer payload requires send or receive kind")
	}
	op.construct(k)
	op.payload.transfer = Transfer{Buf: buf, Addr: addr, Gen: gen}
	return &op.payload.transfer
}

// Transfer returns the transfer payload, or nil for other kinds.
func (op *Operation) Transfer() *Transfer {
	if op.payload.kind != KindSend && op.payload.kind != KindReceive {
		return nil
	}
	return &op.payload.transfer
}

// SetAccept constructs an accept payload. Fd starts at -1.
func (op *Operation) SetAccept(target any) *Accept {
	op.construct(KindAccept)
	op.payload.accept = Accept{Target: target, Fd: -1}
	return &op.payload.accept
}

// Accept returns the accept payload, or nil for other kinds.
func (op *Operation) Accept() *Accept {
	if op.payload.kind != KindAccept {
		return nil
	}
	return &op.payload.accept
}

// SetDisconnect constructs a disconnect payload.
func (op *Operation) SetDisconnect(target any) *Disconnect {
	op.construct(KindDisconnect)
	op.payload.disconnect = Disconnect{Target: target}
	return &op.payload.disconnect
}

// Disconnect returns the disconnect payload, or nil for other kinds.
func (op *Operation) Disconnect() *Disconnect {
	if op.payload.kind != KindDisconnect {
		return nil
	}
	return &op.payload.disconnect
}

// SetTask constructs a task payload.
func (op *Operation) SetTask(fn func()) {
	op.construct(KindTask)
	op.payload.task = fn
}

// SetCleanup registers fn to run when the operation is returned to its pool,
// before the slot becomes visible to other callers.
func (op *Operation) SetCleanup(fn func(*Operation)) {
	op.payload.cleanup = fn
}

func (op *Operation) reset() {
	if fn := op.payload.cleanup; fn != nil {
		op.payload.cleanup = nil
		fn(op)
	}
	op.payload = payload{}
	op.key = keyIO
	op.n = 0
	op.err = nil
}
