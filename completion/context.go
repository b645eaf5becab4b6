// File: completion/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Context carries the lent reference count, the operation pool and the
// completion routine of one logical owner (a socket or the port itself).

package completion

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-iocp/api"
	"github.com/momentics/hioload-iocp/reactor"
)

// CompletionRoutine receives every IO completion posted for a context.
type CompletionRoutine func(op *Operation, n int, err error)

// Pollable is a handle that can be bound to the port's reactor.
type Pollable interface {
	Fd() int
	OnReady(ev reactor.Events)
}

const (
	stateLive int32 = iota
	stateOrphaned
	stateDisposed
)

// Context is created by Port.Create with one lent reference.
type Context struct {
	id       uint64
	port     *Port
	pool     *OperationPool
	internal bool

	refs    atomic.Int64
	state   atomic.Int32
	routine atomic.Pointer[CompletionRoutine]
	onZero  atomic.Pointer[func()]
	boundFd atomic.Int64

	// guarded by the graveyard lock
	releasedAt time.Time
}

func newContext(p *Port, maxOps int, routine CompletionRoutine, internal bool) *Context {
	c := &Context{
		id:       p.nextID.Add(1),
		port:     p,
		pool:     NewOperationPool(maxOps),
		internal: internal,
	}
	c.pool.owner = c
	c.refs.Store(1)
	c.boundFd.Store(-1)
	if routine != nil {
		c.routine.Store(&routine)
	}
	return c
}

// ID is unique per port.
func (c *Context) ID() uint64 { return c.id }

// Port returns the owning port.
func (c *Context) Port() *Port { return c.port }

// Pool returns the context's operation pool.
func (c *Context) Pool() *OperationPool { return c.pool }

// RefCount returns the current lent count.
func (c *Context) RefCount() int64 { return c.refs.Load() }

// Orphaned reports whether the lent count has reached zero.
func (c *Context) Orphaned() bool { return c.state.Load() != stateLive }

// Disposed reports whether the context has been reclaimed.
func (c *Context) Disposed() bool { return c.state.Load() == stateDisposed }

// Reference adds a lent reference and returns the new count.
func (c *Context) Reference() int64 {
	n := c.refs.Add(1)
	if n == 1 && c.state.Load() != stateLive {
		c.port.violation("reference taken on released context", zap.Uint64("context", c.id))
	}
	return n
}

// Release drops a lent reference. The last release unbinds the context, runs
// the release hook and hands the context to the port's graveyard.
func (c *Context) Release() int64 {
	n := c.refs.Add(-1)
	switch {
	case n == 0:
		c.orphan()
	case n < 0:
		c.port.violation("context released below zero", zap.Uint64("context", c.id))
	}
	return n
}

func (c *Context) tryReference() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (c *Context) orphan() {
	if !c.state.CompareAndSwap(stateLive, stateOrphaned) {
		return
	}
	if err := c.Unbind(); err != nil {
		c.port.log.Debug("unbind on release failed", zap.Uint64("context", c.id), zap.Error(err))
	}
	if hook := c.onZero.Swap(nil); hook != nil {
		(*hook)()
	}
	if !c.internal {
		c.port.live.Add(-1)
		c.port.metrics.Live.Dec()
	}
	c.port.metrics.Orphaned.Inc()
	c.port.graveyard.add(c)
}

// dispose is called by the graveyard once no operation is in flight.
func (c *Context) dispose() {
	c.state.Store(stateDisposed)
	c.routine.Store(nil)
}

// SetReleaseHook installs fn to run once when the lent count reaches zero.
func (c *Context) SetReleaseHook(fn func()) {
	if fn == nil {
		c.onZero.Store(nil)
		return
	}
	c.onZero.Store(&fn)
}

// Detach clears the completion routine. Later completions are returned
// without calling user code.
func (c *Context) Detach() { c.routine.Store(nil) }

// Attached reports whether a completion routine is installed.
func (c *Context) Attached() bool { return c.routine.Load() != nil }

// AcquireOperation takes an operation from the context pool.
func (c *Context) AcquireOperation() (*Operation, error) {
	if c.state.Load() != stateLive {
		return nil, api.ErrDisabled
	}
	op, ok := c.pool.Acquire()
	if !ok {
		c.port.metrics.Exhausted.Inc()
		return nil, api.ErrResourceExhausted
	}
	c.port.metrics.Acquired.Inc()
	return op, nil
}

// ReturnOperation gives op back to the context pool. Misuse is reported as a
// lifetime violation.
func (c *Context) ReturnOperation(op *Operation) {
	if err := c.pool.Return(op); err != nil {
		c.port.violation(err.Error(), zap.Uint64("context", c.id))
	}
}

// Complete posts op to the port queue with the given result.
func (c *Context) Complete(op *Operation, n int, err error) error {
	return c.port.DispatchManualCompletion(c, op, n, err)
}

// Bind associates a pollable handle with this context. A previous binding is
// dropped first.
func (c *Context) Bind(h Pollable) error {
	if c.state.Load() != stateLive {
		return api.ErrDisabled
	}
	if err := c.Unbind(); err != nil {
		return err
	}
	return c.port.bind(c, h)
}

// Unbind removes the reactor registration, if any.
func (c *Context) Unbind() error {
	return c.port.unbind(c)
}

// BoundFd returns the bound descriptor or -1.
func (c *Context) BoundFd() int { return int(c.boundFd.Load()) }
