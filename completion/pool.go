// File: completion/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed arena of Operations with a lock-free free-index allocator.

package completion

import (
	"errors"
	"sync/atomic"

	"github.com/momentics/hioload-iocp/internal/concurrency"
)

var (
	// ErrForeignOperation is returned when an operation is given back to a pool that does not own it.
	ErrForeignOperation = errors.New("completion: operation belongs to another pool")
	// ErrDoubleReturn is returned when an operation is given back twice.
	ErrDoubleReturn = errors.New("completion: operation returned twice")
)

// OperationPool is a fixed-capacity arena. Acquire and Return are safe from any goroutine.
type OperationPool struct {
	ops   []Operation
	free  *concurrency.LockFreeQueue[int32]
	inUse atomic.Int64
	owner *Context
}

// NewOperationPool allocates capacity operations up front. Capacity below one is raised to one.
func NewOperationPool(capacity int) *OperationPool {
	if capacity < 1 {
		capacity = 1
	}
	p := &OperationPool{
		ops:  make([]Operation, capacity),
		free: concurrency.NewLockFreeQueue[int32](capacity),
	}
	for i := range p.ops {
		p.ops[i].index = int32(i)
		p.ops[i].pool = p
		p.free.Enqueue(int32(i))
	}
	return p
}

// Acquire returns a free operation, or false when the pool is exhausted.
func (p *OperationPool) Acquire() (*Operation, bool) {
	idx, ok := p.free.Dequeue()
	if !ok {
		return nil, false
	}
	op := &p.ops[idx]
	op.inUse.Store(true)
	p.inUse.Add(1)
	return op, true
}

// Return resets op and frees its slot.
func (p *OperationPool) Return(op *Operation) error {
	if op == nil || op.pool != p {
		return ErrForeignOperation
	}
	if !op.inUse.CompareAndSwap(true, false) {
		return ErrDoubleReturn
	}
	op.reset()
	p.inUse.Add(-1)
	if !p.free.Enqueue(op.index) {
		// Capacity is rounded up and never exceeded by construction.
		panic("completion: free index queue overflow")
	}
	return nil
}

// Cap returns the fixed capacity.
func (p *OperationPool) Cap() int { return len(p.ops) }

// InUse returns the number of operations currently held.
func (p *OperationPool) InUse() int { return int(p.inUse.Load()) }

// Available returns the number of free slots.
func (p *OperationPool) Available() int { return p.Cap() - p.InUse() }
