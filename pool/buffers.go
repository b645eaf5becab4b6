// File: pool/buffers.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync/atomic"

	"github.com/momentics/hioload-iocp/internal/concurrency"
)

// DefaultCapacity bounds the number of idle buffers kept per pool.
const DefaultCapacity = 4096

// BufferPool hands out buffers of one size class. Idle buffers sit in a
// lock-free queue; an empty queue allocates, a full queue leaves the
// returned buffer to the GC.
type BufferPool struct {
	size  int
	queue *concurrency.LockFreeQueue[[]byte]

	allocated atomic.Uint64
	reused    atomic.Uint64
	returned  atomic.Uint64
	dropped   atomic.Uint64
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Size      int    `json:"size"`
	Idle      int    `json:"idle"`
	Allocated uint64 `json:"allocated"`
	Reused    uint64 `json:"reused"`
	Returned  uint64 `json:"returned"`
	Dropped   uint64 `json:"dropped"`
}

// NewBufferPool creates a pool of size-byte buffers keeping at most
// capacity idle ones.
func NewBufferPool(size, capacity int) *BufferPool {
	if size < 1 {
		size = 1
	}
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &BufferPool{
		size:  size,
		queue: concurrency.NewLockFreeQueue[[]byte](capacity),
	}
}

// Get returns a buffer of exactly Size bytes.
func (p *BufferPool) Get() []byte {
	if buf, ok := p.queue.Dequeue(); ok {
		p.reused.Add(1)
		return buf[:p.size]
	}
	p.allocated.Add(1)
	return make([]byte, p.size)
}

// Put returns buf. Buffers of another size class are dropped.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) != p.size {
		p.dropped.Add(1)
		return
	}
	if p.queue.Enqueue(buf[:p.size]) {
		p.returned.Add(1)
		return
	}
	p.dropped.Add(1)
}

// Size returns the buffer size.
func (p *BufferPool) Size() int { return p.size }

// Stats returns the pool counters.
func (p *BufferPool) Stats() Stats {
	return Stats{
		Size:      p.size,
		Idle:      p.queue.Len(),
		Allocated: p.allocated.Load(),
		Reused:    p.reused.Load(),
		Returned:  p.returned.Load(),
		Dropped:   p.dropped.Load(),
	}
}
