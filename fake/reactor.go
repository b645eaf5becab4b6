// File: fake/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"sync"
	"time"

	"github.com/momentics/hioload-iocp/api"
	"github.com/momentics/hioload-iocp/reactor"
)

// Reactor is a scriptable reactor.EventReactor. Tests push readiness with
// Inject; Wait returns it in order.
type Reactor struct {
	mu         sync.Mutex
	cond       *sync.Cond
	registered map[uintptr]bool
	pending    []reactor.Event
	woken      bool
	closed     bool
}

// NewReactor returns an empty fake reactor.
func NewReactor() *Reactor {
	r := &Reactor{registered: make(map[uintptr]bool)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *Reactor) Register(fd uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return api.ErrPortClosed
	}
	r.registered[fd] = true
	return nil
}

func (r *Reactor) Unregister(fd uintptr) error {
	r.mu.Lock()
	delete(r.registered, fd)
	r.mu.Unlock()
	return nil
}

// Registered reports whether fd is currently registered.
func (r *Reactor) Registered(fd uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered[fd]
}

// Inject queues a readiness event for the next Wait.
func (r *Reactor) Inject(fd uintptr, ev reactor.Events) {
	r.mu.Lock()
	r.pending = append(r.pending, reactor.Event{Fd: fd, Events: ev})
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *Reactor) Wait(events []reactor.Event, timeout time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timeout >= 0 {
		deadline := time.Now().Add(timeout)
		go func() {
			time.Sleep(time.Until(deadline))
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		}()
		for len(r.pending) == 0 && !r.woken && !r.closed && time.Now().Before(deadline) {
			r.cond.Wait()
		}
	} else {
		for len(r.pending) == 0 && !r.woken && !r.closed {
			r.cond.Wait()
		}
	}
	r.woken = false
	n := copy(events, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *Reactor) Wake() error {
	r.mu.Lock()
	r.woken = true
	r.cond.Broadcast()
	r.mu.Unlock()
	return nil
}

func (r *Reactor) Close() error {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
	return nil
}

var _ reactor.EventReactor = (*Reactor)(nil)
