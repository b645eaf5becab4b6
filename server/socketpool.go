// File: server/socketpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-iocp/api"
	"github.com/momentics/hioload-iocp/socket"
)

// SocketPool tracks every socket it created and queues the ones ready for
// another accept.
type SocketPool struct {
	mu      sync.Mutex
	all     map[*socket.Socket]struct{}
	ready   *queue.Queue
	closed  bool
	factory func() (*socket.Socket, error)
}

// NewSocketPool creates a pool that builds new sockets with factory.
func NewSocketPool(factory func() (*socket.Socket, error)) *SocketPool {
	return &SocketPool{
		all:     make(map[*socket.Socket]struct{}),
		ready:   queue.New(),
		factory: factory,
	}
}

// Get returns a ready socket or creates one.
func (p *SocketPool) Get() (*socket.Socket, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: socket pool closed", api.ErrDisabled)
	}
	if p.ready.Length() > 0 {
		s := p.ready.Remove().(*socket.Socket)
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := p.factory()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.Disable()
		s.Release()
		return nil, fmt.Errorf("%w: socket pool closed", api.ErrDisabled)
	}
	p.all[s] = struct{}{}
	p.mu.Unlock()
	return s, nil
}

// Put makes s available for reuse. Unknown sockets and calls after Close
// are ignored.
func (p *SocketPool) Put(s *socket.Socket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.all[s]; !ok || p.closed {
		return
	}
	p.ready.Add(s)
}

// Discard drops s from the pool and releases it.
func (p *SocketPool) Discard(s *socket.Socket) {
	p.mu.Lock()
	_, ok := p.all[s]
	delete(p.all, s)
	p.mu.Unlock()
	if ok {
		s.Disable()
		s.Release()
	}
}

// Close disables and releases every socket the pool created.
func (p *SocketPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	all := make([]*socket.Socket, 0, len(p.all))
	for s := range p.all {
		all = append(all, s)
	}
	p.all = map[*socket.Socket]struct{}{}
	for p.ready.Length() > 0 {
		p.ready.Remove()
	}
	p.mu.Unlock()

	for _, s := range all {
		s.Disable()
		s.Release()
	}
}

// Sizes returns the number of sockets created and the number ready.
func (p *SocketPool) Sizes() (all, ready int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all), p.ready.Length()
}
