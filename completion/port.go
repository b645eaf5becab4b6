// File: completion/port.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Port is a completion port: a FIFO of completion packets drained by one
// worker per logical CPU, fed by a readiness reactor and by manual posts.

package completion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/momentics/hioload-iocp/api"
	"github.com/momentics/hioload-iocp/control"
	"github.com/momentics/hioload-iocp/internal/concurrency"
	"github.com/momentics/hioload-iocp/internal/logging"
	"github.com/momentics/hioload-iocp/reactor"
)

type packetKey uint8

const (
	keyIO packetKey = iota
	keyTask
	keyShutdown
)

type packet struct {
	key packetKey
	op  *Operation
}

type binding struct {
	ctx *Context
	h   Pollable
}

var portSeq atomic.Uint64

var _ api.TaskDispatcher = (*Port)(nil)

// Port owns the workers, the reactor and the graveyard of released contexts.
type Port struct {
	name    string
	log     *zap.Logger
	metrics *control.CompletionMetrics
	workers int
	guarded bool
	pin     bool

	qmu   sync.Mutex
	qcond *sync.Cond
	queue *queue.Queue

	reactor  reactor.EventReactor
	bindings *xsync.MapOf[int, binding]
	pollDone chan struct{}

	graveyard *graveyard
	taskCtx   *Context
	nextID    atomic.Uint64
	live      atomic.Int64

	closing  atomic.Bool
	closeMu  sync.Mutex
	workerWg sync.WaitGroup

	dispatchedIO    atomic.Uint64
	dispatchedTasks atomic.Uint64
	dropped         atomic.Uint64
	violations      atomic.Uint64
}

// Stats is a point-in-time view of a port.
type Stats struct {
	Name             string `json:"name"`
	Workers          int    `json:"workers"`
	Queued           int    `json:"queued"`
	LiveContexts     int64  `json:"live_contexts"`
	OrphanedContexts int    `json:"orphaned_contexts"`
	DispatchedIO     uint64 `json:"dispatched_io"`
	DispatchedTasks  uint64 `json:"dispatched_tasks"`
	Dropped          uint64 `json:"dropped"`
	Violations       uint64 `json:"violations"`
	IOSupported      bool   `json:"io_supported"`
	Closed           bool   `json:"closed"`
}

// NewPort starts the workers and, where the platform has one, the reactor
// poll loop. Without a reactor the port still runs tasks and manual posts.
func NewPort(opts ...Option) (*Port, error) {
	o := options{
		retention:      DefaultRetention,
		graveyardCap:   DefaultGraveyardCapacity,
		taskOperations: DefaultTaskOperations,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = fmt.Sprintf("port-%d", portSeq.Add(1))
	}
	if o.workers < 1 {
		o.workers = LogicalCPUs()
	}
	if o.graveyardCap < 1 {
		o.graveyardCap = DefaultGraveyardCapacity
	}
	if o.taskOperations < 1 {
		o.taskOperations = DefaultTaskOperations
	}
	if o.logger == nil {
		o.logger = logging.Named("completion")
	}

	p := &Port{
		name:     o.name,
		log:      o.logger.With(zap.String("port", o.name)),
		metrics:  control.NewCompletionMetrics(o.name),
		workers:  o.workers,
		guarded:  o.guarded,
		pin:      o.pin,
		queue:    queue.New(),
		bindings: xsync.NewMapOf[int, binding](),
	}
	p.qcond = sync.NewCond(&p.qmu)
	p.graveyard = &graveyard{
		capacity:  o.graveyardCap,
		retention: o.retention,
		now:       o.clock,
		onDispose: func(*Context) { p.metrics.Orphaned.Dec() },
		onFull: func(pending int) {
			p.log.Warn("graveyard full with operations in flight", zap.Int("pending", pending))
		},
	}

	r, err := o.reactor, error(nil)
	if r == nil {
		r, err = reactor.NewReactor()
	}
	switch {
	case err == nil:
		p.reactor = r
	case errors.Is(err, api.ErrNotSupported):
		p.log.Debug("no readiness reactor on this platform, socket IO disabled")
	default:
		return nil, api.Wrap(api.ErrCodeSyscall, "create reactor", err)
	}

	p.taskCtx = newContext(p, o.taskOperations, nil, true)

	p.workerWg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.worker(i)
	}
	if p.reactor != nil {
		p.pollDone = make(chan struct{})
		go p.poll()
	}
	p.log.Debug("port started", zap.Int("workers", p.workers))
	return p, nil
}

// Name returns the port name.
func (p *Port) Name() string { return p.name }

// NumWorkers returns the worker count.
func (p *Port) NumWorkers() int { return p.workers }

// IOSupported reports whether pollable handles can be bound.
func (p *Port) IOSupported() bool { return p.reactor != nil }

// Create makes a context with a pool of maxOps operations and one lent
// reference. A non-nil h is bound to the reactor.
func (p *Port) Create(maxOps int, h Pollable, routine CompletionRoutine) (*Context, error) {
	if p.closing.Load() {
		return nil, api.ErrPortClosed
	}
	if maxOps <= 0 {
		return nil, fmt.Errorf("%w: maxOps must be positive", api.ErrInvalidArgument)
	}
	p.graveyard.sweep(false)

	c := newContext(p, maxOps, routine, false)
	p.live.Add(1)
	p.metrics.Live.Inc()
	if h != nil {
		if err := c.Bind(h); err != nil {
			c.Release()
			return nil, err
		}
	}
	return c, nil
}

// DispatchTask runs fn once on a worker.
func (p *Port) DispatchTask(fn func()) error {
	if fn == nil {
		return fmt.Errorf("%w: nil task", api.ErrInvalidArgument)
	}
	if p.closing.Load() {
		return api.ErrPortClosed
	}
	op, err := p.taskCtx.AcquireOperation()
	if err != nil {
		return err
	}
	op.SetTask(fn)
	op.key = keyTask
	if err := p.post(op); err != nil {
		p.taskCtx.ReturnOperation(op)
		return err
	}
	return nil
}

// DispatchManualCompletion posts op as completed with (n, err). On error the
// caller still owns op.
func (p *Port) DispatchManualCompletion(c *Context, op *Operation, n int, err error) error {
	if c == nil || op == nil || op.pool != c.pool || c.port != p {
		return fmt.Errorf("%w: operation does not belong to context", api.ErrInvalidArgument)
	}
	op.key = keyIO
	op.n = n
	op.err = err
	return p.post(op)
}

func (p *Port) post(op *Operation) error {
	p.qmu.Lock()
	if p.closing.Load() {
		p.qmu.Unlock()
		return api.ErrPortClosed
	}
	p.queue.Add(packet{key: op.key, op: op})
	p.qcond.Signal()
	p.qmu.Unlock()
	return nil
}

func (p *Port) dequeue() packet {
	p.qmu.Lock()
	for p.queue.Length() == 0 {
		p.qcond.Wait()
	}
	pk := p.queue.Remove().(packet)
	p.qmu.Unlock()
	return pk
}

func (p *Port) worker(i int) {
	defer p.workerWg.Done()
	if p.pin {
		cpu := i % LogicalCPUs()
		if err := concurrency.PinCurrentThread(cpu); err != nil {
			p.log.Warn("worker not pinned", zap.Int("worker", i), zap.Error(err))
		}
		defer concurrency.UnpinCurrentThread()
	}
	for {
		pk := p.dequeue()
		switch pk.key {
		case keyShutdown:
			return
		case keyTask:
			p.runTask(pk.op)
		default:
			p.dispatchIO(pk.op)
		}
	}
}

func (p *Port) runTask(op *Operation) {
	fn := op.payload.task
	p.dispatchedTasks.Add(1)
	p.metrics.TaskDispatch.Inc()
	p.safeCall("task", func() { fn() })
	p.taskCtx.ReturnOperation(op)
}

func (p *Port) dispatchIO(op *Operation) {
	c := op.pool.owner
	if c.Disposed() {
		p.violation("completion delivered to disposed context", zap.Uint64("context", c.id))
		return
	}
	if !c.tryReference() {
		p.drop(c, op)
		return
	}
	r := c.routine.Load()
	if r == nil {
		p.drop(c, op)
		c.Release()
		return
	}
	p.dispatchedIO.Add(1)
	p.metrics.IODispatch.Inc()
	n, err := op.n, op.err
	p.safeCall("completion routine", func() { (*r)(op, n, err) })
	c.ReturnOperation(op)
	c.Release()
}

func (p *Port) drop(c *Context, op *Operation) {
	p.dropped.Add(1)
	p.metrics.Dropped.Inc()
	c.ReturnOperation(op)
}

func (p *Port) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic in "+what, zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

func (p *Port) poll() {
	defer close(p.pollDone)
	events := make([]reactor.Event, 256)
	for !p.closing.Load() {
		n, err := p.reactor.Wait(events, -1)
		if err != nil {
			if p.closing.Load() {
				return
			}
			p.log.Warn("reactor wait failed", zap.Error(err))
			time.Sleep(time.Millisecond)
			continue
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			b, ok := p.bindings.Load(int(ev.Fd))
			if !ok {
				continue
			}
			p.safeCall("readiness handler", func() { b.h.OnReady(ev.Events) })
		}
	}
}

func (p *Port) bind(c *Context, h Pollable) error {
	if p.reactor == nil {
		return api.ErrNotSupported
	}
	fd := h.Fd()
	if fd < 0 {
		return fmt.Errorf("%w: invalid descriptor", api.ErrInvalidArgument)
	}
	p.bindings.Store(fd, binding{ctx: c, h: h})
	c.boundFd.Store(int64(fd))
	if err := p.reactor.Register(uintptr(fd)); err != nil {
		c.boundFd.Store(-1)
		p.forget(fd, c)
		return api.Wrap(api.ErrCodeSyscall, "register descriptor", err)
	}
	return nil
}

func (p *Port) unbind(c *Context) error {
	fd := c.boundFd.Swap(-1)
	if fd < 0 {
		return nil
	}
	var err error
	if p.reactor != nil {
		err = p.reactor.Unregister(uintptr(fd))
	}
	p.forget(int(fd), c)
	return err
}

// forget removes the registry entry only if it still belongs to c; the
// descriptor number may already be reused by another context.
func (p *Port) forget(fd int, c *Context) {
	p.bindings.Compute(fd, func(old binding, loaded bool) (binding, bool) {
		if loaded && old.ctx != c {
			return old, false
		}
		return binding{}, true
	})
}

func (p *Port) violation(msg string, fields ...zap.Field) {
	p.violations.Add(1)
	p.metrics.Violations.Inc()
	p.log.Error("lifetime violation: "+msg, fields...)
	if p.guarded {
		panic("completion: " + msg)
	}
}

// Flush blocks until every context created by this port has been released
// and disposed, or ctx is done.
func (p *Port) Flush(ctx context.Context) error {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		if p.live.Load() == 0 {
			p.graveyard.sweep(true)
			if p.graveyard.len() == 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: flush: %d live, %d orphaned", api.ErrOperationTimeout,
				p.live.Load(), p.graveyard.len())
		case <-t.C:
		}
	}
}

// Close stops the poll loop and the workers. Packets still queued are
// drained: tasks run inline and IO operations are returned unseen.
func (p *Port) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()

	p.qmu.Lock()
	if p.closing.Load() {
		p.qmu.Unlock()
		return nil
	}
	p.closing.Store(true)
	p.qmu.Unlock()

	if p.reactor != nil {
		if err := p.reactor.Wake(); err != nil {
			p.log.Warn("reactor wake failed", zap.Error(err))
		}
		<-p.pollDone
	}

	p.qmu.Lock()
	for i := 0; i < p.workers; i++ {
		p.queue.Add(packet{key: keyShutdown})
	}
	p.qcond.Broadcast()
	p.qmu.Unlock()
	p.workerWg.Wait()

	p.qmu.Lock()
	var rest []packet
	for p.queue.Length() > 0 {
		rest = append(rest, p.queue.Remove().(packet))
	}
	p.qmu.Unlock()
	for _, pk := range rest {
		switch pk.key {
		case keyTask:
			p.runTask(pk.op)
		case keyIO:
			p.drop(pk.op.pool.owner, pk.op)
		}
	}

	p.taskCtx.Release()
	p.graveyard.sweep(true)

	var err error
	if p.reactor != nil {
		err = p.reactor.Close()
	}
	p.log.Debug("port closed", zap.Int64("live", p.live.Load()), zap.Int("orphaned", p.graveyard.len()))
	return err
}

// Closed reports whether Close has been called.
func (p *Port) Closed() bool { return p.closing.Load() }

// Stats returns counters and gauges of the port.
func (p *Port) Stats() Stats {
	p.qmu.Lock()
	queued := p.queue.Length()
	p.qmu.Unlock()
	return Stats{
		Name:             p.name,
		Workers:          p.workers,
		Queued:           queued,
		LiveContexts:     p.live.Load(),
		OrphanedContexts: p.graveyard.len(),
		DispatchedIO:     p.dispatchedIO.Load(),
		DispatchedTasks:  p.dispatchedTasks.Load(),
		Dropped:          p.dropped.Load(),
		Violations:       p.violations.Load(),
		IOSupported:      p.reactor != nil,
		Closed:           p.closing.Load(),
	}
}

// Sweep disposes retention-expired contexts without a forced pass.
func (p *Port) Sweep() int { return p.graveyard.sweep(false) }
