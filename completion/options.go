// File: completion/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package completion

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"

	"github.com/momentics/hioload-iocp/reactor"
)

const (
	// DefaultRetention is how long a released context stays in the graveyard.
	DefaultRetention = 300 * time.Second
	// DefaultGraveyardCapacity bounds the graveyard before a forced sweep.
	DefaultGraveyardCapacity = 4096
	// DefaultTaskOperations sizes the pool backing DispatchTask.
	DefaultTaskOperations = 4096
)

type options struct {
	name           string
	workers        int
	retention      time.Duration
	graveyardCap   int
	taskOperations int
	guarded        bool
	pin            bool
	clock          func() time.Time
	logger         *zap.Logger
	reactor        reactor.EventReactor
}

// Option configures a Port.
type Option func(*options)

// WithName sets the port name used in logs and metric labels.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithWorkers overrides the worker count. Values below one select the
// number of logical CPUs.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithOrphanRetention sets how long released contexts are retained.
func WithOrphanRetention(d time.Duration) Option {
	return func(o *options) { o.retention = d }
}

// WithOrphanCapacity sets the graveyard size that forces a sweep.
func WithOrphanCapacity(n int) Option {
	return func(o *options) { o.graveyardCap = n }
}

// WithTaskOperations sizes the pool used by DispatchTask.
func WithTaskOperations(n int) Option {
	return func(o *options) { o.taskOperations = n }
}

// WithGuardedAllocation makes lifetime violations panic instead of being counted.
func WithGuardedAllocation(on bool) Option {
	return func(o *options) { o.guarded = on }
}

// WithCPUAffinity pins worker i to logical CPU i modulo the CPU count.
func WithCPUAffinity(on bool) Option {
	return func(o *options) { o.pin = on }
}

// WithClock replaces time.Now for retention bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithLogger replaces the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReactor supplies the readiness reactor instead of the platform one.
// The port closes it on Close.
func WithReactor(r reactor.EventReactor) Option {
	return func(o *options) { o.reactor = r }
}

// LogicalCPUs returns the logical processor count, falling back to the Go runtime.
func LogicalCPUs() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}
