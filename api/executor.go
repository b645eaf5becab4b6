// Package api
// Author: momentics
//
// Task dispatch contract served by the completion port workers.

package api

// TaskDispatcher runs callables on I/O worker goroutines.
type TaskDispatcher interface {
	// DispatchTask schedules task to run exactly once on a worker.
	// ErrResourceExhausted means no operation slot was free.
	DispatchTask(task func()) error

	// NumWorkers returns the number of worker goroutines.
	NumWorkers() int
}
