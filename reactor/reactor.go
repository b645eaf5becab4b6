// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness reactor interface. The completion layer turns
// readiness notifications into completion packets.

package reactor

import "time"

// Events is a readiness bit set.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// EventReactor defines basic reactor operations across OS platforms.
type EventReactor interface {
	// Register an FD for edge-triggered read/write notifications.
	Register(fd uintptr) error

	// Unregister removes an FD. Unknown or already closed FDs are not an error.
	Unregister(fd uintptr) error

	// Wait blocks until events are available, the timeout expires (timeout < 0
	// blocks forever) or Wake is called, and writes into the output slice.
	Wait(events []Event, timeout time.Duration) (n int, err error)

	// Wake interrupts a concurrent Wait.
	Wake() error

	// Close cleans up resources.
	Close() error
}

// Event contains event information returned by Wait call.
type Event struct {
	Fd     uintptr
	Events Events
}

// String renders the bit set for logs.
func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	s := ""
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if e&EventRead != 0 {
		add("read")
	}
	if e&EventWrite != 0 {
		add("write")
	}
	if e&EventError != 0 {
		add("error")
	}
	if e&EventHangup != 0 {
		add("hangup")
	}
	return s
}
