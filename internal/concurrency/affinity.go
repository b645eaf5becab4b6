// File: internal/concurrency/affinity.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// CPU affinity for worker goroutines.

package concurrency

import "runtime"

// PinCurrentThread locks the calling goroutine to its OS thread and binds
// that thread to cpu. The lock is kept when binding fails, so callers can
// treat the error as advisory.
func PinCurrentThread(cpu int) error {
	runtime.LockOSThread()
	return platformPin(cpu)
}

// UnpinCurrentThread releases the thread lock taken by PinCurrentThread.
func UnpinCurrentThread() {
	runtime.UnlockOSThread()
}
