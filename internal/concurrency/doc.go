// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Lock-free primitives and thread affinity shared by the completion layer.
// The bounded MPMC queue backs the operation index allocator and is safe to
// call from any goroutine.
package concurrency
