// Package pool
// Author: momentics <momentics@gmail.com>
//
// Fixed-size receive buffer pooling backed by the lock-free queue.
package pool
