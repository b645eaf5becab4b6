// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness reactor used to emulate overlapped
// I/O: an edge-triggered epoll implementation on Linux and a stub elsewhere.
package reactor
