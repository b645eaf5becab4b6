// File: api/tls.go
// Package api defines the TLS collaborator boundary.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "time"

// RawConn gives a TLS implementation blocking access to a raw connection.
type RawConn interface {
	// Fd returns the platform handle.
	Fd() uintptr

	// SendRaw writes buf, waiting at most timeout for the socket to drain.
	SendRaw(buf []byte, timeout time.Duration) (int, error)

	// RecvRaw reads into buf, waiting at most timeout for data.
	RecvRaw(buf []byte, timeout time.Duration) (int, error)
}

// TLSChannel performs handshake and record framing over a RawConn.
// It owns its own blocking I/O and therefore cannot share a socket with
// asynchronous operations.
type TLSChannel interface {
	OpenConnection(conn RawConn, timeout time.Duration) error
	Send(conn RawConn, buf []byte, timeout time.Duration) (int, error)
	Receive(conn RawConn, buf []byte, timeout time.Duration) (int, error)
}
