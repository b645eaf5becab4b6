// File: server/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package server implements a TCP server on top of the completion port.
//
// The AcceptEngine keeps a fixed number of accepts outstanding on one async
// listen socket. Accepted connections are wrapped in a Connection; closing
// it disconnects the socket for reuse and returns it to a SocketPool, from
// which the next accept draws its target. No goroutine is created per
// connection: every callback runs on a completion port worker.
package server
