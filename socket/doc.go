// File: socket/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package socket presents one API for blocking and completion-driven use of
// a TCP or UDP connection.
//
// A Socket starts Blocking: calls wait with poll(2) against the budgets in
// BlockingSettings. GoAsynchronous moves it, one way, onto a completion.Port:
// Send and Recv then return at once and results arrive through Handler on a
// port worker. Listen sockets in Async style issue accepts and
// disconnect-for-reuse requests on behalf of pooled sockets (see package
// server).
package socket
