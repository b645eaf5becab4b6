// Package fake
// Author: momentics <momentics@gmail.com>
//
// Test doubles: a scriptable reactor, an XOR TLS channel and a recording
// socket handler.
package fake
