// File: server/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"math"
	"time"

	"github.com/momentics/hioload-iocp/api"
	"github.com/momentics/hioload-iocp/completion"
	"github.com/momentics/hioload-iocp/socket"
)

// Config holds all server-side configuration parameters.
type Config struct {
	Name               string                  // instance name for logs, metrics and probes
	ListenAddress      string                  // bind address, empty = all IPv4 interfaces
	ListenPort         uint16                  // 0 picks a free port, see Server.ListenPort
	MaxNumConnections  int                     // listen backlog
	Blocking           socket.BlockingSettings // timeouts for blocking calls on the listen socket
	Workers            int                     // port workers when the server owns the port
	AcceptMultiplier   float64                 // outstanding accepts per worker
	DesiredAccepts     int                     // overrides Workers × AcceptMultiplier when > 0
	MaxOperations      int                     // operation slots per connection
	ReceiveBufferSize  int                     // size of pooled receive buffers
	BufferPoolCapacity int                     // idle receive buffers kept
	NoDelay            bool                    // TCP_NODELAY on accepted sockets
	AutoReceive        bool                    // keep one receive outstanding per connection
	ShutdownTimeout    time.Duration           // graceful shutdown bound used by callers
	Handler            Handler                 // connection callbacks
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:               "hioload",
		ListenAddress:      "0.0.0.0",
		MaxNumConnections:  1024,
		Blocking:           socket.DefaultBlockingSettings(),
		AcceptMultiplier:   2.0,
		MaxOperations:      socket.DefaultMaxOperations,
		ReceiveBufferSize:  16 * 1024,
		BufferPoolCapacity: 4096,
		NoDelay:            true,
		AutoReceive:        true,
		ShutdownTimeout:    30 * time.Second,
	}
}

func (c *Config) validate() error {
	switch {
	case c.Handler == nil:
		return fmt.Errorf("%w: nil handler", api.ErrInvalidArgument)
	case c.AcceptMultiplier < 0:
		return fmt.Errorf("%w: negative accept multiplier", api.ErrInvalidArgument)
	case c.ReceiveBufferSize < 0:
		return fmt.Errorf("%w: negative receive buffer size", api.ErrInvalidArgument)
	}
	if c.Name == "" {
		c.Name = "hioload"
	}
	if c.AcceptMultiplier == 0 {
		c.AcceptMultiplier = 2.0
	}
	if c.MaxOperations <= 0 {
		c.MaxOperations = socket.DefaultMaxOperations
	}
	if c.ReceiveBufferSize == 0 {
		c.ReceiveBufferSize = 16 * 1024
	}
	return nil
}

// desiredAccepts is round(workers × multiplier), at least one.
func (c *Config) desiredAccepts(workers int) int {
	if c.DesiredAccepts > 0 {
		return c.DesiredAccepts
	}
	if workers <= 0 {
		workers = completion.LogicalCPUs()
	}
	n := int(math.Round(float64(workers) * c.AcceptMultiplier))
	if n < 1 {
		n = 1
	}
	return n
}
