// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "context"

// GracefulShutdown is implemented by components that drain outstanding
// operations before releasing their resources.
type GracefulShutdown interface {
	// Shutdown stops the component and waits for in-flight work until ctx ends.
	Shutdown(ctx context.Context) error
}
