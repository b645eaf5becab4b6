// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime configuration, metrics, and debug introspection for hioload-iocp.
//
// Provides concurrent-safe state handling primitives including:
//   - Snapshot config reads and reload listeners
//   - Prometheus collectors for the completion port and the accept engine
//   - Debug probe registration with JSON export
package control
