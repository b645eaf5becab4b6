// Package api
// Author: momentics
//
// Runtime introspection served by the control plane.

package api

// Debug exposes named state probes of live components.
type Debug interface {
	// DumpState evaluates every probe.
	DumpState() map[string]any
	// DumpJSON is DumpState encoded for the admin endpoint.
	DumpJSON() ([]byte, error)
	RegisterProbe(name string, fn func() any)
	UnregisterProbe(name string)
}
