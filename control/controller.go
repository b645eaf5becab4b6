// control/controller.go
// Author: momentics <momentics@gmail.com>
//
// Controller implements api.Control over the config store and debug probes.

package control

import "github.com/momentics/hioload-iocp/api"

var _ api.Control = (*Controller)(nil)

// Controller bundles configuration and debug probes.
type Controller struct {
	config *ConfigStore
	debug  *DebugProbes
}

// NewController creates a controller with platform probes pre-registered.
func NewController() *Controller {
	c := &Controller{
		config: NewConfigStore(),
		debug:  NewDebugProbes(),
	}
	RegisterPlatformProbes(c.debug)
	return c
}

func (c *Controller) GetConfig() map[string]any {
	return c.config.GetSnapshot()
}

func (c *Controller) SetConfig(cfg map[string]any) error {
	c.config.SetConfig(cfg)
	return nil
}

// Stats returns all probe values keyed "debug.<name>".
func (c *Controller) Stats() map[string]any {
	state := c.debug.DumpState()
	out := make(map[string]any, len(state))
	for k, v := range state {
		out["debug."+k] = v
	}
	return out
}

func (c *Controller) OnReload(fn func()) {
	c.config.OnReload(func(map[string]any) { fn() })
}

func (c *Controller) RegisterDebugProbe(name string, fn func() any) {
	c.debug.RegisterProbe(name, fn)
}

// Config exposes the underlying store.
func (c *Controller) Config() *ConfigStore { return c.config }

// Debug exposes the underlying probe registry.
func (c *Controller) Debug() *DebugProbes { return c.debug }
