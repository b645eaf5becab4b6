// File: completion/orphans.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Graveyard of released contexts. A released context is kept until the
// retention period elapses and its pool has no operation in flight.

package completion

import (
	"sync"
	"time"
)

type graveyard struct {
	mu        sync.Mutex
	entries   []*Context
	capacity  int
	retention time.Duration
	now       func() time.Time
	onDispose func(*Context)
	onFull    func(pending int)
}

func (g *graveyard) add(c *Context) {
	g.mu.Lock()
	if len(g.entries) >= g.capacity {
		g.sweepLocked(true)
		if len(g.entries) >= g.capacity && g.onFull != nil {
			g.onFull(len(g.entries))
		}
	}
	c.releasedAt = g.now()
	g.entries = append(g.entries, c)
	g.mu.Unlock()
}

// sweep disposes expired entries; force ignores the retention period.
func (g *graveyard) sweep(force bool) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sweepLocked(force)
}

func (g *graveyard) sweepLocked(force bool) int {
	if len(g.entries) == 0 {
		return 0
	}
	now := g.now()
	kept := g.entries[:0]
	disposed := 0
	for _, c := range g.entries {
		expired := force || now.Sub(c.releasedAt) >= g.retention
		if expired && c.pool.InUse() == 0 {
			c.dispose()
			if g.onDispose != nil {
				g.onDispose(c)
			}
			disposed++
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(g.entries); i++ {
		g.entries[i] = nil
	}
	g.entries = kept
	return disposed
}

func (g *graveyard) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
