package control

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigStore_ReloadListeners(t *testing.T) {
	cs := NewConfigStore()
	var got map[string]any
	calls := 0
	cs.OnReload(func(snap map[string]any) {
		calls++
		got = snap
	})

	cs.SetConfig(map[string]any{"log-level": "debug", "orphan-retention": "2s"})
	require.Equal(t, 1, calls)
	assert.Equal(t, "debug", got["log-level"])

	assert.Equal(t, "debug", cs.String("log-level", "info"))
	assert.Equal(t, "info", cs.String("missing", "info"))
	assert.Equal(t, 2*time.Second, cs.Duration("orphan-retention", time.Minute))
	assert.Equal(t, time.Minute, cs.Duration("missing", time.Minute))

	cs.SetConfig(map[string]any{"orphan-retention": "bogus"})
	assert.Equal(t, time.Minute, cs.Duration("orphan-retention", time.Minute))

	snap := cs.GetSnapshot()
	snap["log-level"] = "mutated"
	assert.Equal(t, "debug", cs.String("log-level", ""), "snapshot must be a copy")
}

func TestDebugProbes_DumpJSON(t *testing.T) {
	dp := NewDebugProbes()
	dp.RegisterProbe("a", func() any { return 1 })
	dp.RegisterProbe("b", func() any { return map[string]int{"x": 2} })
	assert.Equal(t, []string{"a", "b"}, dp.Names())

	raw, err := dp.DumpJSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.EqualValues(t, 1, decoded["a"])

	dp.UnregisterProbe("a")
	assert.Equal(t, []string{"b"}, dp.Names())
}

func TestController_StatsAndReload(t *testing.T) {
	c := NewController()
	c.RegisterDebugProbe("engine.issued", func() any { return 8 })
	stats := c.Stats()
	assert.Equal(t, 8, stats["debug.engine.issued"])
	assert.Contains(t, stats, "debug.platform.cpus")

	fired := false
	c.OnReload(func() { fired = true })
	require.NoError(t, c.SetConfig(map[string]any{"k": "v"}))
	assert.True(t, fired)
	assert.Equal(t, "v", c.GetConfig()["k"])
}

func TestMetrics_Bound(t *testing.T) {
	m := NewCompletionMetrics("metrics-test")
	m.Acquired.Inc()
	m.Live.Set(3)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Acquired))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Live))

	s := NewServerMetrics("metrics-test")
	s.IssuedAccepts.Set(8)
	assert.Equal(t, 8.0, testutil.ToFloat64(s.IssuedAccepts))
}
