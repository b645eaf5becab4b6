package completion_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/momentics/hioload-iocp/completion"
	"github.com/momentics/hioload-iocp/fake"
	"github.com/momentics/hioload-iocp/reactor"
)

type recorder struct {
	fd int
	ch chan reactor.Events
}

func (r *recorder) Fd() int                   { return r.fd }
func (r *recorder) OnReady(ev reactor.Events) { r.ch <- ev }

func TestPort_InjectedReadinessReachesBoundHandle(t *testing.T) {
	fr := fake.NewReactor()
	p, err := completion.NewPort(completion.WithWorkers(1), completion.WithReactor(fr), completion.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer p.Close()

	h := &recorder{fd: 7, ch: make(chan reactor.Events, 4)}
	c, err := p.Create(1, h, nil)
	require.NoError(t, err)
	assert.True(t, fr.Registered(7))

	fr.Inject(7, reactor.EventRead)
	fr.Inject(99, reactor.EventRead)
	select {
	case ev := <-h.ch:
		assert.Equal(t, reactor.EventRead, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("readiness not delivered")
	}

	c.Release()
	assert.False(t, fr.Registered(7))
	fr.Inject(7, reactor.EventWrite)
	select {
	case ev := <-h.ch:
		t.Fatalf("unbound handle received %s", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPort_RebindReplacesRegistration(t *testing.T) {
	fr := fake.NewReactor()
	p, err := completion.NewPort(completion.WithWorkers(1), completion.WithReactor(fr), completion.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer p.Close()

	a := &recorder{fd: 3, ch: make(chan reactor.Events, 4)}
	b := &recorder{fd: 4, ch: make(chan reactor.Events, 4)}
	c, err := p.Create(1, a, nil)
	require.NoError(t, err)
	defer c.Release()

	require.NoError(t, c.Bind(b))
	assert.Equal(t, 4, c.BoundFd())
	assert.False(t, fr.Registered(3))
	assert.True(t, fr.Registered(4))
}
