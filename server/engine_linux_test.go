//go:build linux

package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/momentics/hioload-iocp/api"
	"github.com/momentics/hioload-iocp/completion"
	"github.com/momentics/hioload-iocp/socket"
)

func newTestEngine(t *testing.T, mutate func(*Config)) *AcceptEngine {
	t.Helper()
	port, err := completion.NewPort(completion.WithWorkers(2), completion.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Name = t.Name()
	cfg.ListenAddress = "127.0.0.1"
	cfg.DesiredAccepts = 2
	cfg.Handler = HandlerFuncs{}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewAcceptEngine(cfg, port, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = e.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = port.Flush(ctx)
		_ = port.Close()
	})
	return e
}

// holdListenOperations takes every free operation of the listen context
// and returns a func giving them back.
func holdListenOperations(t *testing.T, e *AcceptEngine) func() {
	t.Helper()
	c := e.listen.Context()
	require.NotNil(t, c)
	var held []*completion.Operation
	for {
		op, err := c.AcquireOperation()
		if err != nil {
			require.ErrorIs(t, err, api.ErrResourceExhausted)
			break
		}
		held = append(held, op)
	}
	return func() {
		for _, op := range held {
			c.ReturnOperation(op)
		}
		held = nil
	}
}

func dialEngine(t *testing.T, e *AcceptEngine) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", e.ListenAddr().String(), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func onlyConnection(t *testing.T, e *AcceptEngine) *Connection {
	t.Helper()
	var conn *Connection
	require.Eventually(t, func() bool {
		conn = nil
		e.active.Range(func(_ *socket.Socket, c *Connection) bool {
			conn = c
			return false
		})
		return conn != nil
	}, 5*time.Second, 5*time.Millisecond)
	return conn
}

func TestListenOperations(t *testing.T) {
	assert.Equal(t, 12, listenOperations(2, 4))
	assert.Equal(t, 4, listenOperations(1, 1))
}

func TestAcceptEngine_RetriesAcceptAfterExhaustion(t *testing.T) {
	e := newTestEngine(t, nil)
	release := holdListenOperations(t, e)

	assert.False(t, e.Accept(), "no operation to issue with")
	assert.Zero(t, e.IssuedAcceptCount())

	release()
	require.Eventually(t, func() bool { return e.IssuedAcceptCount() == e.DesiredAccepts() },
		5*time.Second, 5*time.Millisecond, "refill was not retried: %+v", e.Stats())

	dialEngine(t, e)
	require.Eventually(t, func() bool { return e.Stats().ActiveConnections == 1 },
		5*time.Second, 5*time.Millisecond)
}

func TestAcceptEngine_DrainsDeferredDisconnect(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.AutoReceive = false })
	e.fill()

	peer := dialEngine(t, e)
	conn := onlyConnection(t, e)
	require.Eventually(t, func() bool { return e.IssuedAcceptCount() == e.DesiredAccepts() },
		5*time.Second, 5*time.Millisecond)

	release := holdListenOperations(t, e)
	require.NoError(t, conn.Close())
	assert.True(t, conn.Closed())
	assert.Zero(t, e.Stats().ActiveConnections)
	require.Eventually(t, func() bool { return e.Stats().PendingDisconnects == 1 },
		time.Second, time.Millisecond)

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err := peer.Read(make([]byte, 1))
	var nerr net.Error
	require.True(t, errors.As(err, &nerr) && nerr.Timeout(), "peer is still connected: %v", err)

	release()
	require.Eventually(t, func() bool {
		st := e.Stats()
		return st.PendingDisconnects == 0 && st.IssuedAccepts == st.DesiredAccepts
	}, 5*time.Second, 5*time.Millisecond, "deferred disconnect never issued: %+v", e.Stats())

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = peer.Read(make([]byte, 1))
	assert.Error(t, err, "peer sees the disconnect")
	assert.False(t, errors.As(err, &nerr) && nerr.Timeout())
}

func TestAcceptEngine_CompletionAfterCloseKeepsCountNonNegative(t *testing.T) {
	e := newTestEngine(t, nil)
	e.fill()
	require.Equal(t, e.DesiredAccepts(), e.IssuedAcceptCount())

	require.NoError(t, e.Close())
	for i := int64(0); i < e.DesiredAccepts(); i++ {
		e.OnAccept(e.listen, nil, nil, api.ErrSocketClosed)
	}
	assert.Zero(t, e.IssuedAcceptCount())
	assert.GreaterOrEqual(t, e.Stats().IssuedAccepts, int64(0))
}

func TestAcceptEngine_DroppedReceiveReturnsBuffer(t *testing.T) {
	e := newTestEngine(t, nil)
	e.fill()

	dialEngine(t, e)
	conn := onlyConnection(t, e)
	lent := func() uint64 {
		st := e.buffers.Stats()
		return st.Allocated + st.Reused - st.Returned - st.Dropped
	}
	require.Eventually(t, func() bool { return lent() == 1 },
		5*time.Second, 5*time.Millisecond, "receive not outstanding: %+v", e.buffers.Stats())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return lent() == 0 },
		5*time.Second, 5*time.Millisecond, "receive buffer leaked: %+v", e.buffers.Stats())
}
