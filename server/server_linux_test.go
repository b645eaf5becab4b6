//go:build linux

package server_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-iocp/completion"
	"github.com/momentics/hioload-iocp/server"
)

func echo() server.Handler {
	return server.HandlerFuncs{
		Receive: func(c *server.Connection, data []byte, err error) {
			if err == nil && len(data) > 0 {
				_ = c.Send(bytes.Clone(data))
			}
		},
	}
}

func start(t *testing.T, mutate func(*server.Config), opts ...server.Option) *server.Server {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Name = t.Name()
	cfg.ListenAddress = "127.0.0.1"
	cfg.Workers = 2
	cfg.Handler = echo()
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := server.New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func dial(t *testing.T, srv *server.Server) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", srv.ListenPort()), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	return c
}

func roundTrip(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	_, err := c.Write([]byte(msg))
	require.NoError(t, err)
	got := make([]byte, len(msg))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, msg, string(got))
}

func steady(t *testing.T, e *server.AcceptEngine) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := e.Stats()
		return st.ActiveConnections == 0 &&
			st.IssuedAccepts == st.DesiredAccepts &&
			st.PoolReady+int(st.IssuedAccepts) == st.PoolSockets
	}, 5*time.Second, 5*time.Millisecond, "engine did not settle: %+v", e.Stats())
}

func TestServer_Ping(t *testing.T) {
	srv := start(t, nil)
	require.NotZero(t, srv.ListenPort())
	e := srv.Engine()
	assert.Equal(t, int64(4), e.DesiredAccepts())
	assert.Equal(t, e.DesiredAccepts(), e.IssuedAcceptCount())

	c := dial(t, srv)
	roundTrip(t, c, "PING")
	roundTrip(t, c, "PING again")
	require.NoError(t, c.Close())

	steady(t, e)
}

func TestServer_ChurnRecyclesSockets(t *testing.T) {
	srv := start(t, func(c *server.Config) { c.DesiredAccepts = 8 })
	e := srv.Engine()

	for i := 0; i < 100; i++ {
		c := dial(t, srv)
		roundTrip(t, c, fmt.Sprintf("cycle %d", i))
		require.NoError(t, c.Close())
		require.GreaterOrEqual(t, e.IssuedAcceptCount(), int64(0))
		require.LessOrEqual(t, e.IssuedAcceptCount(), e.DesiredAccepts())
	}
	steady(t, e)

	st := e.Stats()
	assert.Less(t, st.PoolSockets, 60, "sockets are reused instead of recreated")
}

func TestServer_ConcurrentClients(t *testing.T) {
	srv := start(t, func(c *server.Config) { c.Workers = 4 })
	const clients = 16
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", srv.ListenPort()), 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(5 * time.Second))
			msg := []byte(fmt.Sprintf("client-%02d", i))
			for j := 0; j < 10; j++ {
				if _, err := c.Write(msg); err != nil {
					errs <- err
					return
				}
				got := make([]byte, len(msg))
				if _, err := io.ReadFull(c, got); err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(msg, got) {
					errs <- fmt.Errorf("got %q want %q", got, msg)
					return
				}
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < clients; i++ {
		require.NoError(t, <-errs)
	}
	steady(t, srv.Engine())
}

func TestServer_ServerSideClose(t *testing.T) {
	accepted := make(chan *server.Connection, 1)
	srv := start(t, func(c *server.Config) {
		c.Handler = server.HandlerFuncs{
			Connection: func(c *server.Connection) {
				accepted <- c
				_ = c.Close()
			},
		}
	})
	c := dial(t, srv)
	defer c.Close()

	var conn *server.Connection
	select {
	case conn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
	}
	assert.Equal(t, c.LocalAddr().String(), conn.RemoteAddr().String())
	assert.True(t, conn.Closed())
	assert.NoError(t, conn.Close(), "second close is a no-op")

	_, err := c.Read(make([]byte, 1))
	assert.Error(t, err, "peer sees the disconnect")
	steady(t, srv.Engine())
}

func TestServer_ManualReceive(t *testing.T) {
	srv := start(t, func(c *server.Config) {
		c.AutoReceive = false
		c.Handler = server.HandlerFuncs{
			Connection: func(c *server.Connection) { _ = c.Recv() },
			Receive: func(c *server.Connection, data []byte, err error) {
				if err != nil || len(data) == 0 {
					_ = c.Close()
					return
				}
				_ = c.Send([]byte("ok"))
				_ = c.Recv()
			},
		}
	})
	c := dial(t, srv)
	_, err := c.Write([]byte("x"))
	require.NoError(t, err)
	got := make([]byte, 2)
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))
	require.NoError(t, c.Close())
	steady(t, srv.Engine())
}

func TestServer_HandlerPanicKeepsServing(t *testing.T) {
	srv := start(t, func(c *server.Config) {
		c.Handler = server.HandlerFuncs{
			Connection: func(*server.Connection) { panic("boom") },
			Receive:    echo().OnReceive,
		}
	})
	c := dial(t, srv)
	roundTrip(t, c, "still here")
	require.NoError(t, c.Close())
}

func TestServer_Lifecycle(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Name = t.Name()
	cfg.ListenAddress = "127.0.0.1"
	cfg.Workers = 1
	cfg.Handler = echo()
	srv, err := server.New(cfg)
	require.NoError(t, err)
	assert.Zero(t, srv.ListenPort())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, srv.Shutdown(ctx), server.ErrNotRunning)

	require.NoError(t, srv.Start())
	require.ErrorIs(t, srv.Start(), server.ErrAlreadyRunning)
	assert.Contains(t, srv.Control().Debug().Names(), "server."+cfg.Name)

	c := dial(t, srv)
	roundTrip(t, c, "bye")

	require.NoError(t, srv.Shutdown(ctx))
	assert.True(t, srv.Port().Closed())
	assert.True(t, srv.Engine().Stats().Closed)
	assert.NotContains(t, srv.Control().Debug().Names(), "server."+cfg.Name)
	require.ErrorIs(t, srv.Shutdown(ctx), server.ErrNotRunning)

	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err, "active connections are aborted")
	_ = c.Close()
}

func TestServer_SharedPortStaysOpen(t *testing.T) {
	port, err := completion.NewPort(completion.WithWorkers(2), completion.WithName(t.Name()))
	require.NoError(t, err)
	defer port.Close()

	srv := start(t, nil, server.WithPort(port))
	assert.Same(t, port, srv.Port())
	c := dial(t, srv)
	roundTrip(t, c, "shared")
	require.NoError(t, c.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.False(t, port.Closed())
	require.NoError(t, port.DispatchTask(func() {}))
}

func TestServer_BurstAcceptsWithSingleOutstanding(t *testing.T) {
	const clients = 64
	accepted := make(chan *server.Connection, clients)
	srv := start(t, func(c *server.Config) {
		c.DesiredAccepts = 1
		c.Workers = 4
		c.AutoReceive = false
		c.Handler = server.HandlerFuncs{
			Connection: func(c *server.Connection) { accepted <- c },
		}
	})
	e := srv.Engine()

	peers := make(chan net.Conn, clients)
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func() {
			c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", srv.ListenPort()), 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			peers <- c
			errs <- nil
		}()
	}
	for i := 0; i < clients; i++ {
		require.NoError(t, <-errs)
	}
	close(peers)
	defer func() {
		for c := range peers {
			_ = c.Close()
		}
	}()

	require.Eventually(t, func() bool { return len(accepted) == clients },
		5*time.Second, 5*time.Millisecond, "accepting stalled: %+v", e.Stats())
	assert.Equal(t, clients, e.Stats().ActiveConnections)
	assert.Equal(t, e.DesiredAccepts(), e.IssuedAcceptCount())
}

func TestServer_ConcurrentCloseDrainsDisconnects(t *testing.T) {
	const clients = 64
	accepted := make(chan *server.Connection, clients)
	srv := start(t, func(c *server.Config) {
		c.DesiredAccepts = 1
		c.Workers = 4
		c.AutoReceive = false
		c.Handler = server.HandlerFuncs{
			Connection: func(c *server.Connection) { accepted <- c },
		}
	})
	e := srv.Engine()

	peers := make([]net.Conn, clients)
	for i := range peers {
		peers[i] = dial(t, srv)
		defer peers[i].Close()
	}
	conns := make([]*server.Connection, 0, clients)
	for len(conns) < clients {
		select {
		case c := <-accepted:
			conns = append(conns, c)
		case <-time.After(5 * time.Second):
			t.Fatalf("accepted %d of %d: %+v", len(conns), clients, e.Stats())
		}
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *server.Connection) {
			defer wg.Done()
			_ = c.Close()
		}(c)
	}
	wg.Wait()

	for i, c := range peers {
		_, err := c.Read(make([]byte, 1))
		require.ErrorIs(t, err, io.EOF, "client %d sees the disconnect", i)
	}
	require.Eventually(t, func() bool { return e.Stats().PendingDisconnects == 0 },
		5*time.Second, 5*time.Millisecond, "deferred disconnects left: %+v", e.Stats())
	steady(t, e)
}

func TestServer_ConcurrentChurn(t *testing.T) {
	srv := start(t, func(c *server.Config) {
		c.DesiredAccepts = 2
		c.Workers = 4
	})
	e := srv.Engine()

	const (
		clients = 8
		cycles  = 25
	)
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			for j := 0; j < cycles; j++ {
				c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", srv.ListenPort()), 2*time.Second)
				if err != nil {
					errs <- err
					return
				}
				_ = c.SetDeadline(time.Now().Add(5 * time.Second))
				msg := []byte(fmt.Sprintf("client-%d-cycle-%d", i, j))
				if _, err := c.Write(msg); err != nil {
					c.Close()
					errs <- err
					return
				}
				got := make([]byte, len(msg))
				_, err = io.ReadFull(c, got)
				c.Close()
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(msg, got) {
					errs <- fmt.Errorf("got %q want %q", got, msg)
					return
				}
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < clients; i++ {
		require.NoError(t, <-errs)
	}
	steady(t, e)
	assert.Zero(t, e.Stats().PendingDisconnects)
}
