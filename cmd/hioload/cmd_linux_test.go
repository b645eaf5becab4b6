//go:build linux

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-iocp/control"
	"github.com/momentics/hioload-iocp/server"
)

func TestPingAgainstEchoServer(t *testing.T) {
	ctrl := control.NewController()
	h := &echoHandler{}
	cfg := server.DefaultConfig()
	cfg.Name = t.Name()
	cfg.ListenAddress = "127.0.0.1"
	cfg.Workers = 2
	cfg.Handler = h
	srv, err := server.New(cfg, server.WithController(ctrl))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"ping",
		"--port", strconv.Itoa(int(srv.ListenPort())),
		"--count", "3",
		"--message", "hello",
		"--log-level", "warn",
	})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "seq=2")
	assert.Equal(t, int64(15), h.bytes.Load())
	assert.Equal(t, int64(1), h.connections.Load())

	rec := httptest.NewRecorder()
	adminMux(ctrl).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var state map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Contains(t, state, "server."+cfg.Name)

	rec = httptest.NewRecorder()
	adminMux(ctrl).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "hioload_server_accepted_total")
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "hioload v"+Version+"\n", out.String())
}
