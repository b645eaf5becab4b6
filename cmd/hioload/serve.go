// File: cmd/hioload/serve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/momentics/hioload-iocp/control"
	"github.com/momentics/hioload-iocp/internal/logging"
	"github.com/momentics/hioload-iocp/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the echo server",
	Long: `Start the echo server. Configuration comes from flags, HIOLOAD_* environment
variables, .env files and an optional --config file. A changed config file
is picked up at runtime; log-level takes effect immediately.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("config", "", "config file (yaml, json, toml) watched for changes")
	f.String("listen-address", "0.0.0.0", "address to listen on")
	f.Uint16("listen-port", 9001, "port to listen on, 0 picks a free one")
	f.Int("max-connections", 1024, "listen backlog")
	f.Int("workers", 0, "completion workers, 0 = logical CPUs")
	f.Float64("accept-multiplier", 2.0, "outstanding accepts per worker")
	f.Int("desired-accepts", 0, "outstanding accepts, overrides accept-multiplier")
	f.Int("max-operations", 16, "operation slots per connection")
	f.Int("recv-buffer", 16*1024, "receive buffer size")
	f.Bool("no-delay", true, "TCP_NODELAY on accepted sockets")
	f.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown bound")
	f.String("metrics-addr", "127.0.0.1:9090", "address for /metrics and /debug/state, empty disables")
}

func serveConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.ListenAddress = viper.GetString("listen-address")
	cfg.ListenPort = uint16(viper.GetUint("listen-port"))
	cfg.MaxNumConnections = viper.GetInt("max-connections")
	cfg.Workers = viper.GetInt("workers")
	cfg.AcceptMultiplier = viper.GetFloat64("accept-multiplier")
	cfg.DesiredAccepts = viper.GetInt("desired-accepts")
	cfg.MaxOperations = viper.GetInt("max-operations")
	cfg.ReceiveBufferSize = viper.GetInt("recv-buffer")
	cfg.NoDelay = viper.GetBool("no-delay")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return cfg
}

// echoHandler writes every received chunk back to its sender.
type echoHandler struct {
	connections atomic.Int64
	bytes       atomic.Int64
}

func (h *echoHandler) OnConnection(*server.Connection) { h.connections.Add(1) }

func (h *echoHandler) OnReceive(c *server.Connection, data []byte, err error) {
	if err != nil || len(data) == 0 {
		return
	}
	h.bytes.Add(int64(len(data)))
	if serr := c.Send(bytes.Clone(data)); serr != nil {
		_ = c.Close()
	}
}

func (h *echoHandler) OnSend(*server.Connection, int, error) {}

func runServe(cmd *cobra.Command, _ []string) error {
	log := logging.Named("serve")
	defer logging.Sync()

	if _, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof)); err != nil {
		log.Warn("GOMAXPROCS not adjusted", zap.Error(err))
	}

	ctrl := control.NewController()
	ctrl.Config().OnReload(func(cfg map[string]any) {
		lvl := ctrl.Config().String("log-level", logging.Level().String())
		if err := logging.SetLevel(lvl); err != nil {
			log.Warn("ignoring log level from config", zap.Error(err))
			return
		}
		log.Info("configuration reloaded", zap.String("log_level", lvl), zap.Int("keys", len(cfg)))
	})
	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
		viper.OnConfigChange(func(ev fsnotify.Event) {
			log.Debug("config file changed", zap.String("file", ev.Name))
			ctrl.Config().SetConfig(viper.AllSettings())
		})
		viper.WatchConfig()
	}
	ctrl.Config().SetConfig(viper.AllSettings())

	h := &echoHandler{}
	ctrl.RegisterDebugProbe("echo", func() any {
		return map[string]int64{"connections": h.connections.Load(), "bytes": h.bytes.Load()}
	})

	cfg := serveConfig()
	cfg.Handler = h
	srv, err := server.New(cfg, server.WithController(ctrl))
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	log.Info("echo server started",
		zap.String("address", cfg.ListenAddress),
		zap.Uint16("port", srv.ListenPort()),
		zap.Int("workers", srv.Port().NumWorkers()))

	var web *http.Server
	if addr := viper.GetString("metrics-addr"); addr != "" {
		web = &http.Server{Addr: addr, Handler: adminMux(ctrl), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := web.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin endpoint failed", zap.Error(err))
			}
		}()
		log.Info("admin endpoint", zap.String("addr", addr))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if web != nil {
		_ = web.Shutdown(sctx)
	}
	return srv.Shutdown(sctx)
}

func adminMux(ctrl *control.Controller) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/state", func(w http.ResponseWriter, _ *http.Request) {
		body, err := ctrl.Debug().DumpJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	return mux
}
