// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/hioload-iocp/api"
	"github.com/momentics/hioload-iocp/completion"
	"github.com/momentics/hioload-iocp/control"
	"github.com/momentics/hioload-iocp/internal/logging"
)

var (
	ErrAlreadyRunning = errors.New("server already running")
	ErrNotRunning     = errors.New("server not running")
)

var _ api.GracefulShutdown = (*Server)(nil)

// Server is the facade tying a completion port, an accept engine and the
// control plane together.
type Server struct {
	cfg     Config
	port    *completion.Port
	ownPort bool
	control *control.Controller
	log     *zap.Logger

	mu      sync.Mutex
	engine  *AcceptEngine
	stopped bool
}

// Option customizes server initialization.
type Option func(*Server)

// WithPort runs the server on an existing port. The caller keeps
// ownership; Shutdown leaves it open.
func WithPort(p *completion.Port) Option {
	return func(s *Server) { s.port = p }
}

// WithLogger replaces the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithController registers the server's probes on an existing controller.
func WithController(c *control.Controller) Option {
	return func(s *Server) { s.control = c }
}

// Stats is a snapshot of the server.
type Stats struct {
	Name   string           `json:"name"`
	Engine EngineStats      `json:"engine"`
	Port   completion.Stats `json:"port"`
}

// New validates cfg and builds the server. Nothing is opened until Start.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logging.Named("server").With(zap.String("server", cfg.Name))
	}
	if s.control == nil {
		s.control = control.NewController()
	}
	return s, nil
}

// Start opens the listen socket and issues the initial accepts.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil || s.stopped {
		return ErrAlreadyRunning
	}
	if s.port == nil {
		p, err := completion.NewPort(
			completion.WithName(s.cfg.Name),
			completion.WithWorkers(s.cfg.Workers),
			completion.WithLogger(s.log.Named("port")),
		)
		if err != nil {
			return fmt.Errorf("create port: %w", err)
		}
		s.port, s.ownPort = p, true
	}
	if !s.port.IOSupported() {
		s.closeOwnedPort()
		return fmt.Errorf("%w: completion port has no reactor", api.ErrNotSupported)
	}
	e, err := NewAcceptEngine(s.cfg, s.port, s.log)
	if err != nil {
		s.closeOwnedPort()
		return err
	}
	s.engine = e
	s.control.RegisterDebugProbe("server."+s.cfg.Name, func() any { return e.Stats() })
	s.control.RegisterDebugProbe("port."+s.port.Name(), func() any { return s.port.Stats() })
	e.fill()
	return nil
}

func (s *Server) closeOwnedPort() {
	if !s.ownPort {
		return
	}
	if err := s.port.Close(); err != nil {
		s.log.Warn("port close failed", zap.Error(err))
	}
	s.port, s.ownPort = nil, false
}

// ListenPort returns the bound TCP port, useful when Config.ListenPort is 0.
func (s *Server) ListenPort() uint16 {
	if e := s.Engine(); e != nil {
		return e.ListenAddr().Port()
	}
	return 0
}

// Engine returns the accept engine, nil before Start.
func (s *Server) Engine() *AcceptEngine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// Port returns the completion port, nil before Start unless supplied.
func (s *Server) Port() *completion.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Control returns the control plane.
func (s *Server) Control() *control.Controller { return s.control }

// Shutdown closes the engine, then waits for every context of an owned
// port to drain before closing it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	e := s.engine
	if e == nil || s.stopped {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.stopped = true
	s.mu.Unlock()

	s.control.Debug().UnregisterProbe("server." + s.cfg.Name)
	s.control.Debug().UnregisterProbe("port." + s.port.Name())

	err := e.Close()
	if !s.ownPort {
		return err
	}
	if ferr := s.port.Flush(ctx); ferr != nil {
		s.log.Warn("port flush incomplete", zap.Error(ferr))
		err = errors.Join(err, ferr)
	}
	if cerr := s.port.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	s.log.Info("server stopped")
	return err
}

// Stats returns a snapshot of the engine and port.
func (s *Server) Stats() Stats {
	st := Stats{Name: s.cfg.Name}
	if e := s.Engine(); e != nil {
		st.Engine = e.Stats()
	}
	if p := s.Port(); p != nil {
		st.Port = p.Stats()
	}
	return st
}
