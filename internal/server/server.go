// Package server owns the API's TCP listener. A serve loop that fails after
// a successful bind is rebound and restarted by a supervisor.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "taskboard/internal/runtime/supervisor"
	logx "taskboard/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg     Config
	handler http.Handler
	log     logx.Logger

	mu      sync.Mutex
	hooks   []func(ctx context.Context) error
	running bool
	addr    string
	first   net.Listener
	srv     *http.Server
	sup     *rtsup.Supervisor
}

func New(cfg Config, h http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{cfg: cfg, handler: h, log: log}
}

// OnShutdown registers fn to run when Stop begins, before in-flight requests
// drain. Hijacked connections such as websockets are not tracked by
// http.Server and must be closed this way.
func (s *Server) OnShutdown(fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Addr is the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start binds synchronously so address errors reach the caller, then serves
// in the background until Stop or ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.first = ln
	s.addr = ln.Addr().String()
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          s.log.StdLogger(logx.LevelWarn),
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.running = true

	s.sup.GoRetry("http.serve", s.serve, rtsup.Retry{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
		Report:     true,
	})
	s.log.Info("http listening", logx.String("addr", s.addr))
	return nil
}

// serve runs one Serve call. The first call uses the listener bound in
// Start; later calls bind the same address again.
func (s *Server) serve(ctx context.Context) error {
	s.mu.Lock()
	ln, srv, addr, running := s.first, s.srv, s.addr, s.running
	s.first = nil
	s.mu.Unlock()
	if !running {
		return nil
	}

	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = errors.New("serve returned without error")
	}
	return err
}

// Stop runs the shutdown hooks, drains requests until ctx ends and then
// closes whatever is left. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv, sup, first := s.srv, s.sup, s.first
	s.first = nil
	hooks := append([]func(context.Context) error(nil), s.hooks...)
	s.mu.Unlock()

	var errs []error
	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
		_ = srv.Close()
	}
	if first != nil {
		_ = first.Close()
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Debug("serve loop ended with error", logx.Err(err))
	}

	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
	s.log.Info("http stopped")
	return errors.Join(errs...)
}
