package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/codefionn/itproxy/itproxy-srv/config"
	"github.com/codefionn/itproxy/itproxy-srv/logger"
	"github.com/codefionn/itproxy/itproxy-srv/metrics"
	"github.com/codefionn/itproxy/itproxy-srv/sessions"
	"github.com/codefionn/itproxy/itproxy-srv/stats"
)

// Server owns the listener, the dispatcher and the engine.
type Server struct {
	config     *config.Config
	dispatcher *Dispatcher
	engine     *HTTPEngine

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a proxy server. sessionMap may be nil for header mode.
func NewServer(cfg *config.Config, sessionMap sessions.Map, collector stats.Collector, m *metrics.Collector) *Server {
	engine := NewHTTPEngine(time.Duration(cfg.TimeoutSeconds)*time.Second, m)
	return &Server{
		config:     cfg,
		dispatcher: NewDispatcher(cfg, sessionMap, engine, collector, m),
		engine:     engine,
	}
}

// Handler returns the dispatcher serving proxied requests.
func (s *Server) Handler() http.Handler {
	return s.dispatcher
}

// Addr returns the listening address, or nil before the server started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens on the configured address and serves until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddress()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return NewProxyError(ErrCodeListenerCreateFailed, "failed to listen on "+addr, err)
	}
	logger.Debug("Listening on %s", addr)
	return s.StartWithListener(listener)
}

// StartWithListener serves on listener until stopped. It returns nil after
// a clean Stop.
func (s *Server) StartWithListener(listener net.Listener) error {
	timeout := time.Duration(s.config.TimeoutSeconds) * time.Second

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.dispatcher,
		ReadHeaderTimeout: timeout,
		IdleTimeout:       90 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	logger.Info("Starting proxy server on %s (%s mode)", listener.Addr().String(), s.dispatcher.Resolver().Strategy())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down and then closes the engine, which tears
// down upgraded connections the HTTP server no longer tracks.
func (s *Server) Stop() error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	var shutdownErr error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr = server.Shutdown(ctx)
	}
	return errors.Join(shutdownErr, s.engine.Close())
}

// Close is an alias for Stop.
func (s *Server) Close() error {
	return s.Stop()
}
