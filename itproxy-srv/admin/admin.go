// Package admin serves the read-only operator API: health, the session
// table, statistics and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/itproxy/itproxy-srv/config"
	"github.com/codefionn/itproxy/itproxy-srv/logger"
	"github.com/codefionn/itproxy/itproxy-srv/metrics"
	"github.com/codefionn/itproxy/itproxy-srv/sessions"
	"github.com/codefionn/itproxy/itproxy-srv/stats"
	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer is the issuer claim of tokens created by IssueToken.
const TokenIssuer = "itproxy"

// SessionLister exposes the current session table.
type SessionLister interface {
	Snapshot() map[string]sessions.Entry
}

// SessionInfo is one row of /api/sessions. Tokens are never listed.
type SessionInfo struct {
	Key  string `json:"key"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Server is the admin HTTP server.
type Server struct {
	config    config.AdminConfig
	sessions  SessionLister
	collector stats.Collector
	metrics   *metrics.Collector
	jwtSecret []byte
	mux       *http.ServeMux

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates the admin server. lister may be nil in header mode,
// m may be nil when metrics are not collected.
func NewServer(cfg config.AdminConfig, lister SessionLister, collector stats.Collector, m *metrics.Collector) *Server {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = config.DefaultMetricsPath
	}

	s := &Server{
		config:    cfg,
		sessions:  lister,
		collector: collector,
		metrics:   m,
		mux:       http.NewServeMux(),
	}
	if cfg.JWTSecret != "" {
		s.jwtSecret = []byte(cfg.JWTSecret)
	}

	s.mux.HandleFunc("GET /healthz", s.serveHealth)
	s.mux.Handle("GET /api/sessions", s.requireAuth(http.HandlerFunc(s.serveSessions)))
	s.mux.Handle("GET /api/stats", s.requireAuth(http.HandlerFunc(s.serveStats)))
	if m != nil {
		s.mux.Handle("GET "+cfg.MetricsPath, m.Handler())
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Admin request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
	s.mux.ServeHTTP(w, r)
}

// Start listens on the configured admin address.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves on listener until stopped.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	logger.Info("Starting admin server on %s", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the admin server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// IssueToken returns an HS256 token for subject valid for ttl.
func (s *Server) IssueToken(subject string, ttl time.Duration) (string, error) {
	if s.jwtSecret == nil {
		return "", errors.New("admin jwt secret is not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// parseToken parses and validates a bearer token.
func (s *Server) parseToken(tokenString string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			logger.Warn("Unexpected JWT signing method: %v", token.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(TokenIssuer))
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.jwtSecret == nil {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tokenString == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="itproxy"`)
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token, err := s.parseToken(tokenString)
		if err != nil || !token.Valid {
			logger.Debug("JWT token validation failed: %v", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="itproxy", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.collector.HealthCheck(r.Context()); err != nil {
		logger.Error("Health check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) serveSessions(w http.ResponseWriter, _ *http.Request) {
	list := make([]SessionInfo, 0)
	if s.sessions != nil {
		for key, entry := range s.sessions.Snapshot() {
			list = append(list, SessionInfo{Key: key, Host: entry.Target.Host, Port: entry.Target.Port})
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })

	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(list),
		"sessions": list,
	})
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	overview, err := s.collector.GetOverviewStats(r.Context())
	if err != nil {
		logger.Error("Failed to get overview stats: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get statistics")
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}
