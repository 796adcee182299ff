// Package server serves the MCP router over HTTP: a POST endpoint for
// request/reply traffic, a server-sent events stream for queued
// notifications, and a liveness check.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rmcp-dev/rmcp/internal/logging"
	"github.com/rmcp-dev/rmcp/internal/mcp"
	"github.com/rmcp-dev/rmcp/internal/session"
)

// SessionHeader carries the session id minted on initialize.
const SessionHeader = "Mcp-Session-Id"

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	TLSCert     string
	TLSKey      string
	CORSOrigins []string

	// StrictSessions rejects unknown or missing session ids instead of
	// serving the call from a fresh session.
	StrictSessions bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         8000,
		CORSOrigins:  []string{"*"},
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE
	}
}

// TLS reports whether both a certificate and a key are configured.
func (c *Config) TLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server is the HTTP server.
type Server struct {
	config   *Config
	router   *chi.Mux
	httpSrv  *http.Server
	mcp      *mcp.Router
	sessions *session.Manager

	mu       sync.Mutex
	streams  map[string]bool
	listener net.Listener
}

// New creates a new Server instance.
func New(cfg *Config, router *mcp.Router, sessions *session.Manager) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		mcp:      router,
		sessions: sessions,
		streams:  make(map[string]bool),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	origins := s.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", SessionHeader},
		ExposedHeaders: []string{SessionHeader, "X-Request-ID"},
		MaxAge:         300,
	}))
}

// requestLogger logs each request through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logging.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("requestID", middleware.GetReqID(r.Context())).
				Msg("HTTP request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.warnIfExposed()

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	logging.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.config.TLS()).
		Msg("Serving MCP over HTTP")

	var err error
	if s.config.TLS() {
		err = srv.ServeTLS(ln, s.config.TLSCert, s.config.TLSKey)
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address once serving, or "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the server and closes every session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()

	s.sessions.Close()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// warnIfExposed emits a loud warning for plaintext binds reachable from
// other hosts.
func (s *Server) warnIfExposed() bool {
	if s.config.TLS() || IsLoopback(s.config.Host) {
		return false
	}
	logging.Warn().
		Str("host", s.config.Host).
		Int("port", s.config.Port).
		Msg("!!! SECURITY WARNING: serving MCP on a non-loopback address WITHOUT TLS. " +
			"Traffic, including tool arguments and results, is readable by anyone on the network. " +
			"Configure http.tlsCert and http.tlsKey or bind to 127.0.0.1 !!!")
	return true
}

// IsLoopback reports whether host only accepts local connections.
func IsLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
