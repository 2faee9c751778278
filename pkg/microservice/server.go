package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// BaseConfig holds the service-level settings shared by every deployment.
type BaseConfig struct {
	ServiceName string `yaml:"service_name"`
	LogLevel    string `yaml:"log_level"`
	// LogFormat is "json" or "console".
	LogFormat       string        `yaml:"log_format"`
	HTTPPort        string        `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BaseServer owns the listener and the request middleware. Routes are added
// to Mux before Start.
type BaseServer struct {
	Logger   zerolog.Logger
	HTTPPort string

	mux        *http.ServeMux
	handler    http.Handler
	httpServer *http.Server
	draining   atomic.Bool

	mu       sync.RWMutex
	boundTo  string
	listener net.Listener
}

// NewBaseServer creates a BaseServer with the health probe registered.
func NewBaseServer(logger zerolog.Logger, httpPort string) *BaseServer {
	s := &BaseServer{
		Logger:   logger,
		HTTPPort: httpPort,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", s.healthz)
	s.handler = s.recoverPanics(s.accessLog(s.mux))
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the port and serves in the background.
func (s *BaseServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}
	s.listener = ln
	s.boundTo = ln.Addr().String()
	s.Logger.Info().Str("address", s.boundTo).Msg("HTTP server listening.")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed.")
		}
	}()
	return nil
}

// Shutdown marks the server as draining, so the health probe fails, then
// waits for in-flight requests until ctx expires.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.Logger.Info().Msg("Draining HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("HTTP server did not drain cleanly.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns ":<port>" of the bound listener, or the configured
// address before Start.
func (s *BaseServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, port, err := net.SplitHostPort(s.boundTo); err == nil {
		return ":" + port
	}
	return s.HTTPPort
}

// Mux is where routes are registered.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

// Handler is the mux wrapped in the server's middleware.
func (s *BaseServer) Handler() http.Handler {
	return s.handler
}

func (s *BaseServer) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusRecorder captures the response code. Flush is forwarded so event
// streams keep working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *BaseServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		ev := s.Logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = s.Logger.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request served.")
	})
}

func (s *BaseServer) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.Logger.Error().Interface("panic", v).Str("path", r.URL.Path).Msg("Handler panicked.")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
