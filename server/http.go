// Package server provides the HTTP listeners for the sorry server: one
// serving the single in-memory document (optionally TLS-wrapped) and a
// separate one serving the metrics snapshot.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/wolfeidau/sorry-server/content"
	"github.com/wolfeidau/sorry-server/telemetry"
	"github.com/wolfeidau/sorry-server/tlsgen"
)

// Config holds server configuration. Record and Metrics are required;
// their construction happens before the server exists so startup
// failures surface in order.
type Config struct {
	// Address is the content listener bind address (e.g., "127.0.0.1:3000").
	Address string

	// MetricsAddress is the metrics listener bind address.
	MetricsAddress string

	// TLS enables TLS on the content listener. Plaintext is refused on
	// that port when enabled.
	TLS bool

	// Provisioner supplies TLS material when TLS is enabled. Defaults
	// to tlsgen.Ephemeral bound to the Address host.
	Provisioner tlsgen.Provisioner

	// Record is the immutable content snapshot to serve.
	Record *content.Record

	// Metrics receives one update per completed request.
	Metrics *telemetry.Metrics

	// Logger for the server
	Logger *slog.Logger
}

// Server runs the content and metrics accept loops.
type Server struct {
	config  Config
	logger  *slog.Logger
	record  *content.Record
	metrics *telemetry.Metrics

	contentServer *http.Server
	metricsServer *http.Server

	mu        sync.Mutex
	contentLn net.Listener
	metricsLn net.Listener
}

// New creates a new server with the given configuration. When TLS is
// requested, material is provisioned here so a generation failure is
// fatal at startup rather than a silent fallback to plaintext.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Record == nil {
		return nil, errors.New("server: content record is required")
	}
	if cfg.Metrics == nil {
		return nil, errors.New("server: metrics registry is required")
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		record:  cfg.Record,
		metrics: cfg.Metrics,
	}

	// The server answers identically for every path, so the content
	// listener dispatches straight to the handler with no routing.
	s.contentServer = &http.Server{
		Addr:    cfg.Address,
		Handler: s.loggingMiddleware(http.HandlerFunc(s.handleContent)),
	}

	if cfg.TLS {
		provisioner := cfg.Provisioner
		if provisioner == nil {
			host, _, err := net.SplitHostPort(cfg.Address)
			if err != nil {
				host = cfg.Address
			}
			provisioner = tlsgen.Ephemeral{Host: host}
		}
		material, err := provisioner.Provision()
		if err != nil {
			return nil, fmt.Errorf("provisioning TLS material: %w", err)
		}
		s.contentServer.TLSConfig = material.TLSConfig()
		if err := http2.ConfigureServer(s.contentServer, &http2.Server{}); err != nil {
			return nil, fmt.Errorf("configuring HTTP/2: %w", err)
		}
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", cfg.Metrics.Handler())
	metricsMux.HandleFunc("GET /health", s.handleHealth)

	s.metricsServer = &http.Server{
		Addr:    cfg.MetricsAddress,
		Handler: metricsMux,
	}

	return s, nil
}

// Listen binds both listeners. A bind failure on either port is
// returned immediately so the process can exit non-zero instead of
// silently not listening.
func (s *Server) Listen() error {
	contentLn, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("binding content listener: %w", err)
	}

	metricsLn, err := net.Listen("tcp", s.config.MetricsAddress)
	if err != nil {
		_ = contentLn.Close()
		return fmt.Errorf("binding metrics listener: %w", err)
	}

	s.mu.Lock()
	s.contentLn = contentLn
	s.metricsLn = metricsLn
	s.mu.Unlock()

	return nil
}

// Serve runs both accept loops until Shutdown or a fatal serve error.
// The loops are independent: neither blocks the other.
func (s *Server) Serve() error {
	s.mu.Lock()
	contentLn, metricsLn := s.contentLn, s.metricsLn
	s.mu.Unlock()
	if contentLn == nil || metricsLn == nil {
		return errors.New("server: Serve called before Listen")
	}

	s.logger.Info("starting content listener",
		"address", contentLn.Addr().String(),
		"tls", s.config.TLS,
		"content_bytes", len(s.record.Raw),
		"etag", s.record.ETag,
	)
	s.logger.Info("starting metrics listener", "address", metricsLn.Addr().String())

	errCh := make(chan error, 2)
	go func() {
		if s.config.TLS {
			errCh <- s.contentServer.ServeTLS(contentLn, "", "")
			return
		}
		errCh <- s.contentServer.Serve(contentLn)
	}()
	go func() {
		errCh <- s.metricsServer.Serve(metricsLn)
	}()

	for range 2 {
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	return nil
}

// Start binds and serves. It blocks until shutdown.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops both accept loops and lets in-flight responses finish
// writing.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return errors.Join(
		s.contentServer.Shutdown(ctx),
		s.metricsServer.Shutdown(ctx),
	)
}

// ContentAddr returns the bound content listener address. Valid after
// Listen.
func (s *Server) ContentAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contentLn == nil {
		return nil
	}
	return s.contentLn.Addr()
}

// MetricsAddr returns the bound metrics listener address. Valid after
// Listen.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsLn == nil {
		return nil
	}
	return s.metricsLn.Addr()
}

// handleHealth handles health check requests on the metrics listener.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs each request with structured fields and
// records metrics exactly once per completed request, tagged with the
// emitted status code and body length.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		s.metrics.RequestStarted(r.Context())
		next.ServeHTTP(wrapped, r)
		s.metrics.RequestFinished(r.Context())

		duration := time.Since(start)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)

		s.metrics.RecordRequest(r.Context(), wrapped.status, wrapped.bytesWritten, duration)
		if wrapped.writeFailed {
			s.metrics.RecordConnectionError(r.Context())
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code,
// bytes written, and write failures.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
	writeFailed  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	if err != nil {
		rw.writeFailed = true
	}
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
