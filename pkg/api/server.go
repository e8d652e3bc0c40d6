// Package api exposes contest sessions over HTTP.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harun/tally/internal/observability"
	"github.com/harun/tally/internal/tracing"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// Server is the contest HTTP server
type Server struct {
	options     Options
	deps        Deps
	handler     http.Handler
	server      *http.Server
	listener    net.Listener
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	startTime   time.Time

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	serveErr       chan error
}

// NewServer creates a new contest server
func NewServer(options Options, deps Deps) (*Server, error) {
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.BasePath == "" {
		options.BasePath = "/api/v1.0"
	}
	options.BasePath = "/" + strings.Trim(options.BasePath, "/")
	if options.ShutdownTimeout == 0 {
		options.ShutdownTimeout = 30 * time.Second
	}

	if deps.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if deps.Coordinator == nil {
		return nil, fmt.Errorf("upload coordinator is required")
	}
	if deps.Invoker == nil {
		return nil, fmt.Errorf("tabulation invoker is required")
	}
	if deps.Teardown == nil {
		return nil, fmt.Errorf("teardown manager is required")
	}

	s := &Server{
		options:   options,
		deps:      deps,
		logger:    deps.Logger.With().Str("component", "api").Logger(),
		startTime: time.Now(),
	}
	if options.RateLimitPerMinute > 0 {
		s.rateLimiter = NewRateLimiter(options.RateLimitPerMinute)
	}
	s.handler = s.middleware(s.routes())

	return s, nil
}

func (s *Server) routes() http.Handler {
	base := s.options.BasePath
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+base+"/appVersion", s.handleVersion)
	mux.HandleFunc("POST "+base+"/newContest", s.handleNewContest)
	mux.HandleFunc("POST "+base+"/castVotes", s.handleCastVotes)
	mux.HandleFunc("GET "+base+"/tabulate", s.handleTabulate)
	mux.HandleFunc("GET "+base+"/clear", s.handleClear)
	if s.deps.Events != nil {
		mux.Handle("GET "+base+"/events", s.deps.Events)
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())

	return mux
}

// Handler returns the server's HTTP handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.options.Host, strconv.Itoa(s.options.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serveErr = make(chan error, 1)

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("base_path", s.options.BasePath).
		Msg("Starting contest server")

	go func() {
		err := s.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Contest server error")
			s.serveErr <- err
		}
		close(s.serveErr)
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Err is closed when the server stops serving; it yields the error if serving failed.
func (s *Server) Err() <-chan error {
	return s.serveErr
}

// Stop rejects new requests, waits for in-flight ones up to the shutdown
// timeout, and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down contest server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.options.ShutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown cancelled, forcing close")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown contest server: %w", err)
	}

	s.logger.Info().Msg("Contest server stopped")
	return nil
}

// middleware rejects requests during shutdown, tracks in-flight requests,
// applies the rate limit, assigns a request ID, and logs the outcome.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "server is shutting down", Kind: KindUnavailable})
			return
		}
		s.inFlightReqs.Add(1)
		s.shutdownMu.RUnlock()
		defer s.inFlightReqs.Done()

		ip := clientIP(r)

		if s.rateLimiter != nil {
			if ok, retryAfter := s.rateLimiter.Allow(ip); !ok {
				secs := int((retryAfter + time.Second - 1) / time.Second)
				s.logger.Warn().Str("ip", ip).Str("path", r.URL.Path).Int("retryAfter", secs).Msg("Rate limit exceeded")
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "too many requests", Kind: KindRateLimited})
				return
			}
		}

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = tracing.NewTraceID()
		}
		ctx := tracing.NewRequestContext(r.Context(), requestID)
		w.Header().Set(RequestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		logger := tracing.LoggerFromContext(ctx, s.logger)
		event := logger.Info()
		if rec.status >= http.StatusInternalServerError {
			event = logger.Error()
		} else if rec.status >= http.StatusBadRequest {
			event = logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("ip", ip).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	})
}

// statusRecorder captures the response status. It forwards Hijack so the
// event stream can upgrade through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	r.wroteHeader = true
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// clientIP extracts the client IP from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
