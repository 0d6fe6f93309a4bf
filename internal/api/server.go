// Package api provides the HTTP API server
package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GuruMachanica/KavachG/internal/incident"
	"github.com/GuruMachanica/KavachG/internal/live"
	"github.com/GuruMachanica/KavachG/internal/recorder"
	"github.com/GuruMachanica/KavachG/internal/recorder/storage"
)

// Submitter files incidents created through the API.
type Submitter interface {
	Submit(ctx context.Context, req incident.Request) (*storage.Incident, error)
}

// StatsProvider reports per-stream metrics for /api/streams.
type StatsProvider interface {
	Stats() []recorder.Stats
}

// Options wires the server to the rest of the process. Store and
// Dispatcher are required; the rest are optional.
type Options struct {
	Addr               string
	AllowedOrigins     []string
	RateLimitPerMinute int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration

	ClipDir     string
	ClipsPrefix string

	Store      storage.Store
	Dispatcher Submitter
	Hub        http.Handler
	Live       *live.Registry
	Streams    StatsProvider
	Logger     *zap.Logger
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	limiter    *RateLimiter
	incidents  *IncidentHandler
	logger     *zap.Logger
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = 60
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}

	mux := http.NewServeMux()
	limiter := NewRateLimiter(opts.RateLimitPerMinute, time.Minute)

	incidents := NewIncidentHandler(opts.Store, opts.Dispatcher, logger)
	incidents.RegisterRoutes(mux, limiter)

	if opts.ClipDir != "" {
		prefix := "/" + strings.Trim(opts.ClipsPrefix, "/") + "/"
		if prefix == "//" {
			prefix = "/clips/"
		}
		mux.Handle("GET "+prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(opts.ClipDir))))
		if _, err := os.Stat(opts.ClipDir); err != nil {
			logger.Warn("Clip directory not readable yet", zap.String("dir", opts.ClipDir), zap.Error(err))
		}
	}

	if opts.Live != nil {
		mux.Handle("GET /stream/{camera}", opts.Live.Handler())
	}
	if opts.Hub != nil {
		mux.Handle("GET /ws/incidents", opts.Hub)
	} else {
		logger.Warn("Incident websocket feed disabled")
	}

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := opts.Store.HealthCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /api/streams", func(w http.ResponseWriter, r *http.Request) {
		if opts.Streams == nil {
			writeJSON(w, http.StatusOK, []recorder.Stats{})
			return
		}
		writeJSON(w, http.StatusOK, opts.Streams.Stats())
	})

	handler := requestID(logger, corsMiddleware(opts.AllowedOrigins, mux))

	return &Server{
		httpServer: &http.Server{
			Addr:        opts.Addr,
			Handler:     handler,
			ReadTimeout: opts.ReadTimeout,
			// MJPEG and websocket responses are long lived; a zero WriteTimeout
			// keeps them open.
			WriteTimeout:   opts.WriteTimeout,
			MaxHeaderBytes: 1 << 20, // 1 MB
		},
		mux:       mux,
		limiter:   limiter,
		incidents: incidents,
		logger:    logger,
	}
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// corsMiddleware adds CORS headers for whitelisted origins. A "*" entry
// allows any origin.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowedOrigins := make(map[string]bool, len(origins))
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowedOrigins[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && (allowAll || allowedOrigins[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestID tags every request with an X-Request-ID and logs failures.
func requestID(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		if sw.status >= http.StatusInternalServerError {
			logger.Warn("Request failed",
				zap.String("request_id", id),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("elapsed", time.Since(start)))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the websocket upgrade and MJPEG flushing need.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Flush forwards to the underlying writer when it supports flushing.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

// StartInBackground starts the server in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	s.logger.Info("API server started in background", zap.String("addr", s.httpServer.Addr))
}
