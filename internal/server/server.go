// Package server exposes the operator HTTP API, the live audit stream and
// the gRPC health service.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-orchestrator/internal/approval"
	"github.com/kubilitics/kubilitics-orchestrator/internal/audit"
	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
	"github.com/kubilitics/kubilitics-orchestrator/internal/eventlog"
	"github.com/kubilitics/kubilitics-orchestrator/internal/middleware"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
	"github.com/kubilitics/kubilitics-orchestrator/internal/scheduler"
)

// ProviderHealth is the read side of the provider health tracker.
type ProviderHealth interface {
	Snapshot() []models.ProviderHealth
	AnyUsable() bool
}

// Config holds listener settings.
type Config struct {
	Host               string
	Port               int
	AllowedOrigins     []string
	RateLimitPerMinute int
	ShutdownTimeout    time.Duration
}

// Deps are the components the API reads from and writes to.
type Deps struct {
	Store     db.Store
	Gate      *approval.Gate
	Scheduler *scheduler.Scheduler
	Health    ProviderHealth
	Intake    *eventlog.Log
	Audit     audit.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	limiter *middleware.RateLimiter

	upgrader websocket.Upgrader

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a server. It does not listen until Start.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Store == nil || deps.Gate == nil || deps.Scheduler == nil || deps.Health == nil || deps.Intake == nil {
		return nil, fmt.Errorf("server: store, gate, scheduler, health and intake are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("server"),
		limiter: middleware.NewRateLimiter(cfg.RateLimitPerMinute),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Handler returns the full HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws/audit", s.handleAuditStream).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/cases", s.handleListCases).Methods(http.MethodGet)
	api.HandleFunc("/cases/{id}", s.handleGetCase).Methods(http.MethodGet)
	api.HandleFunc("/cases/{id}/trail", s.handleTrail).Methods(http.MethodGet)
	api.HandleFunc("/cases/{id}/approval", s.handleGetApproval).Methods(http.MethodGet)
	api.Handle("/cases/{id}/approval", s.limiter.Middleware(http.HandlerFunc(s.handleResolveApproval))).Methods(http.MethodPost)
	api.HandleFunc("/approvals", s.handleListApprovals).Methods(http.MethodGet)
	api.HandleFunc("/providers", s.handleProviders).Methods(http.MethodGet)
	api.HandleFunc("/lanes", s.handleLanes).Methods(http.MethodGet)
	api.Handle("/intake", s.limiter.Middleware(http.HandlerFunc(s.handleIntake))).Methods(http.MethodPost)
	api.HandleFunc("/intake/dead-letters", s.handleDeadLetters).Methods(http.MethodGet)
	api.HandleFunc("/audit", s.handleAuditQuery).Methods(http.MethodGet)

	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return otelhttp.NewHandler(c.Handler(r), "http.request",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}))
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown stops accepting requests and closes audit streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.limiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

// ─── Middleware ───────────────────────────────────────────────────────────────

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the audit stream upgrade through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.statusCode),
			zap.Duration("duration", time.Since(start)),
		}
		switch {
		case rw.statusCode >= 500:
			s.logger.Error("HTTP request", fields...)
		case rw.statusCode >= 400:
			s.logger.Warn("HTTP request", fields...)
		default:
			s.logger.Debug("HTTP request", fields...)
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("Panic in HTTP handler", zap.Any("panic", v), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
