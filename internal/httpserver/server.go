package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"teletherapy/internal/auth"
	"teletherapy/internal/booking"
	"teletherapy/internal/cache"
	"teletherapy/internal/metrics"
	"teletherapy/internal/payment"
	"teletherapy/internal/repo"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	MpesaWebhook http.Handler
}

// NoticeChannel reports whether payment notices can currently be delivered.
type NoticeChannel interface {
	Ready() (state string, ok bool)
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Repository repo.Repository
	Redis      *cache.Redis
	Auth       *auth.Verifier
	Payments   *payment.Service
	Bookings   *booking.Service
	// Notices is optional. Its state is reported but never fails readiness.
	Notices NoticeChannel
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health, metrics, webhook and API routes.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		basePath: normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("GET /readyz", server.handleReady)
	mux.Handle("/metrics", promhttp.Handler())

	if handlers.MpesaWebhook != nil {
		mux.Handle("/webhook/mpesa", handlers.MpesaWebhook)
	}

	mux.Handle("POST /functions/mpesa-stk-push", server.authed(server.handleSTKPush))

	mux.Handle("PUT /api/therapists/me", server.authed(server.handleRegisterTherapist))
	mux.Handle("GET /api/therapists/{id}", server.authed(server.handleGetTherapist))

	mux.Handle("POST /api/appointments", server.authed(server.handleCreateAppointment))
	mux.Handle("GET /api/appointments/{id}", server.authed(server.handleGetAppointment))
	mux.Handle("POST /api/appointments/{id}/{action}", server.authed(server.handleAppointmentAction))

	mux.Handle("POST /api/payments", server.authed(server.handleCreatePayment))
	mux.Handle("GET /api/payments", server.authed(server.handleListPayments))
	mux.Handle("GET /api/payments/{id}", server.authed(server.handleGetPayment))

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Handler returns the root handler, base path included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

// authed wraps h with bearer token verification.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Auth == nil {
			writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
			return
		}
		s.deps.Auth.Middleware(h).ServeHTTP(w, r)
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	if s.deps.Repository != nil {
		checks["database"] = "ok"
		if err := s.deps.Repository.Ping(ctx); err != nil {
			s.logger.Warn("readiness: database ping failed", "error", err)
			checks["database"], ready = "down", false
		}
	}
	if s.deps.Redis != nil {
		checks["redis"] = "ok"
		if err := s.deps.Redis.Ping(ctx); err != nil {
			s.logger.Warn("readiness: redis ping failed", "error", err)
			checks["redis"], ready = "down", false
		}
	}

	if s.deps.Notices != nil {
		state, _ := s.deps.Notices.Ready()
		checks["notices"] = state
	}

	status := http.StatusOK
	checks["status"] = "ok"
	if !ready {
		status, checks["status"] = http.StatusServiceUnavailable, "degraded"
	}
	writeJSONStatus(w, status, checks)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
