// Package web implements the HTTP Gateway component (spec.md §4.1):
// route registration, the bearer-token guard, and JSON (de)serialization
// for every endpoint in spec.md §6.1, plus the Prometheus /metrics
// surface added by SPEC_FULL.md §4.1.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zerospice/broker/internal/audit"
	"github.com/zerospice/broker/internal/auth"
	"github.com/zerospice/broker/internal/config"
	"github.com/zerospice/broker/internal/enroll"
	"github.com/zerospice/broker/internal/hypervisor"
	"github.com/zerospice/broker/internal/notify"
	"github.com/zerospice/broker/internal/session"
)

// Server wires the Gateway's dependencies together and owns the
// *http.Server lifecycle, grounded on the teacher's NewServer /
// ListenAndServe / Shutdown shape.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger

	cfg         *config.Config
	auth        *auth.Service
	enroll      *enroll.Service
	sessions    *session.Manager
	hv          *hypervisor.Adapter
	notifier    *notify.Multi
	audit       *audit.Store
	rateLimiter *auth.RateLimiter
	proxyHost   string
}

// NewServer constructs the Gateway and registers all routes. audit may be
// nil, in which case audit events are silently skipped (used by tests that
// don't need the observability trail).
func NewServer(cfg *config.Config, log *slog.Logger, authSvc *auth.Service, enrollSvc *enroll.Service, sessionMgr *session.Manager, hv *hypervisor.Adapter, notifier *notify.Multi, auditStore *audit.Store, proxyHost string) *Server {
	s := &Server{
		log:         log,
		cfg:         cfg,
		auth:        authSvc,
		enroll:      enrollSvc,
		sessions:    sessionMgr,
		hv:          hv,
		notifier:    notifier,
		audit:       auditStore,
		rateLimiter: auth.NewRateLimiter(),
		proxyHost:   proxyHost,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.BindAddr + ":" + cfg.HTTPPort,
		Handler:      s.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the relay endpoints and long-poll-free JSON handlers need no cap beyond client timeouts
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /enroll", s.handleEnrollValidate)
	mux.HandleFunc("POST /enroll", s.handleEnrollSubmit)
	mux.HandleFunc("POST /admin/generate-token", s.handleAdminGenerateToken)
	if s.cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	guard := auth.RequireBearer(s.auth, s.log)
	mux.Handle("POST /refresh", guard(http.HandlerFunc(s.handleRefresh)))
	mux.Handle("GET /offer", guard(http.HandlerFunc(s.handleOffer)))
	mux.Handle("GET /spice/{node}/{vmid}", guard(http.HandlerFunc(s.handleSpice)))
	mux.Handle("GET /sessions", guard(http.HandlerFunc(s.handleSessions)))
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.log.Info("gateway listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops accepting new connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// recordAudit appends a non-authoritative observability event; failures are
// logged, never surfaced to the caller (spec.md §9: audit is best-effort).
func (s *Server) recordAudit(ev audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ev); err != nil {
		s.log.Warn("audit record failed", "kind", ev.Kind, "error", err)
	}
}
