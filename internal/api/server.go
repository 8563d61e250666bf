package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"agent-toollease/internal/config"
	"agent-toollease/internal/monitor"
	"agent-toollease/internal/session"
	"agent-toollease/internal/store"
)

// Server is the provider-facing HTTP server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, mgr *session.Manager, st store.Store, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(mgr)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured — allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false — all requests will be rejected")
		}
	}

	// Session API — wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /sessions", handlers.HandleCreateSession)
	apiMux.HandleFunc("PATCH /sessions/{id}", handlers.HandleSessionAction)
	apiMux.HandleFunc("POST /sessions/{id}/execute", handlers.HandleExecute)
	apiMux.HandleFunc("GET /sessions/{id}", handlers.HandleGetSession)
	apiMux.HandleFunc("GET /sessions/{id}/executions/{execID}", handlers.HandleGetExecution)
	apiMux.HandleFunc("GET /sessions/{id}/executions/{execID}/events", handlers.HandleExecutionEvents)
	apiMux.HandleFunc("GET /tools", handlers.HandleListTools)
	apiMux.HandleFunc("POST /payments", handlers.HandlePayment)

	authedAPI := AuthMiddleware(cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(mgr, st))
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler exposes the full middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled — running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(mgr *session.Manager, st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := st.Healthy(r.Context())
		active, total := mgr.Stats(r.Context())

		resp := HealthResponse{
			Status:           "ok",
			Database:         dbOK,
			Uptime:           time.Since(s.startTime).Round(time.Second).String(),
			ActiveExecutions: active,
			TotalExecutions:  total,
		}

		if !dbOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
