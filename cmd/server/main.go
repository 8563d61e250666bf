package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agent-toollease/internal/api"
	"agent-toollease/internal/config"
	"agent-toollease/internal/engine"
	"agent-toollease/internal/ledger"
	"agent-toollease/internal/monitor"
	"agent-toollease/internal/session"
	"agent-toollease/internal/settle"
	"agent-toollease/internal/store"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration. The tool whitelist lives here, so a config file is
	// mandatory.
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	reg, err := cfg.BuildRegistry()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid tool whitelist")
	}

	policy := settle.Policy{
		ProviderPct: cfg.Billing.ProviderPct,
		PlatformPct: cfg.Billing.PlatformPct,
		ReservePct:  cfg.Billing.ReservePct,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Store: PostgreSQL when a DSN is configured, in-process otherwise.
	var st store.Store
	var auditWriter *store.AuditWriter
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("database unavailable")
		}
		st = pg
		auditWriter = store.NewAuditWriter(pg, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	} else {
		log.Warn().Msg("no database configured — sessions and billing records are in-memory only")
		st = store.NewMemory()
	}
	defer st.Close()

	// Execution backend
	backend, err := engine.NewBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("no execution backend available")
	}

	calc, err := settle.NewCalculator(policy, st.Settlements())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid settlement policy")
	}

	workspaces, err := engine.NewWorkspaceManager(cfg.Provider.WorkspaceRoot)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid workspace root")
	}

	mgr := session.NewManager(session.Deps{
		Registry:   reg,
		Backend:    backend,
		Store:      st,
		Ledger:     ledger.New(st.Sessions()),
		Calculator: calc,
		Workspaces: workspaces,
		Metrics:    metrics,
		Tracer:     monitor.NewTracer(),
		Detector:   monitor.NewAbuseDetector(),
		Audit:      auditWriter,
	})

	// Create and start HTTP server
	server := api.NewServer(cfg, mgr, st, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("provider_id", cfg.Provider.ID).
		Int("tools", len(cfg.Tools)).
		Bool("db_enabled", cfg.Database.DSN != "").
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
