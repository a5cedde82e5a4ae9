package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/procureline/be-approvals/internal/client"
	"github.com/procureline/be-approvals/internal/config"
	"github.com/procureline/be-approvals/internal/database"
	"github.com/procureline/be-approvals/internal/handler"
	"github.com/procureline/be-approvals/internal/repository"
	"github.com/procureline/be-approvals/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, database.Config{
		DSN:      cfg.Database.DSN(),
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Repositories
	rulesRepo := repository.NewRulesRepository(db)
	overridesRepo := repository.NewOverridesRepository(db)
	rolesRepo := repository.NewRolesRepository(db)
	workflowRepo := repository.NewWorkflowRepository(db)
	actionsRepo := repository.NewActionsRepository(db)
	matrixRepo := repository.NewMatrixRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Optional NATS notification publisher
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).
				Msg("NATS unavailable, workflow events will not be published")
		} else {
			defer natsConn.Drain()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	publisher := client.NewNotificationPublisher(natsConn, log)

	// Optional identity directory client
	var directory service.DirectoryClient
	if identityURL := os.Getenv("IDENTITY_SERVICE_URL"); identityURL != "" {
		directory = client.NewDirectoryClient(identityURL)
		log.Info().Str("url", identityURL).Msg("Identity directory client initialized")
	}

	// Services
	audit := service.NewAuditRecorder(auditRepo, log)
	go audit.Run(ctx)

	resolver := service.NewRuleResolver(rulesRepo, audit, log)
	workflowService := service.NewWorkflowService(
		resolver, workflowRepo, actionsRepo, overridesRepo, rolesRepo,
		audit, directory, publisher, log,
	)
	catalogService := service.NewCatalogService(
		rulesRepo, overridesRepo, rolesRepo, matrixRepo, audit, log,
	)

	// Escalation monitor
	monitor := service.NewEscalationMonitor(
		actionsRepo, workflowRepo, audit, publisher, log,
		cfg.EscalationSweepInterval,
	)
	go monitor.Run(ctx)

	// HTTP routes
	httpHandler := handler.NewHTTPHandler(workflowService, catalogService, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	httpHandler.Routes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	audit.Wait()

	log.Info().Msg("Server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	log := zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Logger()

	if cfg.Service.Environment == "development" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return log
}
