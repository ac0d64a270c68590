package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/ledgerflow/ap-approvals/internal/client"
	"github.com/ledgerflow/ap-approvals/internal/config"
	"github.com/ledgerflow/ap-approvals/internal/database"
	"github.com/ledgerflow/ap-approvals/internal/handler"
	"github.com/ledgerflow/ap-approvals/internal/logger"
	"github.com/ledgerflow/ap-approvals/internal/middleware"
	"github.com/ledgerflow/ap-approvals/internal/repository"
	"github.com/ledgerflow/ap-approvals/internal/service"
	"github.com/ledgerflow/ap-approvals/internal/substitute"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logger.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting AP Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// NATS is optional: without a broker the service still serves requests,
	// it just stops emitting events and posting commands.
	var js nats.JetStreamContext
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service.Name))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		js, err = nc.JetStream()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open JetStream context")
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}

	invoiceRepo := repository.NewInvoiceRepository(db)
	planRepo := repository.NewPlanRepository(db)
	ruleRepo := repository.NewRuleRepository(db)
	policyRepo := repository.NewPolicyRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	setupRepo := repository.NewUserSetupRepository(db)

	resolver := substitute.NewResolver(setupRepo)
	notifier := client.NewNotificationPublisher(js, log.Logger)
	erpPoster := client.NewERPPoster(js, log.Logger)

	invoiceService := service.NewInvoiceService(invoiceRepo, setupRepo, log.Logger)
	ruleService := service.NewRuleService(invoiceRepo, ruleRepo, log.Logger)
	planService := service.NewPlanService(
		planRepo, invoiceRepo, ruleRepo, policyRepo, auditRepo,
		resolver, notifier, erpPoster, log.Logger,
	)

	h := handler.New(invoiceService, ruleService, planService, log.Logger)

	var root http.Handler = h.Routes()
	root = middleware.Timeout(cfg.Server.WriteTimeout)(root)
	root = middleware.CORS(cfg.Server.AllowedOrigins)(root)
	root = middleware.Logger(&log.Logger)(root)
	root = middleware.Recovery(&log.Logger)(root)
	root = middleware.RequestID(root)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
	log.Info().Msg("Server stopped")
}
