package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dealscope/dealscope/pkg/api"
	"github.com/dealscope/dealscope/pkg/audit"
	"github.com/dealscope/dealscope/pkg/auth"
	"github.com/dealscope/dealscope/pkg/billing"
	"github.com/dealscope/dealscope/pkg/config"
	"github.com/dealscope/dealscope/pkg/observability"
	"github.com/dealscope/dealscope/pkg/orgs"
	"github.com/dealscope/dealscope/pkg/sso"
	"github.com/dealscope/dealscope/pkg/storage/postgres"
	storageredis "github.com/dealscope/dealscope/pkg/storage/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dealscope: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("starting dealscope API server")

	ctx := context.Background()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing OpenTelemetry: %w", err)
	}

	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.Options{
		MaxOpenConns: cfg.Database.MaxConns,
		MaxIdleConns: cfg.Database.MinConns,
	})
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()

	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("bootstrapping schema: %w", err)
	}

	redisClient, err := storageredis.NewClient(ctx, storageredis.Options{
		URL:      cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			stats := db.Stats()
			metrics.DBConnectionsActive.Set(float64(stats.InUse))
			metrics.DBConnectionsIdle.Set(float64(stats.Idle))
		}
	}()

	orgService := orgs.NewPostgresService(db)
	billingService := billing.NewService(orgService)
	auditLogger := audit.NewDBLogger(db, logger)
	tokens := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)

	connections := sso.NewConnectionStore(db, billingService)
	discovery := sso.NewDiscoveryClient(cfg.SSO.UpstreamTimeout, metrics)
	stateStore := sso.NewRedisStateStore(redisClient)
	provisioner := sso.NewJITProvisioner(db, tokens)

	ssoService := sso.NewService(
		orgService,
		connections,
		sso.NewOIDCEngine(discovery, stateStore,
			cfg.Server.BaseURL+"/sso/oidc/callback",
			cfg.SSO.StateTTL, cfg.SSO.UpstreamTimeout, metrics),
		provisioner,
		auditLogger,
		logger,
		metrics,
		cfg.Server.BaseURL,
	)
	ssoHandler := sso.NewHandler(ssoService, connections, provisioner, orgService, auditLogger, logger)

	server := api.NewServer(cfg, logger, api.Dependencies{
		SSOHandler: ssoHandler,
		Tokens:     tokens,
		Orgs:       orgService,
		Metrics:    metrics,
	})

	// Nightly audit retention prune.
	scheduler := cron.New()
	retention := time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
	if _, err := scheduler.AddFunc("@daily", func() {
		defer observability.RecoverPanic(logger, "audit_prune")
		pruneCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		deleted, err := auditLogger.Prune(pruneCtx, retention)
		if err != nil {
			logger.WithError(err).Error("audit log prune failed")
			return
		}
		logger.WithField("deleted", deleted).Info("audit log pruned")
	}); err != nil {
		return fmt.Errorf("scheduling audit prune: %w", err)
	}
	scheduler.Start()

	health := observability.NewHealthChecker(db, redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health/live", health.Liveness)
	healthMux.HandleFunc("/health/ready", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", metrics.Handler())
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	var group errgroup.Group
	group.Go(func() error {
		logger.Infof("API server listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.Infof("health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	shutdown := observability.NewShutdownManager(logger, apiServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		scheduler.Stop()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	group.Go(shutdown.WaitForShutdown)
	return group.Wait()
}
