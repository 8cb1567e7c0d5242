package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/appointment-sync/cmd/mainconfig"
	"github.com/wolfman30/appointment-sync/internal/api/router"
	"github.com/wolfman30/appointment-sync/internal/app/bootstrap"
	appconfig "github.com/wolfman30/appointment-sync/internal/config"
	"github.com/wolfman30/appointment-sync/internal/http/handlers"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat, nil)
	logger.Info("starting appointment sync worker",
		"env", cfg.Env,
		"port", cfg.Port,
		"scheduler_enabled", cfg.SchedulerEnabled,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("sync worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("sync worker stopped")
}

func run(cfg *appconfig.Config, logger *logging.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	var awsCfg *aws.Config
	if mainconfig.AWSNeeded(cfg) {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		awsCfg = &loaded
	}

	comps, err := bootstrap.BuildComponents(cfg, bootstrap.Deps{
		DB:         pool,
		Redis:      redisClient,
		AWS:        awsCfg,
		Registerer: prometheus.DefaultRegisterer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	routerCfg := &router.Config{
		Logger:            logger,
		AdminSync:         handlers.NewAdminSyncHandler(comps.Sync, comps.Scheduler, comps.Appointments, logger).WithArchive(comps.Archive),
		UserAppointments:  handlers.NewUserAppointmentsHandler(comps.Appointments, comps.Cancel, comps.Directory, cfg.DefaultListLimit, logger),
		AdminAuthSecret:   cfg.AdminJWTSecret,
		ServiceAuthSecret: cfg.ServiceJWTSecret,
		ServiceRateLimit:  cfg.ServiceRateLimit,
		ServiceRateBurst:  cfg.ServiceRateBurst,
	}
	if cfg.MetricsEnabled {
		routerCfg.MetricsHandler = promhttp.Handler()
	}
	if cfg.AdminJWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET not set, admin API disabled")
	}
	if cfg.ServiceJWTSecret == "" {
		logger.Warn("SERVICE_JWT_SECRET not set, service API disabled")
	}

	if cfg.SchedulerEnabled {
		comps.Scheduler.Start(ctx)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router.New(routerCfg),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	comps.Scheduler.Stop()
	return runErr
}

func shutdownTimeout(cfg *appconfig.Config) time.Duration {
	if cfg.ShutdownTimeout > 0 {
		return cfg.ShutdownTimeout
	}
	return 30 * time.Second
}
