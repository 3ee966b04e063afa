package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-aggregation-service/internal/config"
	httphandler "github.com/kjstillabower/weather-aggregation-service/internal/http"
	"github.com/kjstillabower/weather-aggregation-service/internal/lamport"
	"github.com/kjstillabower/weather-aggregation-service/internal/lifecycle"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
	"github.com/kjstillabower/weather-aggregation-service/internal/persistence"
	"github.com/kjstillabower/weather-aggregation-service/internal/service"
	"github.com/kjstillabower/weather-aggregation-service/internal/store"
	"github.com/kjstillabower/weather-aggregation-service/internal/sweeper"
	"github.com/kjstillabower/weather-aggregation-service/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger("aggregation")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = observability.SyncLogger(logger) }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx := context.Background()
	persister, err := persistence.Open(ctx, persistence.Config{
		Backend:               cfg.PersistenceBackend,
		FilePath:              cfg.DataFile,
		SQLitePath:            cfg.SQLitePath,
		MySQLDSN:              cfg.MySQLDSN,
		MemcachedAddrs:        cfg.MemcachedAddrs,
		MemcachedTimeout:      cfg.MemcachedTimeout,
		MemcachedMaxIdleConns: cfg.MemcachedMaxIdleConns,
		MemcachedKey:          cfg.MemcachedKey,
	}, logger)
	if err != nil {
		logger.Fatal("persistence", zap.String("backend", cfg.PersistenceBackend), zap.Error(err))
	}
	logger.Info("persistence backend", zap.String("backend", cfg.PersistenceBackend))

	svc := service.NewAggregationService(lamport.New(), store.New(), persister, logger, cfg.FlushTimeout)
	if _, err := svc.Restore(ctx); err != nil {
		// A missing or unreadable snapshot is not fatal; the server starts empty.
		logger.Warn("snapshot restore failed; starting empty", zap.Error(err))
	}
	observability.RegisterStateGauges(svc.Stations, svc.LogicalTime)

	sw, err := sweeper.New(svc, cfg.SweepInterval, cfg.StalenessThreshold, logger)
	if err != nil {
		logger.Fatal("sweeper", zap.Error(err))
	}
	if err := sw.Start(ctx); err != nil {
		logger.Fatal("sweeper start", zap.Error(err))
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		RateLimitBurst:         cfg.RateLimitBurst,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
	}

	tracker := traffic.New(0)
	state := lifecycle.New()
	inFlight := &httphandler.InFlightTracker{}
	handler := httphandler.NewHandler(svc, tracker, state, healthConfig, logger, limiter)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		InFlight:       inFlight,
		Traffic:        tracker,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		TestingMode:    cfg.TestingMode,
	})
	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	<-sigCtx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	state.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("draining in-flight requests", zap.Int64("count", inFlight.Count()))
	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.ShutdownInFlightTimeout)
	defer drainCancel()
	if err := inFlight.Drain(drainCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not drained before final flush", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
	}

	sw.Stop()
	if err := svc.Flush(ctx); err != nil {
		logger.Error("final flush", zap.Error(err))
	}
	if err := persister.Close(); err != nil {
		logger.Error("persistence close", zap.Error(err))
	}
	logger.Info("shutdown complete", zap.Int("stations", svc.Stations()), zap.Int64("logical_time", svc.LogicalTime()))
}
