//go:build integration
// +build integration

// Package testhelpers builds real aggregation stacks for integration tests.
package testhelpers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kjstillabower/weather-aggregation-service/internal/lamport"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
	"github.com/kjstillabower/weather-aggregation-service/internal/persistence"
	"github.com/kjstillabower/weather-aggregation-service/internal/service"
	"github.com/kjstillabower/weather-aggregation-service/internal/store"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	Backend        string // "file" (default), "sqlite", "mysql" or "memcached"
	MemcachedAddrs string
	MySQLDSN       string
}

// GetIntegrationConfig reads the backend under test from the environment.
// Skips the test when the chosen backend needs settings that are missing.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	cfg := IntegrationTestConfig{
		Backend:        os.Getenv("INTEGRATION_PERSISTENCE_BACKEND"),
		MemcachedAddrs: os.Getenv("MEMCACHED_ADDRS"),
		MySQLDSN:       os.Getenv("MYSQL_DSN"),
	}
	if cfg.Backend == "" {
		cfg.Backend = persistence.BackendFile
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	if cfg.Backend == persistence.BackendMySQL && cfg.MySQLDSN == "" {
		t.Skip("MYSQL_DSN not set, skipping mysql integration test")
	}
	return cfg
}

// SetupIntegrationService builds an AggregationService over a real backend.
// The file and sqlite backends live in t.TempDir(). Skips the test when the
// backend is unreachable. The persister is closed on test cleanup.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.AggregationService, persistence.Persister) {
	t.Helper()
	logger, err := observability.NewLogger("integration")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := persistence.Open(ctx, persistence.Config{
		Backend:               cfg.Backend,
		FilePath:              filepath.Join(dir, "weather_data.json"),
		SQLitePath:            filepath.Join(dir, "weather_data.db"),
		MySQLDSN:              cfg.MySQLDSN,
		MemcachedAddrs:        cfg.MemcachedAddrs,
		MemcachedTimeout:      500 * time.Millisecond,
		MemcachedMaxIdleConns: 2,
		MemcachedKey:          "weather:snapshot:" + t.Name(),
	}, logger)
	if err != nil {
		t.Skipf("persistence backend %s unavailable: %v", cfg.Backend, err)
	}
	if err := p.Ping(ctx); err != nil {
		_ = p.Close()
		t.Skipf("persistence backend %s unreachable: %v", cfg.Backend, err)
	}
	t.Cleanup(func() { _ = p.Close() })

	svc := service.NewAggregationService(lamport.New(), store.New(), p, logger, time.Second)
	if _, err := svc.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	// Start every test from an empty shared backend.
	if err := svc.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	return svc, p
}

