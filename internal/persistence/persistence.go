// Package persistence loads and saves whole-store snapshots of observations.
//
// Every backend stores the full snapshot and overwrites it wholesale on Save.
// Backends: a JSON file (default), SQLite, MySQL and memcached.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/models"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown persistence backend")

// Backend names accepted by Open.
const (
	BackendFile      = "file"
	BackendSQLite    = "sqlite"
	BackendMySQL     = "mysql"
	BackendMemcached = "memcached"
)

// Persister loads and saves the full observation snapshot.
type Persister interface {
	// Load returns the last saved snapshot. A backend with nothing saved
	// returns an empty slice and no error.
	Load(ctx context.Context) ([]models.Observation, error)
	// Save replaces the stored snapshot with obs.
	Save(ctx context.Context, obs []models.Observation) error
	// Ping reports whether the backend is reachable. Used by health checks.
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string

	FilePath string

	SQLitePath string
	MySQLDSN   string

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	MemcachedKey          string
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Persister, error) {
	switch cfg.Backend {
	case BackendFile, "":
		return NewFileStore(cfg.FilePath, logger), nil
	case BackendSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case BackendMySQL:
		return OpenMySQL(ctx, cfg.MySQLDSN)
	case BackendMemcached:
		return NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedKey, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
