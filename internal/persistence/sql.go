package persistence

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/segmentio/encoding/json"

	"github.com/kjstillabower/weather-aggregation-service/internal/models"
)

//go:embed sql/create-observations.sql
var createObservationsSQL string

//go:embed sql/select-observations.sql
var selectObservationsSQL string

//go:embed sql/delete-observations.sql
var deleteObservationsSQL string

//go:embed sql/insert-observation.sql
var insertObservationSQL string

// DefaultSQLitePath is used when no SQLite path is configured.
const DefaultSQLitePath = "data/weather_data.db"

// SQLStore keeps one row per station, each row holding the observation as JSON.
// The schema and statements are shared by SQLite and MySQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// A single writer avoids "database is locked" between flushes.
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, "sqlite3")
}

// OpenMySQL connects to MySQL using dsn.
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("mysql: dsn is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql open: %w", err)
	}
	return newSQLStore(ctx, db, "mysql")
}

func newSQLStore(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s ping: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, createObservationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s create schema: %w", driver, err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	params := []string{"_busy_timeout=5000", "_journal_mode=WAL"}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

// Load reads every stored observation ordered by id.
func (s *SQLStore) Load(ctx context.Context) ([]models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, selectObservationsSQL)
	if err != nil {
		return nil, fmt.Errorf("%s select: %w", s.driver, err)
	}
	defer rows.Close()

	out := []models.Observation{}
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("%s scan: %w", s.driver, err)
		}
		var obs models.Observation
		if err := json.Unmarshal([]byte(payload), &obs); err != nil {
			return nil, fmt.Errorf("%s decode row %q: %w", s.driver, id, err)
		}
		obs.ID = id
		out = append(out, obs)
	}
	return out, rows.Err()
}

// Save replaces all rows with obs in one transaction.
func (s *SQLStore) Save(ctx context.Context, obs []models.Observation) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s begin: %w", s.driver, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, deleteObservationsSQL); err != nil {
		return fmt.Errorf("%s delete: %w", s.driver, err)
	}
	stmt, err := tx.PrepareContext(ctx, insertObservationSQL)
	if err != nil {
		return fmt.Errorf("%s prepare insert: %w", s.driver, err)
	}
	defer stmt.Close()

	for _, o := range obs {
		payload, merr := json.Marshal(o)
		if merr != nil {
			return fmt.Errorf("encode %q: %w", o.ID, merr)
		}
		if _, err = stmt.ExecContext(ctx, o.ID, string(payload)); err != nil {
			return fmt.Errorf("%s insert %q: %w", s.driver, o.ID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%s commit: %w", s.driver, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
