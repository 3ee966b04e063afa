package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/models"
)

// DefaultFilePath is used when no snapshot path is configured.
const DefaultFilePath = "data/weather_data.json"

// FileStore keeps the snapshot as a JSON array in a single file.
// Saves write a temp file in the same directory and rename it over the target.
type FileStore struct {
	path   string
	logger *zap.Logger
	now    func() time.Time
}

// NewFileStore returns a FileStore writing to path.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	if path == "" {
		path = DefaultFilePath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger, now: time.Now}
}

// Path returns the snapshot file location.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the snapshot. A missing file is created holding an empty array.
// An unparseable file is renamed aside with a .corrupt-<unix> suffix and the
// store starts empty.
func (f *FileStore) Load(ctx context.Context) ([]models.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.logger.Info("snapshot file not found, creating empty snapshot", zap.String("path", f.path))
		return []models.Observation{}, f.Save(ctx, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	obs, err := models.DecodeObservations(data)
	if err != nil {
		aside := f.path + ".corrupt-" + strconv.FormatInt(f.now().Unix(), 10)
		if rerr := os.Rename(f.path, aside); rerr != nil {
			return nil, fmt.Errorf("quarantine corrupt snapshot: %w", rerr)
		}
		f.logger.Warn("corrupt snapshot moved aside, starting empty",
			zap.String("path", f.path),
			zap.String("moved_to", aside),
			zap.Error(err))
		return []models.Observation{}, f.Save(ctx, nil)
	}
	return obs, nil
}

// Save atomically replaces the snapshot file.
func (f *FileStore) Save(ctx context.Context, obs []models.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := models.EncodeObservations(obs)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Ping checks that the snapshot directory exists and is a directory.
func (f *FileStore) Ping(ctx context.Context) error {
	info, err := os.Stat(filepath.Dir(f.path))
	if err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("snapshot dir %s is not a directory", filepath.Dir(f.path))
	}
	return nil
}

// Close is a no-op; the file is not held open between saves.
func (f *FileStore) Close() error {
	return nil
}
