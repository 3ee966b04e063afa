package feed

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/models"
)

// Watch re-parses path whenever it is written or replaced and passes the
// result to onChange. A file that fails to parse is logged and skipped. The
// parent directory is watched so editors that save by rename are followed.
// Watch returns when ctx is cancelled.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(models.Observation)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Info("watching station file", zap.String("path", abs))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			obs, err := ParseFile(abs)
			if err != nil {
				logger.Warn("station file reload failed; keeping previous reading", zap.String("path", abs), zap.Error(err))
				continue
			}
			logger.Info("station file changed", zap.String("path", abs), zap.String("station_id", obs.ID))
			onChange(obs)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("station file watcher error", zap.Error(err))
		}
	}
}
