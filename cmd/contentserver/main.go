// Command contentserver pushes one station's observation file to an
// aggregation server.
//
// Usage:
//
//	contentserver [-flags] <server_url> <station_file>
//
// The file holds "key: value" lines using the observation field names. With
// -watch the file is re-pushed whenever it changes; with -interval it is
// re-pushed periodically so the server does not evict the station as stale.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/client"
	"github.com/kjstillabower/weather-aggregation-service/internal/feed"
	"github.com/kjstillabower/weather-aggregation-service/internal/models"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
)

func main() {
	watch := flag.Bool("watch", false, "re-push the station file whenever it changes")
	interval := flag.Duration("interval", 0, "re-push the last reading at this interval (0 disables)")
	retries := flag.Uint("retries", client.DefaultRetryAttempts, "attempts per push, including the first")
	retryDelay := flag.Duration("retry-delay", client.DefaultRetryDelay, "fixed delay between attempts")
	timeout := flag.Duration("timeout", client.DefaultTimeout, "per-request HTTP timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-flags] <server_url> <station_file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	serverURL, path := flag.Arg(0), flag.Arg(1)

	logger, err := observability.NewLogger("contentserver")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = observability.SyncLogger(logger) }()

	obs, err := feed.ParseFile(path)
	if err != nil {
		logger.Fatal("read station file", zap.Error(err))
	}

	c, err := client.New(client.Config{
		ServerURL:     serverURL,
		Timeout:       *timeout,
		RetryAttempts: *retries,
		RetryDelay:    *retryDelay,
	}, logger)
	if err != nil {
		logger.Fatal("client", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := push(ctx, c, obs, logger); err != nil && !*watch && *interval <= 0 {
		_ = observability.SyncLogger(logger)
		os.Exit(1)
	}
	if !*watch && *interval <= 0 {
		return
	}

	updates := make(chan models.Observation, 1)
	if *watch {
		go func() {
			err := feed.Watch(ctx, path, logger, func(o models.Observation) {
				select {
				case updates <- o:
				case <-ctx.Done():
				}
			})
			if err != nil {
				logger.Error("watch stopped", zap.Error(err))
			}
		}()
	}

	var tick <-chan time.Time
	if *interval > 0 {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("content server stopped", zap.Int64("logical_time", c.LogicalTime()))
			return
		case obs = <-updates:
			_ = push(ctx, c, obs, logger)
		case <-tick:
			_ = push(ctx, c, obs, logger)
		}
	}
}

// push sends obs once (with the client's retries) and logs the outcome.
func push(ctx context.Context, c *client.AggregationClient, obs models.Observation, logger *zap.Logger) error {
	ctx = observability.WithCorrelationID(ctx, uuid.New().String())
	status, err := c.Put(ctx, obs)
	if err != nil {
		logger.Error("push failed",
			zap.String("station", obs.ID),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err))
		return err
	}
	logger.Info("push accepted",
		zap.String("station", obs.ID),
		zap.Int("status", status),
		zap.Int64("logical_time", c.LogicalTime()))
	return nil
}
