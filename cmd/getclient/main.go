// Command getclient reads observations from an aggregation server and prints
// them.
//
// Usage:
//
//	getclient [-flags] <server_url> [station_id]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/client"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
)

func main() {
	retries := flag.Uint("retries", client.DefaultRetryAttempts, "attempts per request, including the first")
	retryDelay := flag.Duration("retry-delay", client.DefaultRetryDelay, "fixed delay between attempts")
	timeout := flag.Duration("timeout", client.DefaultTimeout, "per-request HTTP timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-flags] <server_url> [station_id]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 || flag.NArg() > 2 {
		flag.Usage()
		os.Exit(2)
	}
	stationID := flag.Arg(1)

	logger, err := observability.NewLogger("getclient")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = observability.SyncLogger(logger) }()

	c, err := client.New(client.Config{
		ServerURL:     flag.Arg(0),
		Timeout:       *timeout,
		RetryAttempts: *retries,
		RetryDelay:    *retryDelay,
	}, logger)
	if err != nil {
		logger.Fatal("client", zap.Error(err))
	}

	ctx := observability.WithCorrelationID(context.Background(), uuid.New().String())
	obs, err := c.Get(ctx, stationID)
	if err != nil {
		logger.Fatal("get failed",
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err))
	}
	if len(obs) == 0 {
		fmt.Println("No weather data available.")
		return
	}
	for _, o := range obs {
		if err := client.FormatObservation(os.Stdout, o); err != nil {
			logger.Fatal("write output", zap.Error(err))
		}
	}
	logger.Debug("read complete", zap.Int("stations", len(obs)), zap.Int64("logical_time", c.LogicalTime()))
}
