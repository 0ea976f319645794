// One-shot job: fetch daily app metrics, merge them into the CSV snapshot in
// object storage, keep a backup of the previous snapshot and publish.
//
// Usage:
//
//	FLURRY_SYNC_CONFIG=config/flurry-sync.yaml go run cmd/flurry-sync/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"flurrysync/internal/config"
	"flurrysync/internal/gather/flurry"
	"flurrysync/internal/store"
	"flurrysync/internal/util"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		if errors.Is(err, flurry.ErrPartial) {
			slog.Error("sync partially failed", "error", err)
		} else {
			slog.Error("sync failed", "error", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	blobs, closeBlobs, err := store.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBlobs()

	var runLog store.RunLog
	if cfg.RunLog.SQLitePath != "" {
		rl, err := store.NewSQLiteRunLog(cfg.RunLog.SQLitePath)
		if err != nil {
			return err
		}
		defer rl.Close()
		runLog = rl

		if last, err := rl.LastRuns(ctx, 1); err != nil {
			logger.Warn("reading run history", "error", err)
		} else if len(last) > 0 {
			logger.Info("previous run", "run_id", last[0].RunID, "status", last[0].Status,
				"window", last[0].Window, "published", last[0].RowsPublished)
		}
	}

	client := flurry.NewClient(cfg.FlurryURL, cfg.FlurryKey, cfg.Fetch.Metrics, cfg.Fetch.Timeout)
	job := flurry.NewJob(cfg, client, blobs, runLog, logger)

	logger.Info("starting sync", "backend", cfg.Storage.Backend, "blob", cfg.Filename)
	return job.Run(ctx)
}
