//go:build nats

// cmd/backfill re-publishes stuck builds to the durable queue. Use it
// after a worker outage: every non-terminal record is turned back into
// a job message for the worker queue group.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/thesara-space/appbuild/internal/buildstore"
	"github.com/thesara-space/appbuild/internal/bus"
	"github.com/thesara-space/appbuild/internal/config"
	"github.com/thesara-space/appbuild/pkg/schema"
)

func main() {
	limit := flag.Int("limit", 0, "Maximum builds to requeue (0 = no limit)")
	dryRun := flag.Bool("dry-run", false, "List the builds without publishing")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("backfill starting",
		"nats_url", cfg.NATSURL,
		"job_subject", cfg.JobSubject,
		"builds_dir", cfg.DataDir,
		"limit", *limit,
		"dry_run", *dryRun,
	)

	ctx := context.Background()
	store, err := buildstore.Open(ctx, filepath.Join(cfg.DataDir, "builds.db"))
	if err != nil {
		fatal(logger, "open build store", err)
	}
	defer store.Close()

	var nc *bus.Client
	if !*dryRun {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		nc, err = bus.ConnectWithRetry(cctx, cfg.NATSURL)
		cancel()
		if err != nil {
			fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
		}
		defer nc.Close()
	}

	requeued := 0
	cursor := ""
	for {
		recs, next, err := store.List(ctx, cursor, 100)
		if err != nil {
			fatal(logger, "list builds", err)
		}
		for _, rec := range recs {
			if schema.IsTerminal(rec.State) {
				continue
			}
			if *limit > 0 && requeued >= *limit {
				logger.Info("limit reached", "requeued", requeued)
				return
			}
			logger.Info("requeue", "id", rec.ID, "state", rec.State, "progress", rec.Progress)
			if !*dryRun {
				job := schema.BuildJob{
					BuildID:    rec.ID,
					ListingID:  rec.ListingID,
					ContentID:  rec.ContentID,
					HappenedAt: time.Now().UnixMilli(),
				}
				if err := nc.PublishJSON(cfg.JobSubject, job); err != nil {
					fatal(logger, "publish job", err, "id", rec.ID)
				}
			}
			requeued++
		}
		if next == "" {
			break
		}
		cursor = next
	}
	logger.Info("backfill done", "requeued", requeued, "dry_run", *dryRun)
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
