//go:build nats

// cmd/worker/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	simpleconfig "github.com/tendant/simple-content/pkg/simplecontent/config"

	"github.com/thesara-space/appbuild/internal/artifact"
	"github.com/thesara-space/appbuild/internal/buildstore"
	"github.com/thesara-space/appbuild/internal/bus"
	"github.com/thesara-space/appbuild/internal/catalog"
	"github.com/thesara-space/appbuild/internal/config"
	"github.com/thesara-space/appbuild/internal/events"
	"github.com/thesara-space/appbuild/internal/pipeline"
	"github.com/thesara-space/appbuild/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("worker starting",
		"nats_url", cfg.NATSURL,
		"job_subject", cfg.JobSubject,
		"queue", cfg.WorkerQueue,
		"event_subject", cfg.EventSubject,
		"builds_dir", cfg.DataDir,
		"concurrency", cfg.Concurrency,
	)

	for _, dir := range []string{cfg.DataDir, cfg.PreviewDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal(logger, "ensure directory", err, "dir", dir)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildstore.Open(ctx, filepath.Join(cfg.DataDir, "builds.db"))
	if err != nil {
		fatal(logger, "open build store", err)
	}
	defer store.Close()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		fatal(logger, "load dependency catalog", err, "path", cfg.CatalogPath)
	}

	var upload func(ctx context.Context, contentID, tarPath string) error
	if cfg.UploadEnabled {
		contentCfg, err := loadSimpleContentConfig()
		if err != nil {
			fatal(logger, "load simplecontent config", err)
		}
		contentSvc, err := contentCfg.BuildService()
		if err != nil {
			fatal(logger, "build simplecontent service", err)
		}
		logger.Info("simplecontent service ready", "backend", contentCfg.DefaultStorageBackend)
		uploader := artifact.NewUploader(contentSvc, contentCfg.DefaultStorageBackend)
		upload = func(ctx context.Context, contentID, tarPath string) error {
			_, err := uploader.UploadBundle(ctx, contentID, tarPath)
			return err
		}
	}

	notifier := events.NewNotifier()
	defer notifier.Close()
	runner := pipeline.NewRunner(cfg, store, notifier, logger)
	w := worker.New(cfg, runner, cat, &catalog.Installer{}, upload, logger)

	cctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	nc, err := bus.ConnectWithRetry(cctx, cfg.NATSURL)
	cancel()
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	defer nc.Close()
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)

	sub, err := w.Start(ctx, nc)
	if err != nil {
		fatal(logger, "subscribe worker", err, "job_subject", cfg.JobSubject, "queue", cfg.WorkerQueue)
	}
	logger.Info("listening for jobs", "subject", cfg.JobSubject, "queue", cfg.WorkerQueue)

	go relayEvents(ctx, notifier, nc, cfg.EventSubject, logger)
	// The queue never redelivers, so stranded builds come back through
	// the sweep.
	go w.RunSweep(ctx, store, nc)

	<-ctx.Done()
	logger.Info("shutting down")
	_ = sub.Drain()
}

// relayEvents forwards final build events to the broker so the API
// process (and anything else subscribed) sees worker outcomes.
func relayEvents(ctx context.Context, notifier *events.Notifier, nc *bus.Client, subject string, logger *slog.Logger) {
	ch, unsub := notifier.SubscribeAll(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.Final == nil {
				continue
			}
			if err := nc.PublishJSON(subject, ev.Final); err != nil {
				logger.Warn("relay final event", "id", ev.Final.BuildID, "err", err)
			}
		}
	}
}

func loadSimpleContentConfig() (*simpleconfig.ServerConfig, error) {
	opts := []simpleconfig.Option{
		simpleconfig.WithDatabase(getenv("DATABASE_TYPE", "postgres"), getenv("DATABASE_URL", "")),
		simpleconfig.WithDatabaseSchema(getenv("DATABASE_SCHEMA", "content")),
		simpleconfig.WithDefaultStorage(getenv("DEFAULT_STORAGE_BACKEND", "s3")),
	}

	switch getenv("DEFAULT_STORAGE_BACKEND", "s3") {
	case "s3":
		opts = append(opts, simpleconfig.WithS3StorageFull(
			"s3",
			getenv("AWS_S3_BUCKET", "thesara-artifacts"),
			getenv("AWS_S3_REGION", "us-east-1"),
			getenv("AWS_ACCESS_KEY_ID", ""),
			getenv("AWS_SECRET_ACCESS_KEY", ""),
			getenv("AWS_S3_ENDPOINT", ""),
			getenvBool("AWS_S3_USE_SSL", false),
			getenvBool("AWS_S3_USE_PATH_STYLE", true),
		))
	case "memory":
		opts = append(opts, simpleconfig.WithMemoryStorage("memory"))
	}

	opts = append(opts,
		simpleconfig.WithEventLogging(false),
		simpleconfig.WithStorageDelegatedURLs(),
	)

	return simpleconfig.Load(opts...)
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvBool(key string, defaultValue bool) bool {
	val := getenv(key, "")
	if val == "" {
		return defaultValue
	}
	return val == "true"
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
