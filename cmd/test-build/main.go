// cmd/test-build provides a standalone CLI for running one submission
// through the build pipeline without the API server or the queue.
//
// Usage:
//   ./test-build -dir ./submission -id demo-1
//   ./test-build -dir ./submission -id demo-1 -external  # no CDN fetches
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/thesara-space/appbuild/internal/buildstore"
	"github.com/thesara-space/appbuild/internal/config"
	"github.com/thesara-space/appbuild/internal/events"
	"github.com/thesara-space/appbuild/internal/pipeline"
	"github.com/thesara-space/appbuild/pkg/schema"
)

func main() {
	dir := flag.String("dir", "", "Submission directory containing app.js (required)")
	id := flag.String("id", "test-build", "Build id")
	external := flag.Bool("external", false, "Leave pinned CDN imports external instead of fetching")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	if *dir == "" {
		fmt.Println("Error: -dir flag is required")
		flag.Usage()
		os.Exit(1)
	}

	_ = godotenv.Load()
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load()
	if err != nil {
		fail("load config", err)
	}
	if *external {
		cfg.ExternalESM = true
	}

	buildDir := pipeline.BuildDir(cfg, *id)
	if err := copyTree(*dir, buildDir); err != nil {
		fail("stage submission", err)
	}

	ctx := context.Background()
	store, err := buildstore.Open(ctx, filepath.Join(cfg.DataDir, "builds.db"))
	if err != nil {
		fail("open build store", err)
	}
	defer store.Close()

	notifier := events.NewNotifier()
	defer notifier.Close()
	runner := pipeline.NewRunner(cfg, store, notifier, logger)

	status := runner.Run(ctx, schema.BuildJob{BuildID: *id}, pipeline.Options{})

	rec, err := store.Read(ctx, *id)
	if err != nil {
		fail("read build record", err)
	}
	out, _ := json.MarshalIndent(rec, "", "  ")
	fmt.Println(string(out))
	fmt.Printf("status: %s\npreview: %s\n", status, pipeline.PreviewDir(cfg, *id))

	if status != schema.FinalSuccess {
		os.Exit(1)
	}
}

func copyTree(src, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

func fail(msg string, err error) {
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	os.Exit(1)
}
