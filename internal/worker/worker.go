// Package worker is the durable build path: jobs arrive over a NATS
// queue group, run through the same stage pipeline as the in-process
// scheduler, and unresolved bare imports get one catalog-backed install
// and retry. A periodic sweep requeues builds stranded by a crashed
// worker, giving the path at-least-once delivery overall.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/thesara-space/appbuild/internal/bus"
	"github.com/thesara-space/appbuild/internal/buildstore"
	"github.com/thesara-space/appbuild/internal/catalog"
	"github.com/thesara-space/appbuild/internal/config"
	"github.com/thesara-space/appbuild/internal/pipeline"
	"github.com/thesara-space/appbuild/pkg/schema"
)

// Runner executes one build. Satisfied by pipeline.Runner.
type Runner interface {
	Run(ctx context.Context, job schema.BuildJob, opts pipeline.Options) schema.FinalStatus
}

// Installer installs resolved packages into a build directory.
// Satisfied by catalog.Installer.
type Installer interface {
	Install(ctx context.Context, buildDir string, packages map[string]string) error
}

// Worker consumes build jobs and runs them with node_modules
// resolution.
type Worker struct {
	cfg       config.Config
	runner    Runner
	catalog   *catalog.Catalog
	installer Installer
	upload    func(ctx context.Context, contentID, tarPath string) error
	log       *slog.Logger
	sem       chan struct{}
}

func New(cfg config.Config, runner Runner, cat *catalog.Catalog, installer Installer, upload func(ctx context.Context, contentID, tarPath string) error, log *slog.Logger) *Worker {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		cfg:       cfg,
		runner:    runner,
		catalog:   cat,
		installer: installer,
		upload:    upload,
		log:       log,
		sem:       make(chan struct{}, concurrency),
	}
}

// Start subscribes to the job subject as part of the worker queue
// group, so each job is delivered to exactly one worker process.
func (w *Worker) Start(ctx context.Context, nc *bus.Client) (*nats.Subscription, error) {
	return nc.QueueSubscribeJSON(w.cfg.JobSubject, w.cfg.WorkerQueue, func(_ context.Context, data []byte) {
		var job schema.BuildJob
		if err := json.Unmarshal(data, &job); err != nil {
			w.log.Error("discarding malformed job", "error", err)
			return
		}
		if job.BuildID == "" {
			w.log.Error("discarding job without build id")
			return
		}
		w.sem <- struct{}{}
		defer func() { <-w.sem }()
		w.Handle(ctx, job)
	})
}

// Handle runs one job to completion. Outcome is persisted by the
// pipeline; the queue delivers at most once, so a job lost to a crash
// is recovered by the sweep, not by redelivery.
func (w *Worker) Handle(ctx context.Context, job schema.BuildJob) schema.FinalStatus {
	w.log.Info("job received", "id", job.BuildID, "listing_id", job.ListingID)
	status := w.runner.Run(ctx, job, pipeline.Options{
		NodeModules: true,
		Resolve:     w.resolve(job),
		Upload:      w.upload,
	})
	w.log.Info("job finished", "id", job.BuildID, "status", status)
	return status
}

// Publisher republishes jobs. Satisfied by bus.Client.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Sweep republishes unfinished builds whose records have not moved for
// staleAfter. The queue group delivers each job at most once, so a
// worker crash mid-build strands its record; sweeping re-enqueues those
// for whichever worker picks them up next. A live build touches its
// record at every stage boundary, so staleAfter only has to exceed the
// longest single stage.
func (w *Worker) Sweep(ctx context.Context, store *buildstore.Store, pub Publisher, staleAfter time.Duration) (int, error) {
	ids, err := store.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-staleAfter).UnixMilli()
	requeued := 0
	for _, id := range ids {
		rec, err := store.Read(ctx, id)
		if err != nil {
			w.log.Warn("sweep read failed", "id", id, "error", err)
			continue
		}
		if rec.UpdatedAt > cutoff {
			continue
		}
		job := schema.BuildJob{
			BuildID:    rec.ID,
			ListingID:  rec.ListingID,
			ContentID:  rec.ContentID,
			HappenedAt: time.Now().UnixMilli(),
		}
		if err := pub.PublishJSON(w.cfg.JobSubject, job); err != nil {
			return requeued, err
		}
		requeued++
		w.log.Info("requeued stranded build", "id", rec.ID, "state", rec.State)
	}
	return requeued, nil
}

// RunSweep sweeps on the configured interval until ctx is cancelled.
func (w *Worker) RunSweep(ctx context.Context, store *buildstore.Store, pub Publisher) {
	staleAfter := w.cfg.InstallTimeout + w.cfg.BundleTimeout + w.cfg.SweepInterval
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.Sweep(ctx, store, pub, staleAfter); err != nil {
				w.log.Warn("sweep failed", "error", err)
			} else if n > 0 {
				w.log.Info("sweep requeued stranded builds", "count", n)
			}
		}
	}
}

// resolve is the dependency ladder for one job: filter the unresolved
// specifiers through the known-safe catalog and install the cataloged
// ones. When nothing is cataloged the build fails without touching npm.
func (w *Worker) resolve(job schema.BuildJob) func(ctx context.Context, missing []string) error {
	return func(ctx context.Context, missing []string) error {
		known, unknown := w.catalog.Filter(missing)
		if len(known) == 0 {
			return fmt.Errorf("unresolvable modules: %s", strings.Join(unknown, ", "))
		}
		if len(unknown) > 0 {
			w.log.Warn("uncataloged modules will not be installed", "id", job.BuildID, "modules", unknown)
		}
		ictx := ctx
		if w.cfg.InstallTimeout > 0 {
			var cancel context.CancelFunc
			ictx, cancel = context.WithTimeout(ctx, w.cfg.InstallTimeout)
			defer cancel()
		}
		w.log.Info("installing cataloged modules", "id", job.BuildID, "count", len(known))
		return w.installer.Install(ictx, pipeline.BuildDir(w.cfg, job.BuildID), known)
	}
}
