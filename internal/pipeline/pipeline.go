// Package pipeline drives one build through the stage machine:
// analyze, build, bundle, bundle_secondary, verify. Stage state is
// persisted before each stage body runs, so a crashed process resumes
// from the recorded stage instead of restarting the build.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/thesara-space/appbuild/internal/analyze"
	"github.com/thesara-space/appbuild/internal/artifact"
	"github.com/thesara-space/appbuild/internal/buildstore"
	"github.com/thesara-space/appbuild/internal/bundler"
	"github.com/thesara-space/appbuild/internal/config"
	"github.com/thesara-space/appbuild/internal/events"
	"github.com/thesara-space/appbuild/internal/policy"
	"github.com/thesara-space/appbuild/pkg/schema"
)

// EntryFile is the submitted entry module inside a build directory.
const EntryFile = "app.js"

// OfflineBundleFile is the single-file review artifact produced by the
// secondary bundle stage.
const OfflineBundleFile = "app.bundle.js"

// BuildDir returns the working directory for one build.
func BuildDir(cfg config.Config, id string) string {
	return filepath.Join(cfg.DataDir, id)
}

// PreviewDir returns the directory the preview origin serves for one
// build.
func PreviewDir(cfg config.Config, id string) string {
	return filepath.Join(cfg.PreviewDir, id)
}

// Options tune one pipeline run.
type Options struct {
	// NodeModules bundles against installed node_modules instead of the
	// CDN plugin. The durable worker path sets this.
	NodeModules bool

	// Resolve, when set, is invoked if bundling fails on unresolved bare
	// imports. It installs whatever the catalog knows, after which the
	// bundle is retried exactly once. A nil Resolve fails immediately.
	Resolve func(ctx context.Context, missing []string) error

	// Upload, when set, ships the offline tarball after the secondary
	// bundle stage. Upload failures are advisory: the tarball stays on
	// disk and the build proceeds.
	Upload func(ctx context.Context, contentID, tarPath string) error
}

// Runner executes builds against a shared store and notifier.
type Runner struct {
	cfg      config.Config
	store    *buildstore.Store
	notifier *events.Notifier
	bundler  *bundler.Bundler
	engine   *policy.Engine
	log      *slog.Logger
}

func NewRunner(cfg config.Config, store *buildstore.Store, notifier *events.Notifier, log *slog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		bundler:  bundler.New(cfg),
		engine:   policy.NewEngine(cfg),
		log:      log,
	}
}

type stage struct {
	state    schema.BuildState
	progress int
	run      func(ctx context.Context) error
}

// Run executes (or resumes) the pipeline for one build. Terminal state,
// progress and error are persisted before Run returns; the returned
// status mirrors the final event published to subscribers.
func (r *Runner) Run(ctx context.Context, job schema.BuildJob, opts Options) schema.FinalStatus {
	id := job.BuildID

	// The record must exist even when the job context is already
	// cancelled, so the cancellation can be persisted against it.
	pctx := context.WithoutCancel(ctx)
	rec, err := r.store.Read(pctx, id)
	if errors.Is(err, buildstore.ErrNotFound) {
		rec, err = r.store.Init(pctx, id, job.ListingID, job.ContentID)
	}
	if err != nil {
		return r.fail(ctx, job, fmt.Errorf("load build record: %w", err))
	}

	dir := BuildDir(r.cfg, id)
	bundleDir := filepath.Join(dir, "bundle")

	stages := []stage{
		{schema.StateAnalyze, 10, func(ctx context.Context) error {
			return r.analyze(dir)
		}},
		{schema.StateBuild, 40, func(ctx context.Context) error {
			return r.build(ctx, id, dir, bundleDir, opts)
		}},
		{schema.StateBundle, 70, func(ctx context.Context) error {
			return bundler.CopyStatic(bundleDir, PreviewDir(r.cfg, id))
		}},
		{schema.StateBundleSecondary, 80, func(ctx context.Context) error {
			return r.secondary(ctx, job, dir, bundleDir, opts)
		}},
		{schema.StateVerify, 90, func(ctx context.Context) error {
			return r.verify(ctx, id, dir, bundleDir)
		}},
	}

	current := -1
	for i, s := range stages {
		if s.state == rec.State {
			current = i
		}
	}
	// A crash inside verify re-runs it; the policy pass is idempotent.
	if rec.State == schema.StateVerify {
		current--
	}

	for i := current + 1; i < len(stages); i++ {
		if schema.IsTerminal(rec.State) {
			return finalFor(rec)
		}
		if ctx.Err() != nil {
			return r.fail(ctx, job, errors.New(schema.ErrCancelled))
		}
		s := stages[i]
		state, progress := s.state, s.progress
		rec, err = r.store.Update(ctx, id, buildstore.Patch{State: &state, Progress: &progress})
		if err != nil {
			return r.fail(ctx, job, fmt.Errorf("persist stage %s: %w", state, err))
		}
		r.log.Info("build state", "id", id, "state", state, "progress", progress)
		r.emitState(rec)
		if err := s.run(ctx); err != nil {
			return r.fail(ctx, job, err)
		}
	}

	rec, err = r.store.Read(ctx, id)
	if err != nil {
		return r.fail(ctx, job, fmt.Errorf("reload build record: %w", err))
	}
	r.notifier.PublishFinal(schema.FinalEvent{
		BuildID:    id,
		Status:     schema.FinalSuccess,
		ListingID:  job.ListingID,
		HappenedAt: time.Now().UnixMilli(),
	})
	r.log.Info("build finished", "id", id, "state", rec.State)
	return schema.FinalSuccess
}

func (r *Runner) analyze(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, EntryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.New("missing_entry")
		}
		return fmt.Errorf("read entry: %w", err)
	}
	summary := analyze.Summarize(string(data))
	outDir := filepath.Join(dir, "build")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create build dir: %w", err)
	}
	return analyze.WriteSummary(outDir, summary)
}

func (r *Runner) build(ctx context.Context, id, dir, bundleDir string, opts Options) error {
	source, err := os.ReadFile(filepath.Join(dir, EntryFile))
	if err != nil {
		return fmt.Errorf("read entry: %w", err)
	}
	if strings.TrimSpace(string(source)) == "" {
		// Pure HTML submission: serve the prebuilt files as-is, no
		// esbuild and no React bootstrap.
		return bundler.CopyStatic(filepath.Join(dir, "build"), bundleDir)
	}

	bctx := ctx
	if r.cfg.BundleTimeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, r.cfg.BundleTimeout)
		defer cancel()
	}

	bopts := bundler.Options{BuildDir: dir, OutDir: bundleDir, NodeModules: opts.NodeModules}
	if err := r.bundler.Bundle(bctx, bopts); err != nil {
		if err = r.retryMissing(bctx, id, err, bopts, opts); err != nil {
			return err
		}
	}

	css := bundler.ExtractCSS(bctx, filepath.Join(bundleDir, "app.js"), filepath.Join(bundleDir, "styles.css"))
	if css.Note != "" {
		r.log.Info("tailwind skipped", "id", id, "note", css.Note)
	}
	return nil
}

// retryMissing is the dependency-resolution ladder: unresolved bare
// imports are handed to the resolver for a catalog-backed install, then
// the bundle is retried exactly once.
func (r *Runner) retryMissing(ctx context.Context, id string, bundleErr error, bopts bundler.Options, opts Options) error {
	if opts.Resolve == nil {
		return bundleErr
	}
	missing := bundler.MissingModules(bundleErr)
	if len(missing) == 0 {
		return bundleErr
	}
	if err := opts.Resolve(ctx, missing); err != nil {
		return err
	}
	r.log.Info("retrying bundle after install", "id", id, "missing", missing)
	return r.bundler.Bundle(ctx, bopts)
}

func (r *Runner) secondary(ctx context.Context, job schema.BuildJob, dir, bundleDir string, opts Options) error {
	if err := r.secondaryArtifacts(ctx, job, dir, bundleDir, opts); err != nil {
		return fmt.Errorf("bundle_failed: %w", err)
	}
	return nil
}

func (r *Runner) secondaryArtifacts(ctx context.Context, job schema.BuildJob, dir, bundleDir string, opts Options) error {
	bopts := bundler.Options{BuildDir: dir, OutDir: bundleDir, NodeModules: opts.NodeModules}
	if err := r.bundler.Offline(ctx, bopts, filepath.Join(bundleDir, OfflineBundleFile)); err != nil {
		return err
	}
	tarPath := filepath.Join(dir, artifact.TarName)
	if err := artifact.WriteTarGz(bundleDir, tarPath); err != nil {
		return err
	}
	if err := artifact.WriteIndex(dir, artifact.Index(job.BuildID, true)); err != nil {
		return err
	}
	if opts.Upload != nil && job.ContentID != "" {
		if err := opts.Upload(ctx, job.ContentID, tarPath); err != nil {
			// Advisory: the tarball stays on disk either way.
			r.log.Warn("offline bundle upload failed", "id", job.BuildID, "error", err)
		}
	}
	return nil
}

func (r *Runner) verify(ctx context.Context, id, dir, bundleDir string) error {
	// The review tooling may have dropped an advisory report into the
	// build dir; it only ever tightens the verdict.
	var adv *schema.Advisory
	var reportPath string
	if a, found := policy.ReadAdvisory(dir); found {
		adv = &a
		reportPath = path.Join(id, policy.AdvisoryFile)
	}

	decision, err := r.engine.Evaluate(bundleDir, id, adv)
	if err != nil {
		return err
	}

	manifest, _ := policy.ReadManifest(bundleDir, id)
	manifest.NetworkPolicy = decision.NetworkPolicy
	manifest.NetworkDomains = decision.Domains
	manifest.Permissions = decision.Permissions
	manifest.LegacyScript = decision.LegacyScript
	if err := policy.WriteManifest(bundleDir, manifest); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	state, progress, netPolicy := decision.State, 100, decision.NetworkPolicy
	patch := buildstore.Patch{
		State:         &state,
		Progress:      &progress,
		Reasons:       decision.Reasons,
		NetworkPolicy: &netPolicy,
	}
	if reportPath != "" {
		patch.LLMReportPath = &reportPath
	}
	rec, err := r.store.Update(ctx, id, patch)
	if err != nil {
		return fmt.Errorf("persist verdict: %w", err)
	}
	r.log.Info("build state", "id", id, "state", state, "reasons", len(decision.Reasons))
	r.emitState(rec)
	return nil
}

func (r *Runner) fail(ctx context.Context, job schema.BuildJob, cause error) schema.FinalStatus {
	msg := cause.Error()
	status := schema.FinalFailed
	if errors.Is(cause, context.Canceled) || msg == schema.ErrCancelled {
		msg = schema.ErrCancelled
		status = schema.FinalCancelled
	}

	// The job context may already be cancelled; the failure still has to
	// be persisted.
	pctx := context.WithoutCancel(ctx)
	state, progress := schema.StateFailed, 100
	rec, err := r.store.Update(pctx, job.BuildID, buildstore.Patch{State: &state, Progress: &progress, Error: &msg})
	if err != nil {
		r.log.Error("persist failure state", "id", job.BuildID, "error", err)
	} else {
		r.emitState(rec)
	}
	r.notifier.PublishFinal(schema.FinalEvent{
		BuildID:    job.BuildID,
		Status:     status,
		ListingID:  job.ListingID,
		Reason:     msg,
		HappenedAt: time.Now().UnixMilli(),
	})
	r.log.Error("build failed", "id", job.BuildID, "status", status, "error", msg)
	return status
}

func (r *Runner) emitState(rec *schema.BuildRecord) {
	r.notifier.PublishState(schema.StateEvent{
		BuildID:    rec.ID,
		State:      rec.State,
		Progress:   rec.Progress,
		HappenedAt: time.Now().UnixMilli(),
	})
}

func finalFor(rec *schema.BuildRecord) schema.FinalStatus {
	switch {
	case rec.State == schema.StateFailed && rec.Error == schema.ErrCancelled:
		return schema.FinalCancelled
	case rec.State == schema.StateFailed:
		return schema.FinalFailed
	default:
		return schema.FinalSuccess
	}
}
