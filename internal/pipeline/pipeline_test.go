package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/thesara-space/appbuild/internal/buildstore"
	"github.com/thesara-space/appbuild/internal/config"
	"github.com/thesara-space/appbuild/internal/events"
	"github.com/thesara-space/appbuild/pkg/schema"
)

func newTestRunner(t *testing.T) (*Runner, *buildstore.Store, config.Config) {
	t.Helper()
	cfg := config.Config{
		DataDir:    filepath.Join(t.TempDir(), "builds"),
		PreviewDir: filepath.Join(t.TempDir(), "preview"),
		CDNBase:    "https://esm.sh",
		// Leave pinned CDN URLs external so bundling never fetches.
		ExternalESM: true,
	}
	store, err := buildstore.Open(context.Background(), filepath.Join(t.TempDir(), "builds.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(cfg, store, events.NewNotifier(), log), store, cfg
}

func seedEntry(t *testing.T, cfg config.Config, id, source string) string {
	t.Helper()
	dir := BuildDir(cfg, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, EntryFile), []byte(source), 0o644); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	return dir
}

func TestRunStaticSubmissionEndToEnd(t *testing.T) {
	r, store, cfg := newTestRunner(t)
	id := "static-1"
	dir := seedEntry(t, cfg, id, "")
	if err := os.MkdirAll(filepath.Join(dir, "build"), 0o755); err != nil {
		t.Fatalf("mkdir build: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "build", "index.html"), []byte("<html>static</html>"), 0o644); err != nil {
		t.Fatalf("write html: %v", err)
	}

	status := r.Run(context.Background(), schema.BuildJob{BuildID: id}, Options{})
	if status != schema.FinalSuccess {
		t.Fatalf("expected success, got %s", status)
	}

	rec, err := store.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.State != schema.StatePendingReview || rec.Progress != 100 {
		t.Fatalf("unexpected record: state=%s progress=%d", rec.State, rec.Progress)
	}
	// No manifest in the submission: fail closed.
	if rec.NetworkPolicy != schema.NetNone {
		t.Fatalf("expected NO_NET, got %s", rec.NetworkPolicy)
	}

	for _, f := range []string{
		filepath.Join(dir, "bundle", "index.html"),
		filepath.Join(dir, "bundle", "manifest_v1.json"),
		filepath.Join(dir, "artifacts.json"),
		filepath.Join(dir, "offline.tar.gz"),
		filepath.Join(PreviewDir(cfg, id), "index.html"),
	} {
		if _, err := os.Stat(f); err != nil {
			t.Fatalf("expected artifact %s: %v", f, err)
		}
	}
}

func TestRunReactSubmissionEndToEnd(t *testing.T) {
	r, store, cfg := newTestRunner(t)
	id := "react-1"
	seedEntry(t, cfg, id, "export default function App() { return null }\n")

	status := r.Run(context.Background(), schema.BuildJob{BuildID: id}, Options{})
	if status != schema.FinalSuccess {
		t.Fatalf("expected success, got %s", status)
	}

	rec, err := store.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	// The bootstrap's own CDN imports must not trip the scan.
	if rec.State != schema.StatePendingReview {
		t.Fatalf("state = %s (reasons %v), want pending_review", rec.State, rec.Reasons)
	}
	if rec.NetworkPolicy != schema.NetNone {
		t.Fatalf("expected NO_NET, got %s", rec.NetworkPolicy)
	}
	for _, f := range []string{
		filepath.Join(BuildDir(cfg, id), "bundle", "app.js"),
		filepath.Join(BuildDir(cfg, id), "bundle", "index.html"),
		filepath.Join(PreviewDir(cfg, id), "app.js"),
	} {
		if _, err := os.Stat(f); err != nil {
			t.Fatalf("expected artifact %s: %v", f, err)
		}
	}
}

func TestRunMissingEntryFails(t *testing.T) {
	r, store, cfg := newTestRunner(t)
	id := "no-entry"
	if err := os.MkdirAll(BuildDir(cfg, id), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	status := r.Run(context.Background(), schema.BuildJob{BuildID: id}, Options{})
	if status != schema.FinalFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	rec, err := store.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.State != schema.StateFailed || rec.Error != "missing_entry" || rec.Progress != 100 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	r, store, cfg := newTestRunner(t)
	id := "cancel-1"
	seedEntry(t, cfg, id, "export default function App() { return null }")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status := r.Run(ctx, schema.BuildJob{BuildID: id}, Options{})
	if status != schema.FinalCancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}
	rec, err := store.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.State != schema.StateFailed || rec.Error != schema.ErrCancelled || rec.Progress != 100 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	// No stage body ran.
	if _, err := os.Stat(filepath.Join(BuildDir(cfg, id), "build")); !os.IsNotExist(err) {
		t.Fatalf("expected no analyze output, got %v", err)
	}
}

func TestRunTerminalRecordIsNoOp(t *testing.T) {
	r, store, _ := newTestRunner(t)
	id := "done-1"
	if _, err := store.Init(context.Background(), id, "", ""); err != nil {
		t.Fatalf("init: %v", err)
	}
	state, progress, msg := schema.StateFailed, 100, schema.ErrCancelled
	if _, err := store.Update(context.Background(), id, buildstore.Patch{State: &state, Progress: &progress, Error: &msg}); err != nil {
		t.Fatalf("update: %v", err)
	}

	status := r.Run(context.Background(), schema.BuildJob{BuildID: id}, Options{})
	if status != schema.FinalCancelled {
		t.Fatalf("expected cancelled mapping for terminal record, got %s", status)
	}
}

func TestRunResumesFromPersistedStage(t *testing.T) {
	r, store, cfg := newTestRunner(t)
	id := "resume-1"
	dir := seedEntry(t, cfg, id, "")
	bundleDir := filepath.Join(dir, "bundle")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		t.Fatalf("mkdir bundle: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "index.html"), []byte("<html></html>"), 0o644); err != nil {
		t.Fatalf("write html: %v", err)
	}

	if _, err := store.Init(context.Background(), id, "", ""); err != nil {
		t.Fatalf("init: %v", err)
	}
	state, progress := schema.StateBundle, 70
	if _, err := store.Update(context.Background(), id, buildstore.Patch{State: &state, Progress: &progress}); err != nil {
		t.Fatalf("update: %v", err)
	}

	status := r.Run(context.Background(), schema.BuildJob{BuildID: id}, Options{})
	if status != schema.FinalSuccess {
		t.Fatalf("expected success, got %s", status)
	}
	rec, err := store.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.State != schema.StatePendingReview {
		t.Fatalf("expected pending_review, got %s", rec.State)
	}
	// The bundle stage was already recorded, so the preview copy is not
	// redone on resume.
	if _, err := os.Stat(PreviewDir(cfg, id)); !os.IsNotExist(err) {
		t.Fatalf("expected preview dir untouched, got %v", err)
	}
	// The secondary stage still ran.
	if _, err := os.Stat(filepath.Join(dir, "offline.tar.gz")); err != nil {
		t.Fatalf("expected offline tarball: %v", err)
	}
}

func TestRunRetriesBundleExactlyOnce(t *testing.T) {
	r, store, cfg := newTestRunner(t)
	id := "retry-1"
	seedEntry(t, cfg, id, "import pad from 'left-pad'\nexport function mount(el) { el.textContent = pad('x', 3) }\n")

	var calls int
	var gotMissing []string
	opts := Options{
		Resolve: func(ctx context.Context, missing []string) error {
			calls++
			gotMissing = missing
			// Install nothing; the retry must still fail and the
			// resolver must not be invoked again.
			return nil
		},
	}

	status := r.Run(context.Background(), schema.BuildJob{BuildID: id}, opts)
	if status != schema.FinalFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one resolve attempt, got %d", calls)
	}
	if len(gotMissing) != 1 || gotMissing[0] != "left-pad" {
		t.Fatalf("unexpected missing modules: %v", gotMissing)
	}
	rec, err := store.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.State != schema.StateFailed {
		t.Fatalf("expected failed record, got %s", rec.State)
	}
}

func TestRunResolveErrorFailsBuild(t *testing.T) {
	r, _, cfg := newTestRunner(t)
	id := "retry-2"
	seedEntry(t, cfg, id, "import pad from 'left-pad'\nexport function mount() {}\n")

	expected := errors.New("npm exploded")
	status := r.Run(context.Background(), schema.BuildJob{BuildID: id}, Options{
		Resolve: func(ctx context.Context, missing []string) error { return expected },
	})
	if status != schema.FinalFailed {
		t.Fatalf("expected failed, got %s", status)
	}
}

func TestRunConsumesAdvisoryReport(t *testing.T) {
	r, store, cfg := newTestRunner(t)
	id := "advised-1"
	dir := seedEntry(t, cfg, id, "")
	if err := os.MkdirAll(filepath.Join(dir, "build"), 0o755); err != nil {
		t.Fatalf("mkdir build: %v", err)
	}

	adv, _ := json.Marshal(schema.Advisory{
		NetworkPolicy: schema.NetNone,
		Notes:         []string{"reads_local_storage"},
	})
	if err := os.WriteFile(filepath.Join(dir, "llm.json"), adv, 0o644); err != nil {
		t.Fatalf("write advisory: %v", err)
	}

	status := r.Run(context.Background(), schema.BuildJob{BuildID: id}, Options{})
	if status != schema.FinalSuccess {
		t.Fatalf("expected success, got %s", status)
	}
	rec, err := store.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.LLMReportPath != id+"/llm.json" {
		t.Fatalf("LLMReportPath = %q", rec.LLMReportPath)
	}
	var found bool
	for _, reason := range rec.Reasons {
		if reason == "reads_local_storage" {
			found = true
		}
	}
	if !found {
		t.Fatalf("advisory note missing from reasons: %v", rec.Reasons)
	}
}

func TestRunUploadFailureIsAdvisory(t *testing.T) {
	r, store, cfg := newTestRunner(t)
	id := "upload-1"
	dir := seedEntry(t, cfg, id, "")
	if err := os.MkdirAll(filepath.Join(dir, "build"), 0o755); err != nil {
		t.Fatalf("mkdir build: %v", err)
	}

	var uploaded string
	status := r.Run(context.Background(), schema.BuildJob{BuildID: id, ContentID: "c-1"}, Options{
		Upload: func(ctx context.Context, contentID, tarPath string) error {
			uploaded = contentID
			return errors.New("storage down")
		},
	})
	if status != schema.FinalSuccess {
		t.Fatalf("expected success despite upload failure, got %s", status)
	}
	if uploaded != "c-1" {
		t.Fatalf("expected upload attempt for c-1, got %q", uploaded)
	}
	rec, err := store.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.State != schema.StatePendingReview {
		t.Fatalf("expected pending_review, got %s", rec.State)
	}
}
