package artifact

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	simplecontent "github.com/tendant/simple-content/pkg/simplecontent"

	"github.com/thesara-space/appbuild/pkg/schema"
)

func TestWriteTarGzRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "assets"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files := map[string]string{
		"index.html":      "<html></html>",
		"app.bundle.js":   "export default 1;",
		"assets/icon.svg": "<svg/>",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(src, filepath.FromSlash(name)), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	out := filepath.Join(t.TempDir(), "offline.tar.gz")
	if err := WriteTarGz(src, out); err != nil {
		t.Fatalf("WriteTarGz: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	tr := tar.NewReader(gz)

	got := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar next: %v", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("tar read: %v", err)
		}
		got[hdr.Name] = string(body)
	}
	if len(got) != len(files) {
		t.Fatalf("expected %d entries, got %d: %v", len(files), len(got), keys(got))
	}
	for name, body := range files {
		if got[name] != body {
			t.Fatalf("entry %s: got %q want %q", name, got[name], body)
		}
	}
}

func TestWriteTarGzSkipsItself(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "app.bundle.js"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Archive written into the directory being archived.
	out := filepath.Join(src, TarName)
	if err := WriteTarGz(src, out); err != nil {
		t.Fatalf("WriteTarGz: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar next: %v", err)
		}
		names = append(names, hdr.Name)
	}
	if len(names) != 1 || names[0] != "app.bundle.js" {
		t.Fatalf("expected only app.bundle.js, got %v", names)
	}
}

func TestIndexURLs(t *testing.T) {
	idx := Index("b-123", true)
	if !idx.PreviewIndex.Exists || idx.PreviewIndex.URL != "/review/builds/b-123/bundle/index.html" {
		t.Fatalf("unexpected preview ref: %+v", idx.PreviewIndex)
	}
	if idx.Bundle.URL != "/review/builds/b-123/bundle/app.bundle.js" {
		t.Fatalf("unexpected bundle ref: %+v", idx.Bundle)
	}
	if !idx.OfflineTar.Exists || idx.OfflineTar.URL != "/review/builds/b-123/offline.tar.gz" {
		t.Fatalf("unexpected tar ref: %+v", idx.OfflineTar)
	}

	idx = Index("b-123", false)
	if idx.OfflineTar.Exists || idx.OfflineTar.URL != "" {
		t.Fatalf("expected empty tar ref, got %+v", idx.OfflineTar)
	}
}

func TestWriteIndex(t *testing.T) {
	dir := t.TempDir()
	if err := WriteIndex(dir, Index("b-9", false)); err != nil {
		t.Fatalf("WriteIndex: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	var got schema.ArtifactIndex
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode index: %v", err)
	}
	if got.Bundle.URL != "/review/builds/b-9/bundle/app.bundle.js" {
		t.Fatalf("unexpected decoded index: %+v", got)
	}
}

type fakeContentService struct {
	parent   *simplecontent.Content
	derived  *simplecontent.Content
	statuses []simplecontent.ContentStatus
	uploaded struct {
		fileName string
		mimeType string
		backend  string
		body     []byte
	}
	createErr error
	uploadErr error
}

func (f *fakeContentService) GetContent(ctx context.Context, id uuid.UUID) (*simplecontent.Content, error) {
	if f.parent == nil || f.parent.ID != id {
		return nil, errors.New("content not found")
	}
	return f.parent, nil
}

func (f *fakeContentService) CreateDerivedContent(ctx context.Context, req simplecontent.CreateDerivedContentRequest) (*simplecontent.Content, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if req.DerivationType != "app_bundle" || req.Variant != "offline" {
		return nil, errors.New("unexpected derivation request")
	}
	f.derived = &simplecontent.Content{ID: uuid.New(), OwnerID: req.OwnerID, TenantID: req.TenantID}
	return f.derived, nil
}

func (f *fakeContentService) UploadObjectForContent(ctx context.Context, req simplecontent.UploadObjectForContentRequest) (*simplecontent.Object, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	body, err := io.ReadAll(req.Reader)
	if err != nil {
		return nil, err
	}
	f.uploaded.fileName = req.FileName
	f.uploaded.mimeType = req.MimeType
	f.uploaded.backend = req.StorageBackendName
	f.uploaded.body = body
	return &simplecontent.Object{}, nil
}

func (f *fakeContentService) UpdateContentStatus(ctx context.Context, id uuid.UUID, status simplecontent.ContentStatus) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func TestUploadBundle(t *testing.T) {
	tarPath := filepath.Join(t.TempDir(), TarName)
	if err := os.WriteFile(tarPath, []byte("tarball"), 0o644); err != nil {
		t.Fatalf("write tar: %v", err)
	}

	parent := &simplecontent.Content{ID: uuid.New(), OwnerID: uuid.New(), TenantID: uuid.New()}
	fake := &fakeContentService{parent: parent}
	up := NewUploader(fake, "s3-main")

	derived, err := up.UploadBundle(context.Background(), parent.ID.String(), tarPath)
	if err != nil {
		t.Fatalf("UploadBundle: %v", err)
	}
	if derived == nil || derived.ID != fake.derived.ID {
		t.Fatalf("unexpected derived content: %+v", derived)
	}
	if fake.uploaded.fileName != TarName || fake.uploaded.mimeType != "application/gzip" {
		t.Fatalf("unexpected upload: %+v", fake.uploaded)
	}
	if fake.uploaded.backend != "s3-main" {
		t.Fatalf("expected configured backend, got %s", fake.uploaded.backend)
	}
	if string(fake.uploaded.body) != "tarball" {
		t.Fatalf("unexpected body: %q", fake.uploaded.body)
	}
	want := []simplecontent.ContentStatus{simplecontent.ContentStatusProcessing, simplecontent.ContentStatusProcessed}
	if len(fake.statuses) != 2 || fake.statuses[0] != want[0] || fake.statuses[1] != want[1] {
		t.Fatalf("unexpected status transitions: %v", fake.statuses)
	}
}

func TestUploadBundleRejectsBadParentID(t *testing.T) {
	up := NewUploader(&fakeContentService{}, "s3-main")
	if _, err := up.UploadBundle(context.Background(), "not-a-uuid", "/tmp/x.tar.gz"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestUploadBundlePropagatesUploadError(t *testing.T) {
	tarPath := filepath.Join(t.TempDir(), TarName)
	if err := os.WriteFile(tarPath, []byte("tarball"), 0o644); err != nil {
		t.Fatalf("write tar: %v", err)
	}
	parent := &simplecontent.Content{ID: uuid.New()}
	expected := errors.New("storage down")
	fake := &fakeContentService{parent: parent, uploadErr: expected}
	up := NewUploader(fake, "s3-main")
	if _, err := up.UploadBundle(context.Background(), parent.ID.String(), tarPath); !errors.Is(err, expected) {
		t.Fatalf("expected upload error, got %v", err)
	}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
