package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	simplecontent "github.com/tendant/simple-content/pkg/simplecontent"
)

// contentService is the slice of the simple-content API the uploader needs.
type contentService interface {
	GetContent(ctx context.Context, id uuid.UUID) (*simplecontent.Content, error)
	CreateDerivedContent(ctx context.Context, req simplecontent.CreateDerivedContentRequest) (*simplecontent.Content, error)
	UploadObjectForContent(ctx context.Context, req simplecontent.UploadObjectForContentRequest) (*simplecontent.Object, error)
	UpdateContentStatus(ctx context.Context, id uuid.UUID, status simplecontent.ContentStatus) error
}

// Uploader stores offline bundle tarballs as derived content so the
// review tooling can fetch them through the content service.
type Uploader struct {
	svc     contentService
	backend string
}

// NewUploader wraps a simple-content service with the configured default
// storage backend.
func NewUploader(svc contentService, defaultBackend string) *Uploader {
	return &Uploader{svc: svc, backend: defaultBackend}
}

// UploadBundle creates an app_bundle derived-content record under the
// submission's parent content and uploads the tarball into it. The
// derived record moves created -> processing -> processed so downstream
// consumers only see it once the object is in place.
func (u *Uploader) UploadBundle(ctx context.Context, parentContentID string, tarPath string) (*simplecontent.Content, error) {
	parentID, err := uuid.Parse(parentContentID)
	if err != nil {
		return nil, fmt.Errorf("parse parent content id: %w", err)
	}

	parent, err := u.svc.GetContent(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("get parent content: %w", err)
	}

	derived, err := u.svc.CreateDerivedContent(ctx, simplecontent.CreateDerivedContentRequest{
		ParentID:       parent.ID,
		OwnerID:        parent.OwnerID,
		TenantID:       parent.TenantID,
		DerivationType: "app_bundle",
		Variant:        "offline",
		InitialStatus:  simplecontent.ContentStatusCreated,
	})
	if err != nil {
		return nil, fmt.Errorf("create derived content: %w", err)
	}

	if err := u.svc.UpdateContentStatus(ctx, derived.ID, simplecontent.ContentStatusProcessing); err != nil {
		return nil, fmt.Errorf("mark derived content processing: %w", err)
	}

	file, err := os.Open(tarPath)
	if err != nil {
		return nil, fmt.Errorf("open bundle tarball: %w", err)
	}
	defer file.Close()

	if _, err := u.svc.UploadObjectForContent(ctx, simplecontent.UploadObjectForContentRequest{
		ContentID:          derived.ID,
		StorageBackendName: u.backend,
		Reader:             file,
		FileName:           filepath.Base(tarPath),
		MimeType:           "application/gzip",
	}); err != nil {
		return nil, fmt.Errorf("upload bundle object: %w", err)
	}

	if err := u.svc.UpdateContentStatus(ctx, derived.ID, simplecontent.ContentStatusProcessed); err != nil {
		return nil, fmt.Errorf("mark derived content processed: %w", err)
	}

	return derived, nil
}
