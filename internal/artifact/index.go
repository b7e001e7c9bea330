package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/thesara-space/appbuild/pkg/schema"
)

// IndexFile is the artifact-index filename written next to the build
// outputs so the review UI can locate the preview and offline bundle.
const IndexFile = "artifacts.json"

// TarName is the filename of the offline bundle tarball.
const TarName = "offline.tar.gz"

// Index describes the artifacts of one build relative to the review origin.
func Index(buildID string, hasTar bool) schema.ArtifactIndex {
	idx := schema.ArtifactIndex{
		PreviewIndex: schema.ArtifactRef{
			Exists: true,
			URL:    fmt.Sprintf("/review/builds/%s/bundle/index.html", buildID),
		},
		Bundle: schema.ArtifactRef{
			Exists: true,
			URL:    fmt.Sprintf("/review/builds/%s/bundle/app.bundle.js", buildID),
		},
	}
	if hasTar {
		idx.OfflineTar = schema.ArtifactRef{
			Exists: true,
			URL:    fmt.Sprintf("/review/builds/%s/%s", buildID, TarName),
		}
	}
	return idx
}

// WriteIndex persists the artifact index into dir as artifacts.json.
func WriteIndex(dir string, idx schema.ArtifactIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, IndexFile), data, 0o644); err != nil {
		return fmt.Errorf("write artifact index: %w", err)
	}
	return nil
}
