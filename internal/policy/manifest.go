package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/thesara-space/appbuild/pkg/schema"
)

// manifestNames is the read preference order: an author-supplied
// manifest.json wins over pipeline-generated versioned files.
var manifestNames = []string{"manifest.json", "manifest_v2.json", "manifest_v1.json"}

// ManifestFile is the versioned manifest artifact the pipeline writes.
const ManifestFile = "manifest_v1.json"

// ReadManifest loads the first parseable manifest from dir. A missing
// or malformed manifest never fails the build: it yields the
// no-network default with the legacy-script flag set, since submissions
// without a manifest predate the module bootstrap.
func ReadManifest(dir, buildID string) (schema.Manifest, bool) {
	for _, name := range manifestNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var m schema.Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if m.ID == "" {
			m.ID = buildID
		}
		if m.Entry == "" {
			m.Entry = "app.js"
		}
		return m, true
	}
	return schema.Manifest{
		ID:            buildID,
		Entry:         "app.js",
		NetworkPolicy: schema.NetNone,
		LegacyScript:  true,
	}, false
}

// ParsePolicy maps a manifest's policy string to a known tier. Matching
// is case-insensitive and tolerates dash/underscore variants; anything
// unrecognized resolves to no-network rather than failing open.
func ParsePolicy(raw string) schema.NetworkPolicy {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_"))
	switch schema.NetworkPolicy(normalized) {
	case schema.NetNone, schema.NetMediaOnly, schema.NetOpen, schema.NetReviewedOpen, schema.NetProxy:
		return schema.NetworkPolicy(normalized)
	default:
		return schema.NetNone
	}
}

// WriteManifest writes the versioned manifest artifact into dir.
func WriteManifest(dir string, m schema.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644)
}
