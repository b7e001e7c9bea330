// Package catalog holds the allow-list of third-party packages a build
// may pull in, pinned to known-safe versions. The dependency-retry path
// only installs packages present here.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultVersions is the compiled-in catalog. A YAML file can replace
// it at startup for deployments that curate their own list.
var defaultVersions = map[string]string{
	"react":                  "18.2.0",
	"react-dom":              "18.2.0",
	"framer-motion":          "10.16.4",
	"recharts":               "2.9.1",
	"html-to-image":          "1.11.11",
	"lucide-react":           "0.292.0",
	"@radix-ui/react-label":  "2.0.2",
	"@radix-ui/react-slider": "1.1.2",
}

type Catalog struct {
	versions map[string]string
}

// Default returns the compiled-in catalog.
func Default() *Catalog {
	return &Catalog{versions: defaultVersions}
}

// LoadFile reads a catalog from a YAML file mapping package names to
// versions:
//
//	react: 18.2.0
//	recharts: 2.9.1
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	versions := map[string]string{}
	if err := yaml.Unmarshal(data, &versions); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	for name, version := range versions {
		if strings.TrimSpace(version) == "" {
			return nil, fmt.Errorf("catalog %s: package %q has no version", path, name)
		}
	}
	return &Catalog{versions: versions}, nil
}

// Load returns the catalog from path, or the compiled-in default when
// path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// Version returns the pinned version for a package. Subpath imports
// (react/jsx-runtime) resolve through their base package; scoped
// packages keep their two-segment name.
func (c *Catalog) Version(name string) (string, bool) {
	v, ok := c.versions[Base(name)]
	return v, ok
}

// Filter splits specifiers into cataloged name->version pairs and the
// leftover unknown names.
func (c *Catalog) Filter(specs []string) (known map[string]string, unknown []string) {
	known = map[string]string{}
	seen := map[string]bool{}
	for _, spec := range specs {
		base := Base(spec)
		if base == "" || seen[base] {
			continue
		}
		seen[base] = true
		if v, ok := c.versions[base]; ok {
			known[base] = v
		} else {
			unknown = append(unknown, base)
		}
	}
	sort.Strings(unknown)
	return known, unknown
}

// Base normalizes a specifier to its installable package name:
// react/jsx-runtime -> react, @radix-ui/react-label/dist -> @radix-ui/react-label.
func Base(spec string) string {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") {
		return ""
	}
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") {
		if len(parts) < 2 {
			return ""
		}
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}
