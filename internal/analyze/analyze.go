// Package analyze inspects a submitted entry module and produces the
// export-shape summary (AST_SUMMARY.json) that later stages use to pick
// a bootstrap strategy.
package analyze

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/thesara-space/appbuild/pkg/schema"
)

// SummaryFile is the artifact name written into the build output dir.
const SummaryFile = "AST_SUMMARY.json"

var (
	defaultExportRe = regexp.MustCompile(`(?m)^\s*export\s+default\b`)
	namedDeclRe     = regexp.MustCompile(`(?m)^\s*export\s+(?:async\s+)?(?:function|class|const|let|var)\s+([A-Za-z_$][\w$]*)`)
	exportListRe    = regexp.MustCompile(`(?m)^\s*export\s*\{([^}]*)\}`)
	importRe        = regexp.MustCompile(`(?m)^\s*(?:import|export)\b[^'"\n]*from\s*['"]([^'"]+)['"]`)
	sideEffectRe    = regexp.MustCompile(`(?m)^\s*import\s*['"]([^'"]+)['"]`)
	dynamicImportRe = regexp.MustCompile(`\bimport\(\s*['"]([^'"]+)['"]\s*\)`)
)

// Summarize analyzes entry source code. TSX/JSX input is lowered to
// plain ESM first so the export scan sees canonical statements; if the
// transform itself fails the raw source is scanned instead, since a
// syntactically broken module should fail in the bundle stage with a
// proper diagnostic, not here.
func Summarize(source string) schema.ASTSummary {
	summary := schema.ASTSummary{
		Entry:       "app.js",
		GeneratedAt: time.Now().UnixMilli(),
	}
	if strings.TrimSpace(source) == "" {
		summary.EmptyEntry = true
		return summary
	}

	code := source
	result := api.Transform(source, api.TransformOptions{
		Loader: api.LoaderTSX,
		Format: api.FormatESModule,
		JSX:    api.JSXAutomatic,
	})
	if len(result.Errors) == 0 {
		code = string(result.Code)
	}

	exports := map[string]bool{}
	if defaultExportRe.MatchString(code) {
		exports["default"] = true
	}
	for _, m := range namedDeclRe.FindAllStringSubmatch(code, -1) {
		exports[m[1]] = true
	}
	for _, m := range exportListRe.FindAllStringSubmatch(code, -1) {
		for _, part := range strings.Split(m[1], ",") {
			name := strings.TrimSpace(part)
			if name == "" {
				continue
			}
			// "local as exported" exposes the right-hand name.
			if _, alias, ok := strings.Cut(name, " as "); ok {
				name = strings.TrimSpace(alias)
			}
			exports[name] = true
		}
	}

	summary.HasDefaultExport = exports["default"]
	summary.HasMount = exports["mount"]
	for name := range exports {
		if name != "default" {
			summary.Exports = append(summary.Exports, name)
		}
	}
	sort.Strings(summary.Exports)

	seen := map[string]bool{}
	addImport := func(spec string) {
		if spec == "" || seen[spec] {
			return
		}
		seen[spec] = true
		switch {
		case strings.HasPrefix(spec, "http://"), strings.HasPrefix(spec, "https://"):
			summary.Imports.HTTP = append(summary.Imports.HTTP, spec)
		case strings.HasPrefix(spec, "./"), strings.HasPrefix(spec, "../"), strings.HasPrefix(spec, "/"):
			// Relative imports stay inside the build dir; not policy-relevant.
		default:
			summary.Imports.Bare = append(summary.Imports.Bare, spec)
		}
	}
	// Imports are collected from the raw source: the JSX transform
	// injects a react/jsx-runtime import that the author never wrote.
	for _, re := range []*regexp.Regexp{importRe, sideEffectRe, dynamicImportRe} {
		for _, m := range re.FindAllStringSubmatch(source, -1) {
			addImport(m[1])
		}
	}
	sort.Strings(summary.Imports.Bare)
	sort.Strings(summary.Imports.HTTP)

	return summary
}

// WriteSummary writes the summary artifact into outDir, creating it if
// needed.
func WriteSummary(outDir string, summary schema.ASTSummary) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, SummaryFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", SummaryFile, err)
	}
	return nil
}
