// Package bundler drives esbuild over a submitted entry module: it
// wraps the module in the bootstrap harness, resolves bare imports
// through the CDN plugin (or node_modules for the worker path), and
// writes the preview bundle.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/thesara-space/appbuild/internal/config"
)

// Bundler is configured once at startup and shared across builds; each
// Bundle call is independent.
type Bundler struct {
	cfg config.Config
}

func New(cfg config.Config) *Bundler {
	return &Bundler{cfg: cfg}
}

// Options select how one bundle run resolves bare imports.
type Options struct {
	// BuildDir is the build-scoped working directory holding app.js.
	BuildDir string
	// OutDir receives app.js, styles.css and index.html.
	OutDir string
	// NodeModules resolves bare imports from BuildDir/node_modules
	// instead of the CDN. The durable worker uses this after installing
	// cataloged dependencies.
	NodeModules bool
}

// ResolveError carries the bare specifiers a failed run could not
// resolve, for the dependency-retry path.
type ResolveError struct {
	Missing []string
	msg     string
}

func (e *ResolveError) Error() string { return e.msg }

var couldNotResolveRe = regexp.MustCompile(`Could not resolve\s+["']([^"']+)["']`)

// Bundle compiles BuildDir/app.js into opts.OutDir/app.js and writes
// the HTML shell. The ctx deadline bounds the whole esbuild run.
func (b *Bundler) Bundle(ctx context.Context, opts Options) error {
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("failed to create bundle dir: %w", err)
	}

	buildOpts := api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   Bootstrap("./app.js"),
			Sourcefile: "bootstrap.ts",
			Loader:     api.LoaderTS,
			ResolveDir: opts.BuildDir,
		},
		Bundle:            true,
		Platform:          api.PlatformBrowser,
		Format:            api.FormatESModule,
		Target:            api.ES2018,
		MinifyWhitespace:  true,
		MinifyIdentifiers: true,
		MinifySyntax:      true,
		Outfile:           filepath.Join(opts.OutDir, "app.js"),
		Write:             true,
		LogLevel:          api.LogLevelSilent,
		JSX:               api.JSXAutomatic,
	}
	if !opts.NodeModules {
		buildOpts.Plugins = b.plugins(opts.BuildDir)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	result := api.Build(buildOpts)
	if len(result.Errors) > 0 {
		return newResolveError(result.Errors)
	}

	html := IndexHTML()
	if err := os.WriteFile(filepath.Join(opts.OutDir, "index.html"), []byte(html), 0o644); err != nil {
		return fmt.Errorf("failed to write index.html: %w", err)
	}
	return nil
}

// Offline produces the self-contained review artifact: the entry module
// rebundled into a single app.bundle.js with static assets inlined as
// data URLs and the production define applied. Reviewers download this
// file; it never runs behind the preview CSP.
func (b *Bundler) Offline(ctx context.Context, opts Options, outFile string) error {
	buildOpts := api.BuildOptions{
		EntryPoints:       []string{filepath.Join(opts.BuildDir, "app.js")},
		Bundle:            true,
		Platform:          api.PlatformBrowser,
		Format:            api.FormatESModule,
		Target:            api.ES2020,
		MinifyWhitespace:  true,
		MinifyIdentifiers: true,
		MinifySyntax:      true,
		Outfile:           outFile,
		Write:             true,
		LogLevel:          api.LogLevelSilent,
		JSX:               api.JSXAutomatic,
		Define:            map[string]string{"process.env.NODE_ENV": `"production"`},
		Loader: map[string]api.Loader{
			".png":  api.LoaderDataURL,
			".jpg":  api.LoaderDataURL,
			".jpeg": api.LoaderDataURL,
			".svg":  api.LoaderDataURL,
			".gif":  api.LoaderDataURL,
			".webp": api.LoaderDataURL,
		},
	}
	if !opts.NodeModules {
		buildOpts.Plugins = b.plugins(opts.BuildDir)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	result := api.Build(buildOpts)
	if len(result.Errors) > 0 {
		return newResolveError(result.Errors)
	}
	return nil
}

func (b *Bundler) plugins(buildDir string) []api.Plugin {
	return []api.Plugin{CDNPlugin(PluginOptions{
		CDNBase:   b.cfg.CDNBase,
		CacheDir:  buildDir,
		Allow:     b.cfg.CDNAllow,
		Pin:       b.cfg.CDNPin,
		Integrity: b.cfg.CDNIntegrity,
		AllowAny:  b.cfg.AllowAnyPackage,
		External:  b.cfg.ExternalESM,
	})}
}

// newResolveError folds esbuild diagnostics into one error, extracting
// unresolved bare specifiers when present.
func newResolveError(messages []api.Message) error {
	var lines []string
	missing := map[string]bool{}
	for _, m := range messages {
		lines = append(lines, m.Text)
		if match := couldNotResolveRe.FindStringSubmatch(m.Text); match != nil {
			spec := strings.TrimSpace(match[1])
			if spec != "" && !strings.HasPrefix(spec, ".") && !strings.HasPrefix(spec, "/") &&
				!strings.HasPrefix(spec, "data:") {
				missing[spec] = true
			}
		}
	}
	err := &ResolveError{msg: "bundle failed: " + strings.Join(lines, "; ")}
	for spec := range missing {
		err.Missing = append(err.Missing, spec)
	}
	sort.Strings(err.Missing)
	return err
}

// MissingModules extracts the unresolved bare specifiers from a bundle
// error, or nil when the failure was not a resolution problem.
func MissingModules(err error) []string {
	var re *ResolveError
	if errors.As(err, &re) {
		return re.Missing
	}
	return nil
}

// CopyStatic mirrors a prebuilt static-HTML submission from buildDir
// into outDir without running esbuild.
func CopyStatic(buildDir, outDir string) error {
	if err := os.RemoveAll(outDir); err != nil {
		return fmt.Errorf("failed to clear bundle dir: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create bundle dir: %w", err)
	}
	return filepath.Walk(buildDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(buildDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(outDir, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := os.WriteFile(target, data, info.Mode().Perm()); err != nil {
			return fmt.Errorf("failed to copy %s: %w", rel, err)
		}
		return nil
	})
}
