package bundler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// CSSResult is an advisory outcome: CSS extraction is cosmetic and its
// failure never fails a build, but the caller can log and surface it.
type CSSResult struct {
	Generated bool
	Note      string
}

// utility classes kept even when the content scan misses them
var cssSafelist = []string{
	"bg-indigo-500", "bg-indigo-600", "text-white", "text-slate-100",
	"from-indigo-500", "to-cyan-400", "border-slate-600", "border-slate-700",
}

const baseCSS = `html, body { margin: 0; padding: 0; }
body { font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Helvetica, Arial; overflow-x: hidden; }
#root { min-height: 100vh; }
`

// ExtractCSS scans the generated bundle for utility classes and writes
// styles.css next to it with the tailwindcss CLI. Any failure, including
// the CLI being absent, degrades to writing the base stylesheet so the
// shell's <link> never 404s.
func ExtractCSS(ctx context.Context, bundleJSPath, outCSSPath string) CSSResult {
	if result, err := runTailwind(ctx, bundleJSPath, outCSSPath); err == nil {
		return result
	} else if werr := os.WriteFile(outCSSPath, []byte(baseCSS), 0o644); werr != nil {
		return CSSResult{Note: fmt.Sprintf("css extraction failed: %v; base stylesheet failed too: %v", err, werr)}
	} else {
		return CSSResult{Generated: true, Note: fmt.Sprintf("tailwind unavailable, wrote base stylesheet: %v", err)}
	}
}

func runTailwind(ctx context.Context, bundleJSPath, outCSSPath string) (CSSResult, error) {
	cli, err := exec.LookPath("tailwindcss")
	if err != nil {
		return CSSResult{}, fmt.Errorf("tailwindcss not found in PATH: %w", err)
	}

	js, err := os.ReadFile(bundleJSPath)
	if err != nil {
		return CSSResult{}, fmt.Errorf("failed to read bundle: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "tw-")
	if err != nil {
		return CSSResult{}, err
	}
	defer os.RemoveAll(tmpDir)

	// The bundle itself is the content source; tailwind scans it for
	// class names.
	contentPath := filepath.Join(tmpDir, "content.js")
	if err := os.WriteFile(contentPath, js, 0o644); err != nil {
		return CSSResult{}, err
	}

	inputCSS := filepath.Join(tmpDir, "input.css")
	input := baseCSS + "\n@tailwind base;\n@tailwind components;\n@tailwind utilities;\n"
	if err := os.WriteFile(inputCSS, []byte(input), 0o644); err != nil {
		return CSSResult{}, err
	}

	safelist, err := json.Marshal(cssSafelist)
	if err != nil {
		return CSSResult{}, err
	}
	configPath := filepath.Join(tmpDir, "tailwind.config.cjs")
	cfg := fmt.Sprintf(`module.exports = {
  darkMode: 'class',
  corePlugins: { preflight: false },
  safelist: %s,
  content: [%q],
};
`, safelist, contentPath)
	if err := os.WriteFile(configPath, []byte(cfg), 0o644); err != nil {
		return CSSResult{}, err
	}

	cmd := exec.CommandContext(ctx, cli, "-i", inputCSS, "-o", outCSSPath, "--minify", "-c", configPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return CSSResult{}, fmt.Errorf("tailwindcss failed: %w\nOutput: %s", err, string(output))
	}
	return CSSResult{Generated: true}, nil
}
