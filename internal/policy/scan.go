package policy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/thesara-space/appbuild/pkg/schema"
)

type pattern struct {
	re     *regexp.Regexp
	reason string
}

// bannedPatterns reject a build outright. Dynamic code execution and
// SES lockdown both break the sandboxing the published runtime relies
// on.
var bannedPatterns = []pattern{
	{regexp.MustCompile(`\beval\s*\(`), "eval"},
	{regexp.MustCompile(`\bnew\s+Function\s*\(`), "new_function"},
	{regexp.MustCompile(`Function\s*\(\s*['"]return\s+this['"]\s*\)`), "function_return_this"},
	{regexp.MustCompile(`\blockdown\s*\(`), "ses_lockdown"},
	{regexp.MustCompile(`\brequire\s*\(\s*['"]ses['"]\s*\)`), "ses_lockdown"},
	{regexp.MustCompile(`\bfrom\s+['"]ses['"]`), "ses_lockdown"},
	{regexp.MustCompile(`import\s*\(\s*['"]ses['"]\s*\)`), "ses_lockdown"},
	{regexp.MustCompile(`(?i)lockdown-install\.js`), "ses_lockdown"},
	{regexp.MustCompile(`(?i)SES_UNCAUGHT_EXCEPTION`), "ses_lockdown"},
}

// riskyPatterns send a build to manual review without rejecting it.
var riskyPatterns = []pattern{
	{regexp.MustCompile(`setTimeout\s*\(\s*['"]`), "settimeout_string"},
	{regexp.MustCompile(`document\.cookie\s*=`), "cookie_write"},
	{regexp.MustCompile(`window\.open\s*\(`), "window_open"},
	{regexp.MustCompile(`(?:new\s+)?Worker\s*\(`), "worker"},
	{regexp.MustCompile(`\bCompartment\s*\(`), "ses_compartment"},
}

// networkAPIRe flags programmatic network use; only risky when the
// resolved policy forbids it.
var networkAPIRe = pattern{
	regexp.MustCompile(`\b(?:fetch|XMLHttpRequest|EventSource|WebSocket)\b`),
	"fetch_restricted_network",
}

// remoteImportRe catches dynamic imports of absolute URLs. The bundler
// itself emits these for the configured CDN when imports are left
// external, so the trusted origin is exempt; anything else rejects.
var remoteImportRe = regexp.MustCompile(`import\(\s*['"](https?://[^'"]+)['"]`)

var scriptTagRe = regexp.MustCompile(`(?is)<script[^>]*>(.*?)</script>`)

// ScanResult is the outcome of the static scan over a bundle dir.
// Banned reasons reject the build; Risky reasons only demand review.
type ScanResult struct {
	Banned []string
	Risky  []string
}

// Scan walks dir (skipping node_modules) and matches every script
// against the pattern tables. HTML files contribute only their inline
// script bodies. networkPolicy decides whether plain fetch/XHR/WS use
// counts as risky. trustedOrigin, when non-empty, names the one origin
// dynamic URL imports may target (the CDN the bundle was built
// against); empty means every remote dynamic import is banned.
func Scan(dir string, networkPolicy schema.NetworkPolicy, trustedOrigin string) (ScanResult, error) {
	var result ScanResult
	banned := map[string]bool{}
	risky := map[string]bool{}

	risk := riskyPatterns
	if networkPolicy == schema.NetNone {
		risk = append(append([]pattern{}, riskyPatterns...), networkAPIRe)
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		isHTML := ext == ".html" || ext == ".htm"
		switch ext {
		case ".js", ".jsx", ".ts", ".tsx", ".html", ".htm":
		default:
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		code := string(data)
		if isHTML {
			code = extractScripts(code)
		}

		for _, p := range bannedPatterns {
			if p.re.MatchString(code) {
				banned[p.reason] = true
			}
		}
		for _, m := range remoteImportRe.FindAllStringSubmatch(code, -1) {
			if !trustedURL(m[1], trustedOrigin) {
				banned["remote_dynamic_import"] = true
			}
		}
		for _, p := range risk {
			if p.re.MatchString(code) {
				risky[p.reason] = true
			}
		}
		return nil
	})
	if err != nil {
		return ScanResult{}, fmt.Errorf("static scan failed: %w", err)
	}

	for reason := range banned {
		result.Banned = append(result.Banned, reason)
	}
	for reason := range risky {
		result.Risky = append(result.Risky, reason)
	}
	sort.Strings(result.Banned)
	sort.Strings(result.Risky)
	return result, nil
}

func trustedURL(url, origin string) bool {
	if origin == "" {
		return false
	}
	return url == origin || strings.HasPrefix(url, origin+"/")
}

func extractScripts(html string) string {
	var b strings.Builder
	for _, m := range scriptTagRe.FindAllStringSubmatch(html, -1) {
		b.WriteString(m[1])
		b.WriteString("\n")
	}
	return b.String()
}
