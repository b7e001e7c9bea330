package bundler

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"
)

const httpNamespace = "http-url"

// PluginOptions configure the CDN import plugin for one bundle run.
type PluginOptions struct {
	CDNBase   string            // content-delivery origin, default https://esm.sh
	CacheDir  string            // build-scoped dir for the cdn-cache
	Allow     []string          // extra allow-listed bare specifiers
	Pin       map[string]string // version pins, name -> version
	Integrity map[string]string // optional sha256 pins, name -> hex digest
	AllowAny  bool              // skip the allow-list entirely
	External  bool              // leave HTTP modules unresolved for the browser
}

// defaultAllow is the baseline bare-import allow-list; PluginOptions.Allow
// extends it.
var defaultAllow = []string{
	"react",
	"react-dom",
	"react-dom/client",
	"react/jsx-runtime",
	"react/jsx-dev-runtime",
	"framer-motion",
	"recharts",
	"html-to-image",
	"lucide-react",
	"@radix-ui/react-label",
	"@radix-ui/react-slider",
}

// defaultPins hold the versions used when a bare import is not pinned
// explicitly; "latest" is never emitted for cataloged packages.
var defaultPins = map[string]string{
	"react":                  "18.2.0",
	"react-dom":              "18.2.0",
	"framer-motion":          "10.16.4",
	"recharts":               "2.9.1",
	"html-to-image":          "1.11.11",
	"lucide-react":           "0.292.0",
	"@radix-ui/react-label":  "2.0.2",
	"@radix-ui/react-slider": "1.1.2",
}

var bareImportRe = regexp.MustCompile(`^[^./][^:]*$`)
var httpImportRe = regexp.MustCompile(`^https?://`)

func splitPkg(spec string) (name, subpath string) {
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1], strings.Join(parts[2:], "/")
	}
	return parts[0], strings.Join(parts[1:], "/")
}

// CDNPlugin resolves bare module imports against the content-delivery
// origin, pinned by version, and inlines the fetched sources through a
// disk cache. With External set, resolved URLs are left for the browser
// to fetch at runtime instead.
func CDNPlugin(opts PluginOptions) api.Plugin {
	cdnBase := strings.TrimRight(opts.CDNBase, "/")
	if cdnBase == "" {
		cdnBase = "https://esm.sh"
	}

	allow := map[string]bool{}
	for _, s := range defaultAllow {
		allow[strings.ToLower(s)] = true
	}
	for _, s := range opts.Allow {
		allow[strings.ToLower(s)] = true
	}

	pins := map[string]string{}
	for k, v := range defaultPins {
		pins[k] = v
	}
	for k, v := range opts.Pin {
		pins[k] = v
	}

	cache := &cdnCache{
		dir:       filepath.Join(opts.CacheDir, "cdn-cache"),
		integrity: opts.Integrity,
		client:    &http.Client{Timeout: 30 * time.Second},
	}

	return api.Plugin{
		Name: "cdn-import",
		Setup: func(build api.PluginBuild) {
			// Absolute HTTP(S) imports written by the author.
			build.OnResolve(api.OnResolveOptions{Filter: `^https?://`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if opts.External {
						return api.OnResolveResult{Path: args.Path, External: true}, nil
					}
					return api.OnResolveResult{Path: args.Path, Namespace: httpNamespace}, nil
				})

			// Bare imports -> allow-list check, then CDN URL + pin.
			build.OnResolve(api.OnResolveOptions{Filter: `^[^./][^:]*$`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					name, subpath := splitPkg(args.Path)
					if !opts.AllowAny {
						spec := strings.ToLower(args.Path)
						if !allow[spec] && !allow[strings.ToLower(name)] {
							return api.OnResolveResult{}, fmt.Errorf(
								"Could not resolve %q: package is not on the allow-list (allowed: %s)",
								args.Path, strings.Join(sortedKeys(allow), ", "))
						}
					}
					version := pins[name]
					if version == "" {
						version = "latest"
					}
					target := cdnBase + "/" + name + "@" + version
					if subpath != "" {
						target += "/" + subpath
					}
					if opts.External {
						return api.OnResolveResult{Path: target, External: true}, nil
					}
					return api.OnResolveResult{Path: target, Namespace: httpNamespace}, nil
				})

			// Relative imports inside fetched CDN modules resolve against
			// their importer's URL.
			build.OnResolve(api.OnResolveOptions{Filter: `.*`, Namespace: httpNamespace},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					base, err := url.Parse(args.Importer)
					if err != nil {
						return api.OnResolveResult{}, fmt.Errorf("bad importer URL %q: %w", args.Importer, err)
					}
					// Carets break URL parsing on some CDNs.
					ref, err := url.Parse(strings.ReplaceAll(args.Path, "@^", "@"))
					if err != nil {
						return api.OnResolveResult{}, fmt.Errorf("bad import URL %q: %w", args.Path, err)
					}
					resolved := base.ResolveReference(ref)
					normalizeReactURL(resolved, pins)
					if opts.External {
						return api.OnResolveResult{Path: resolved.String(), External: true}, nil
					}
					return api.OnResolveResult{Path: resolved.String(), Namespace: httpNamespace}, nil
				})

			if opts.External {
				return
			}
			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: httpNamespace},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					source, loader, err := cache.get(args.Path)
					if err != nil {
						return api.OnLoadResult{}, err
					}
					contents := "//# sourceURL=" + args.Path + "\n" + source
					return api.OnLoadResult{Contents: &contents, Loader: loader}, nil
				})
		},
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	reactJSXRe    = regexp.MustCompile(`^/react(@[^/]+)?/jsx(-dev)?-runtime(?:\.m?js)?$`)
	reactDOMSubRe = regexp.MustCompile(`^/react-dom(@[^/]+)?(/.*)?$`)
	reactSubRe    = regexp.MustCompile(`^/react(@[^/]+)?(/.*)?$`)
)

// normalizeReactURL rewrites every CDN React reference onto the pinned
// version so the bundle never carries two React copies.
func normalizeReactURL(u *url.URL, pins map[string]string) {
	if u.Hostname() != "esm.sh" && !strings.HasSuffix(u.Hostname(), ".esm.sh") {
		return
	}
	reactPin := pins["react"]
	reactDOMPin := pins["react-dom"]
	if reactPin == "" || reactDOMPin == "" {
		return
	}
	p := u.Path
	switch {
	case reactJSXRe.MatchString(p):
		runtime := "jsx-runtime"
		if strings.Contains(p, "jsx-dev-runtime") {
			runtime = "jsx-dev-runtime"
		}
		u.Path = "/react@" + reactPin + "/" + runtime
		u.RawQuery = ""
	case reactDOMSubRe.MatchString(p):
		u.Path = reactDOMSubRe.ReplaceAllString(p, "/react-dom@"+reactDOMPin+"$2")
		u.RawQuery = ""
	case reactSubRe.MatchString(p):
		u.Path = reactSubRe.ReplaceAllString(p, "/react@"+reactPin+"$2")
		u.RawQuery = ""
	}
}

// cdnCache fetches CDN modules through a sha1-keyed disk cache.
type cdnCache struct {
	dir       string
	integrity map[string]string
	client    *http.Client
}

func (c *cdnCache) get(rawURL string) (string, api.Loader, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create cdn cache dir: %w", err)
	}
	key := sha1Hex(rawURL)

	if entries, err := os.ReadDir(c.dir); err == nil {
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), key) {
				data, err := os.ReadFile(filepath.Join(c.dir, e.Name()))
				if err != nil {
					break
				}
				return string(data), loaderForExt(filepath.Ext(e.Name()), ""), nil
			}
		}
	}

	resp, err := c.client.Get(rawURL)
	if err != nil {
		return "", 0, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("GET %s -> %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("GET %s: %w", rawURL, err)
	}

	contentType := resp.Header.Get("Content-Type")
	text := string(data)
	if !looksLikeModule(contentType, text) {
		snippet := strings.Join(strings.Fields(text), " ")
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return "", 0, fmt.Errorf("unexpected CDN response %s (content-type: %s): %s", rawURL, contentType, snippet)
	}

	if err := c.checkIntegrity(rawURL, data); err != nil {
		return "", 0, err
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	ext := extFor(finalURL, contentType)
	if err := os.WriteFile(filepath.Join(c.dir, key+ext), data, 0o644); err != nil {
		return "", 0, fmt.Errorf("failed to cache %s: %w", rawURL, err)
	}
	return text, loaderForExt(ext, contentType), nil
}

// checkIntegrity verifies an integrity-pinned package's content hash.
// Pins are keyed by package name; URLs for unpinned packages pass.
func (c *cdnCache) checkIntegrity(rawURL string, data []byte) error {
	if len(c.integrity) == 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	segment := strings.TrimPrefix(u.Path, "/")
	name, _, _ := strings.Cut(segment, "@")
	if strings.HasPrefix(segment, "@") {
		// Scoped package: @scope/name@version
		rest := segment[1:]
		scopeEnd := strings.Index(rest, "/")
		if scopeEnd < 0 {
			return nil
		}
		tail := rest[scopeEnd+1:]
		pkg, _, _ := strings.Cut(tail, "@")
		name = "@" + rest[:scopeEnd] + "/" + pkg
	}
	want, ok := c.integrity[name]
	if !ok {
		return nil
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != strings.ToLower(want) {
		return fmt.Errorf("integrity mismatch for %s: got sha256:%s, pinned sha256:%s", rawURL, got, want)
	}
	return nil
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func looksLikeModule(contentType, text string) bool {
	typeOK := strings.Contains(contentType, "javascript") ||
		strings.Contains(contentType, "json") ||
		strings.Contains(contentType, "css")
	looksHTML := strings.Contains(contentType, "html") ||
		strings.Contains(strings.ToLower(text[:min(len(text), 200)]), "<html")
	return typeOK && !looksHTML
}

func extFor(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" {
			return ext
		}
	}
	switch {
	case strings.Contains(contentType, "javascript"):
		return ".js"
	case strings.Contains(contentType, "css"):
		return ".css"
	case strings.Contains(contentType, "json"):
		return ".json"
	default:
		return ".mjs"
	}
}

func loaderForExt(ext, contentType string) api.Loader {
	switch ext {
	case ".ts", ".mts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".jsx":
		return api.LoaderJSX
	case ".css":
		return api.LoaderCSS
	case ".json":
		return api.LoaderJSON
	case ".js", ".mjs":
		return api.LoaderJS
	}
	switch {
	case strings.Contains(contentType, "json"):
		return api.LoaderJSON
	case strings.Contains(contentType, "css"):
		return api.LoaderCSS
	default:
		return api.LoaderJS
	}
}
