package policy

import (
	"strings"
	"testing"

	"github.com/thesara-space/appbuild/pkg/schema"
)

func TestBuildCSPNoNetDefault(t *testing.T) {
	csp := BuildCSP(CSPOptions{Policy: schema.NetNone})

	for _, want := range []string{
		"default-src 'self'",
		"script-src 'self' blob:",
		"style-src 'self' 'unsafe-inline'",
		"img-src 'self' data: blob:",
		"media-src 'self' blob:",
		"base-uri 'none'",
		"object-src 'none'",
		"frame-ancestors 'self'",
	} {
		if !strings.Contains(csp, want) {
			t.Errorf("CSP missing %q:\n%s", want, csp)
		}
	}
	if strings.Contains(csp, cdnOrigin) {
		t.Errorf("no-net CSP must not allow the CDN origin:\n%s", csp)
	}
	if strings.Contains(csp, "'unsafe-eval'") {
		t.Errorf("modern bundle must not get unsafe-eval:\n%s", csp)
	}
}

func TestBuildCSPLegacyScript(t *testing.T) {
	csp := BuildCSP(CSPOptions{Policy: schema.NetNone, LegacyScript: true})
	if !strings.Contains(csp, "script-src 'self' 'unsafe-eval'") {
		t.Errorf("legacy bundle needs unsafe-eval:\n%s", csp)
	}
	if strings.Contains(csp, "script-src 'self' blob:") {
		t.Errorf("legacy bundle should not get blob: script source:\n%s", csp)
	}
}

func TestBuildCSPAllowCDN(t *testing.T) {
	csp := BuildCSP(CSPOptions{Policy: schema.NetNone, AllowCDN: true})
	for _, directive := range []string{"script-src", "style-src", "connect-src"} {
		if !directiveContains(csp, directive, cdnOrigin) {
			t.Errorf("%s missing CDN origin:\n%s", directive, csp)
		}
	}
}

func TestBuildCSPOpenNetDomains(t *testing.T) {
	csp := BuildCSP(CSPOptions{
		Policy:         schema.NetOpen,
		NetworkDomains: []string{"api.example.com", "https://data.example.com/v1/feed", "api.example.com"},
	})
	if !directiveContains(csp, "connect-src", "https://api.example.com") {
		t.Errorf("bare hostname not normalized to https origin:\n%s", csp)
	}
	if !directiveContains(csp, "connect-src", "https://data.example.com") {
		t.Errorf("URL not collapsed to origin:\n%s", csp)
	}
	if strings.Count(csp, "https://api.example.com") != 3 {
		// script-src, style-src and connect-src each list it once.
		t.Errorf("duplicate domains not collapsed:\n%s", csp)
	}
	if !directiveContains(csp, "img-src", "*") || !directiveContains(csp, "media-src", "*") {
		t.Errorf("open-net should widen img/media sources:\n%s", csp)
	}
}

func TestBuildCSPMediaOnly(t *testing.T) {
	csp := BuildCSP(CSPOptions{Policy: schema.NetMediaOnly})
	if !directiveContains(csp, "img-src", "*") {
		t.Errorf("media-only should widen img-src:\n%s", csp)
	}
	if directiveContains(csp, "connect-src", "*") || directiveContains(csp, "connect-src", "https:") {
		t.Errorf("media-only must not widen connect-src:\n%s", csp)
	}
}

func TestBuildCSPFrameAncestorsAlwaysSelf(t *testing.T) {
	csp := BuildCSP(CSPOptions{
		Policy:         schema.NetNone,
		FrameAncestors: []string{"https://example.com"},
	})
	if !strings.Contains(csp, "frame-ancestors 'self' https://example.com") {
		t.Errorf("'self' must lead frame-ancestors:\n%s", csp)
	}
}

func directiveContains(csp, directive, source string) bool {
	for _, part := range strings.Split(csp, "; ") {
		if strings.HasPrefix(part, directive+" ") {
			for _, s := range strings.Fields(part)[1:] {
				if s == source {
					return true
				}
			}
		}
	}
	return false
}

func TestNormalizeSource(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"'self'", "'self'"},
		{"*", "*"},
		{"https:", "https:"},
		{"data:", "data:"},
		{"api.example.com", "https://api.example.com"},
		{"https://api.example.com/path", "https://api.example.com"},
		{"*.example.com", "https://*.example.com"},
		{"wss://socket.example.com/x", "wss://socket.example.com"},
		{"  ", ""},
	}
	for _, tt := range tests {
		if got := normalizeSource(tt.in); got != tt.want {
			t.Errorf("normalizeSource(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
