package policy

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/thesara-space/appbuild/pkg/schema"
)

const cdnOrigin = "https://esm.sh"

// Payment widget origins allowed platform-wide.
var (
	paymentConnectOrigins = []string{"https://api.stripe.com"}
	paymentFrameOrigins   = []string{"https://js.stripe.com", "https://m.stripe.network"}
)

// CSPOptions feed BuildCSP. Policy is expected to be the already
// normalized decision from Resolve; BuildCSP itself never widens an
// inconsistent input.
type CSPOptions struct {
	Policy         schema.NetworkPolicy
	NetworkDomains []string
	FrameAncestors []string
	AllowCDN       bool
	LegacyScript   bool
}

var (
	schemeOnlyRe = regexp.MustCompile(`^(?:https?|wss?):$`)
	dataSchemeRe = regexp.MustCompile(`(?i)^(?:data|blob|mediastream|filesystem):`)
	absoluteRe   = regexp.MustCompile(`(?i)^(?:https?|wss?)://`)
)

// normalizeSource canonicalizes one CSP source expression: keyword
// sources and wildcards pass through, bare hostnames become https
// origins, full URLs collapse to their origin.
func normalizeSource(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "'") || trimmed == "*" {
		return trimmed
	}
	if schemeOnlyRe.MatchString(trimmed) {
		return strings.ToLower(trimmed)
	}
	if dataSchemeRe.MatchString(trimmed) {
		return strings.ToLower(trimmed)
	}
	if strings.Contains(trimmed, "*") {
		if absoluteRe.MatchString(trimmed) {
			return trimmed
		}
		return "https://" + trimmed
	}
	if absoluteRe.MatchString(trimmed) {
		if u, err := url.Parse(trimmed); err == nil && u.Host != "" {
			return u.Scheme + "://" + u.Host
		}
		return trimmed
	}
	if u, err := url.Parse("https://" + trimmed); err == nil && u.Host != "" {
		return "https://" + u.Host
	}
	return trimmed
}

func normalizeSources(values []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, v := range values {
		src := normalizeSource(v)
		if src == "" || seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
	}
	return out
}

// sourceSet keeps insertion order so the emitted header is stable.
type sourceSet struct {
	order []string
	seen  map[string]bool
}

func newSourceSet(values ...string) *sourceSet {
	s := &sourceSet{seen: map[string]bool{}}
	s.add(values...)
	return s
}

func (s *sourceSet) add(values ...string) {
	for _, v := range values {
		if v == "" || s.seen[v] {
			continue
		}
		s.seen[v] = true
		s.order = append(s.order, v)
	}
}

// BuildCSP serializes the Content-Security-Policy for a published app.
func BuildCSP(opts CSPOptions) string {
	policy := opts.Policy
	if policy == "" {
		policy = schema.NetNone
	}
	domains := normalizeSources(opts.NetworkDomains)

	scriptSrc := newSourceSet("'self'")
	styleSrc := newSourceSet("'self'", "'unsafe-inline'") // CSS-in-JS
	connectSrc := newSourceSet("'self'", "blob:")
	frameSrc := newSourceSet("'self'")

	if opts.LegacyScript {
		// Legacy app.js bundles often rely on eval-like constructs.
		scriptSrc.add("'unsafe-eval'")
	} else {
		// Modern bundles may spawn inline workers via blob URLs.
		scriptSrc.add("blob:")
	}

	if opts.AllowCDN {
		scriptSrc.add(cdnOrigin)
		styleSrc.add(cdnOrigin)
		connectSrc.add(cdnOrigin)
	}

	for _, domain := range domains {
		scriptSrc.add(domain)
		styleSrc.add(domain)
		connectSrc.add(domain)
	}

	connectSrc.add(paymentConnectOrigins...)
	frameSrc.add(paymentFrameOrigins...)

	open := policy == schema.NetMediaOnly || policy == schema.NetOpen
	imgSrc := []string{"'self'", "data:", "blob:"}
	mediaSrc := []string{"'self'", "blob:"}
	if open {
		imgSrc = []string{"*", "data:", "blob:"}
		mediaSrc = []string{"*", "blob:"}
	}

	ancestors := normalizeSources(opts.FrameAncestors)
	hasSelf := false
	for _, a := range ancestors {
		if a == "'self'" {
			hasSelf = true
			break
		}
	}
	if !hasSelf {
		ancestors = append([]string{"'self'"}, ancestors...)
	}

	directives := []string{
		"default-src 'self'",
		"script-src " + strings.Join(scriptSrc.order, " "),
		"style-src " + strings.Join(styleSrc.order, " "),
		"img-src " + strings.Join(imgSrc, " "),
		"media-src " + strings.Join(mediaSrc, " "),
		"connect-src " + strings.Join(connectSrc.order, " "),
		"frame-src " + strings.Join(frameSrc.order, " "),
		"base-uri 'none'",
		"object-src 'none'",
		"frame-ancestors " + strings.Join(ancestors, " "),
	}
	return strings.Join(directives, "; ")
}
