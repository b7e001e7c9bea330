// Package policy decides whether a built app is safe to expose and what
// Content-Security-Policy its runtime gets. Everything here is
// side-effect-free over an already-populated bundle directory; missing
// or malformed security inputs always resolve to the most restrictive
// answer, never to a build failure.
package policy

import (
	"fmt"

	"github.com/thesara-space/appbuild/internal/config"
	"github.com/thesara-space/appbuild/pkg/schema"
)

// Decision is the policy engine's verdict for one build.
type Decision struct {
	// State is the terminal review state: pending_review or rejected.
	// Approval is a human action downstream, never decided here.
	State         schema.BuildState
	NetworkPolicy schema.NetworkPolicy
	Domains       []string
	Permissions   schema.Permissions
	LegacyScript  bool
	Reasons       []string
	CSP           string
}

// Engine evaluates bundle directories against the platform policy.
type Engine struct {
	cfg config.Config
}

func NewEngine(cfg config.Config) *Engine {
	return &Engine{cfg: cfg}
}

// Resolve normalizes a manifest's declared policy against platform
// configuration. It returns the effective tier, the domain allow-list
// (only ever non-empty for the domain-restricted tier), and the reasons
// for any downgrade.
func (e *Engine) Resolve(m schema.Manifest) (schema.NetworkPolicy, []string, []string) {
	tier := ParsePolicy(string(m.NetworkPolicy))
	var reasons []string
	var domains []string

	switch tier {
	case schema.NetOpen:
		domains = append(domains, m.NetworkDomains...)
		if len(domains) == 0 {
			// Declaring open-net without naming domains is a
			// configuration error; degrade instead of failing or
			// widening to the whole web.
			tier = schema.NetNone
			reasons = append(reasons, "open_net_missing_domains")
		}
	case schema.NetReviewedOpen:
		if !e.cfg.AllowUnrestrictedNet {
			tier = schema.NetNone
			reasons = append(reasons, "reviewed_open_net_disabled")
		}
	case schema.NetProxy:
		if e.cfg.ProxyOrigin == "" {
			tier = schema.NetNone
			reasons = append(reasons, "proxy_origin_unconfigured")
		}
	}
	return tier, domains, reasons
}

// FrameAncestors lists the origins allowed to embed the published app:
// the app itself, the public web origin, and the local dev servers
// outside production.
func (e *Engine) FrameAncestors() []string {
	ancestors := []string{"'self'"}
	if e.cfg.WebBase != "" {
		ancestors = append(ancestors, e.cfg.WebBase)
	}
	if !e.cfg.Production {
		ancestors = append(ancestors, "http://localhost:3000", "http://127.0.0.1:3000")
	}
	return ancestors
}

// Evaluate runs the full pipeline over a bundle dir: read manifest,
// resolve the network tier, apply the upstream advisory if one was
// provided, static-scan the scripts, and assemble the CSP. The
// returned decision is pending_review unless a banned pattern forces
// rejection.
func (e *Engine) Evaluate(dir, buildID string, adv *schema.Advisory) (Decision, error) {
	manifest, found := ReadManifest(dir, buildID)

	tier, domains, reasons := e.Resolve(manifest)
	legacy := manifest.LegacyScript || !found

	perms := manifest.Permissions
	if adv != nil {
		var advReasons []string
		tier, domains, perms, advReasons = applyAdvisory(*adv, tier, domains, perms)
		reasons = append(reasons, advReasons...)
	}

	// When the bundler left imports external it rewrote them to the
	// configured CDN; those URLs are the pipeline's own output.
	trusted := ""
	if e.cfg.ExternalESM {
		trusted = e.cfg.CDNBase
	}
	scan, err := Scan(dir, tier, trusted)
	if err != nil {
		return Decision{}, fmt.Errorf("policy evaluation: %w", err)
	}

	d := Decision{
		NetworkPolicy: tier,
		Domains:       domains,
		Permissions:   perms,
		LegacyScript:  legacy,
	}

	if len(scan.Banned) > 0 {
		d.State = schema.StateRejected
		d.Reasons = scan.Banned
		return d, nil
	}

	d.State = schema.StatePendingReview
	d.Reasons = append(d.Reasons, reasons...)
	if tier == schema.NetReviewedOpen {
		d.Reasons = append(d.Reasons, "reviewed-open-net")
	}
	d.Reasons = append(d.Reasons, scan.Risky...)

	d.CSP = BuildCSP(CSPOptions{
		Policy:         tier,
		NetworkDomains: domains,
		FrameAncestors: e.FrameAncestors(),
		AllowCDN:       e.cfg.AllowCDN,
		LegacyScript:   legacy,
	})
	return d, nil
}
