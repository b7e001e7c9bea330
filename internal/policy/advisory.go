package policy

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/thesara-space/appbuild/pkg/schema"
)

// AdvisoryFile is the upstream risk report dropped into a build's
// working directory by the review tooling.
const AdvisoryFile = "llm.json"

// ReadAdvisory loads the optional advisory report from dir. Missing or
// malformed reports are simply absent; an advisory can only tighten a
// decision, so losing one never fails a build.
func ReadAdvisory(dir string) (schema.Advisory, bool) {
	data, err := os.ReadFile(filepath.Join(dir, AdvisoryFile))
	if err != nil {
		return schema.Advisory{}, false
	}
	var adv schema.Advisory
	if err := json.Unmarshal(data, &adv); err != nil {
		return schema.Advisory{}, false
	}
	return adv, true
}

// tierRank orders network tiers from most to least restrictive, for
// most-restrictive-wins merging.
func tierRank(p schema.NetworkPolicy) int {
	switch p {
	case schema.NetNone:
		return 0
	case schema.NetMediaOnly:
		return 1
	case schema.NetProxy:
		return 2
	case schema.NetOpen:
		return 3
	case schema.NetReviewedOpen:
		return 4
	default:
		return 0
	}
}

// applyAdvisory tightens a resolved decision with the advisory report:
// the network tier can only go down, permissions can only be revoked,
// and advisory notes surface as review reasons.
func applyAdvisory(adv schema.Advisory, tier schema.NetworkPolicy, domains []string, perms schema.Permissions) (schema.NetworkPolicy, []string, schema.Permissions, []string) {
	var reasons []string

	if adv.NetworkPolicy != "" {
		advTier := ParsePolicy(string(adv.NetworkPolicy))
		if tierRank(advTier) < tierRank(tier) {
			tier = advTier
			reasons = append(reasons, "advisory_network_restricted")
			if tier != schema.NetOpen {
				domains = nil
			}
		}
		if tier == schema.NetOpen && len(adv.NetworkDomains) > 0 {
			domains = intersect(domains, adv.NetworkDomains)
			if len(domains) == 0 {
				// Open-net with no domains left must degrade, never
				// fall through to an unrestricted CSP.
				tier = schema.NetNone
				reasons = append(reasons, "advisory_network_restricted", "open_net_missing_domains")
			}
		}
	}

	if adv.Permissions != nil {
		perms = schema.Permissions{
			Camera:      perms.Camera && adv.Permissions.Camera,
			Microphone:  perms.Microphone && adv.Permissions.Microphone,
			Geolocation: perms.Geolocation && adv.Permissions.Geolocation,
			Clipboard:   perms.Clipboard && adv.Permissions.Clipboard,
		}
	}

	reasons = append(reasons, adv.Notes...)
	return tier, domains, perms, reasons
}

func intersect(a, b []string) []string {
	allowed := make(map[string]bool, len(b))
	for _, v := range b {
		allowed[v] = true
	}
	var out []string
	for _, v := range a {
		if allowed[v] {
			out = append(out, v)
		}
	}
	return out
}
