// Package schema defines the wire and artifact types shared between the
// build pipeline, its workers, and downstream review tooling.
package schema

// BuildState is the persisted lifecycle state of a build.
type BuildState string

const (
	StateQueued          BuildState = "queued"
	StateAnalyze         BuildState = "analyze"
	StateBuild           BuildState = "build"
	StateBundle          BuildState = "bundle"
	StateBundleSecondary BuildState = "bundle_secondary"
	StateVerify          BuildState = "verify"
	StatePendingReview   BuildState = "pending_review"
	StateApproved        BuildState = "approved"
	StateRejected        BuildState = "rejected"
	StatePublished       BuildState = "published"
	StateFailed          BuildState = "failed"
)

// TerminalStates are the states from which the pipeline never advances.
var TerminalStates = map[BuildState]bool{
	StatePendingReview: true,
	StateApproved:      true,
	StateRejected:      true,
	StatePublished:     true,
	StateFailed:        true,
}

// IsTerminal reports whether s is a state the pipeline will never leave.
func IsTerminal(s BuildState) bool { return TerminalStates[s] }

// TimelineEntry records one state transition for audit and review UI.
type TimelineEntry struct {
	State      BuildState `json:"state"`
	Progress   int        `json:"progress"`
	HappenedAt int64      `json:"happened_at"`
}

// BuildRecord is the durable record for one build. It is the source of
// truth for resumability; events are derived from it, never the reverse.
type BuildRecord struct {
	ID            string          `json:"id"`
	ListingID     string          `json:"listing_id,omitempty"`
	ContentID     string          `json:"content_id,omitempty"`
	State         BuildState      `json:"state"`
	Progress      int             `json:"progress"`
	Error         string          `json:"error,omitempty"`
	Reasons       []string        `json:"reasons,omitempty"`
	NetworkPolicy NetworkPolicy   `json:"network_policy,omitempty"`
	LLMReportPath string          `json:"llm_report_path,omitempty"`
	Timeline      []TimelineEntry `json:"timeline,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
}

// ErrCancelled is the error string persisted when a build is cancelled.
// Cancellation shares the failed state but is reported distinctly in
// events and logs.
const ErrCancelled = "cancelled"

// NetworkPolicy restricts what network destinations a published bundle's
// runtime may reach.
type NetworkPolicy string

const (
	// NetNone blocks all network access. The default and the fallback for
	// every malformed or missing policy input.
	NetNone NetworkPolicy = "NO_NET"
	// NetMediaOnly allows fetching images/audio/video from any origin but
	// no programmatic network calls.
	NetMediaOnly NetworkPolicy = "MEDIA_ONLY"
	// NetOpen allows programmatic access to an explicit domain allow-list.
	NetOpen NetworkPolicy = "OPEN_NET"
	// NetReviewedOpen is open network pending mandatory human review.
	NetReviewedOpen NetworkPolicy = "REVIEWED_OPEN_NET"
	// NetProxy routes all traffic through the platform proxy origin.
	NetProxy NetworkPolicy = "PROXY"
)

// Permissions are the browser capabilities a bundle may request.
type Permissions struct {
	Camera      bool `json:"camera"`
	Microphone  bool `json:"microphone"`
	Geolocation bool `json:"geolocation"`
	Clipboard   bool `json:"clipboard"`
}

// Imports is the import surface detected in the submitted entry module.
type Imports struct {
	Bare []string `json:"bare,omitempty"`
	HTTP []string `json:"http,omitempty"`
}

// Manifest is the policy-bearing artifact written next to a build's bundle
// (manifest_v1.json). Reviewers and the serving layer read it to derive the
// Content-Security-Policy for the published app.
type Manifest struct {
	ID             string            `json:"id"`
	Entry          string            `json:"entry"`
	Description    string            `json:"description,omitempty"`
	NetworkPolicy  NetworkPolicy     `json:"networkPolicy"`
	NetworkDomains []string          `json:"networkDomains,omitempty"`
	Permissions    Permissions       `json:"permissions"`
	LegacyScript   bool              `json:"legacyScript,omitempty"`
	UsesStorage    bool              `json:"usesStorage,omitempty"`
	Imports        *Imports          `json:"imports,omitempty"`
	Dependencies   map[string]string `json:"dependencies,omitempty"`
}

// Advisory is an upstream risk report (for example an LLM review) consumed
// by the policy engine. It mirrors the manifest's policy fields; a missing
// or malformed advisory never fails a build.
type Advisory struct {
	NetworkPolicy  NetworkPolicy `json:"networkPolicy,omitempty"`
	NetworkDomains []string      `json:"networkDomains,omitempty"`
	Permissions    *Permissions  `json:"permissions,omitempty"`
	Notes          []string      `json:"notes,omitempty"`
}

// ASTSummary is the export-shape artifact produced by the analyze stage
// (AST_SUMMARY.json).
type ASTSummary struct {
	Entry            string   `json:"entry"`
	HasDefaultExport bool     `json:"hasDefaultExport"`
	HasMount         bool     `json:"hasMount"`
	Exports          []string `json:"exports"`
	Imports          Imports  `json:"imports"`
	EmptyEntry       bool     `json:"emptyEntry,omitempty"`
	GeneratedAt      int64    `json:"generatedAt"`
}

// ArtifactRef points at a produced artifact, relative to the review origin.
type ArtifactRef struct {
	Exists bool   `json:"exists"`
	URL    string `json:"url,omitempty"`
}

// ArtifactIndex is the artifacts.json file written by the secondary bundle
// stage so the review UI can locate the preview and the offline bundle.
type ArtifactIndex struct {
	PreviewIndex ArtifactRef `json:"previewIndex"`
	Bundle       ArtifactRef `json:"bundle"`
	OfflineTar   ArtifactRef `json:"offlineTar,omitempty"`
}
