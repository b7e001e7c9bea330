package schema

// StateEvent is emitted on every stage transition of a build.
type StateEvent struct {
	BuildID    string     `json:"build_id"`
	State      BuildState `json:"state"`
	Progress   int        `json:"progress"`
	HappenedAt int64      `json:"happened_at"`
}

// FinalStatus distinguishes the terminal outcomes reported to subscribers.
type FinalStatus string

const (
	FinalSuccess   FinalStatus = "success"
	FinalFailed    FinalStatus = "failed"
	FinalCancelled FinalStatus = "cancelled"
)

// FinalEvent is the last event emitted for a build. Delivery is
// fire-and-forget; the build record store is the durable source of truth.
type FinalEvent struct {
	BuildID    string      `json:"build_id"`
	Status     FinalStatus `json:"status"`
	ListingID  string      `json:"listing_id,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	HappenedAt int64       `json:"happened_at"`
}

// BuildJob is the message delivered through the durable queue to the
// worker path. ContentID, when set, names the submitted source content in
// the content store so the offline bundle can be attached to it as a
// derived artifact.
type BuildJob struct {
	BuildID    string `json:"build_id"`
	ListingID  string `json:"listing_id,omitempty"`
	ContentID  string `json:"content_id,omitempty"`
	HappenedAt int64  `json:"happened_at"`
}
