package event

import "github.com/chatrelay/chatrelay/pkg/types"

// QueryStartedData accompanies QueryStarted.
type QueryStartedData struct {
	Identity string `json:"identity"`
	Resumed  bool   `json:"resumed"`
}

// QueryCompletedData accompanies QueryCompleted.
type QueryCompletedData struct {
	Identity  string      `json:"identity"`
	SessionID string      `json:"sessionId,omitempty"`
	Usage     types.Usage `json:"usage"`
}

// QueryStoppedData accompanies QueryStopped.
type QueryStoppedData struct {
	// Interrupted is true when a new message preempted the turn rather
	// than a user-initiated stop.
	Interrupted bool `json:"interrupted"`
}

// QueryRetriedData accompanies QueryRetried after an engine crash.
type QueryRetriedData struct {
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
}

// ToolBlockedData accompanies ToolBlocked.
type ToolBlockedData struct {
	Tool   string `json:"tool"`
	Reason string `json:"reason"`
}

// RateLimitedData accompanies RateLimited.
type RateLimitedData struct {
	Identity   string  `json:"identity"`
	RetryAfter float64 `json:"retryAfter"`
}

// GroupFlushedData accompanies GroupFlushed.
type GroupFlushedData struct {
	GroupID string `json:"groupId"`
	Count   int    `json:"count"`
}

// SegmentUpdatedData accompanies SegmentUpdated.
type SegmentUpdatedData struct {
	SegmentID string `json:"segmentId"`
	Final     bool   `json:"final"`
}

// SessionSavedData accompanies SessionSaved.
type SessionSavedData struct {
	Record types.SessionRecord `json:"record"`
}
