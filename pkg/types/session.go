// Package types provides the core data types shared across chatrelay.
package types

import "time"

// Session is the state of the single long-running conversation. There is
// exactly one per process; the orchestrator owns it and guards all access.
type Session struct {
	// ID is the engine's opaque conversation identity. Empty means no
	// active conversation. Set once the engine confirms an identity,
	// cleared only by an explicit kill.
	ID string `json:"id,omitempty"`

	// Running is true while an engine event stream is being consumed.
	Running bool `json:"running"`

	// Processing is true from admission until the turn concludes.
	Processing bool `json:"processing"`

	// QueryStartedAt is when the in-flight turn began, nil when idle.
	QueryStartedAt *time.Time `json:"queryStartedAt,omitempty"`

	// CurrentTool is the display name of the tool the engine is using
	// right now; LastTool is the most recent one seen this turn.
	CurrentTool string `json:"currentTool,omitempty"`
	LastTool    string `json:"lastTool,omitempty"`

	// LastUsage is the token accounting from the most recent completed turn.
	LastUsage Usage `json:"lastUsage"`

	LastError     string     `json:"lastError,omitempty"`
	LastErrorTime *time.Time `json:"lastErrorTime,omitempty"`
}

// Usage is a token accounting snapshot reported by the engine's result event.
type Usage struct {
	InputTokens     int `json:"inputTokens"`
	OutputTokens    int `json:"outputTokens"`
	CacheReadTokens int `json:"cacheReadTokens,omitempty"`
}

// Total returns the combined token count for the turn.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens
}

// SessionRecord is the durable single-record session file, overwritten
// wholesale each time a new session identity is adopted.
type SessionRecord struct {
	SessionID  string    `json:"sessionId"`
	SavedAt    time.Time `json:"savedAt"`
	WorkingDir string    `json:"workingDirectory"`
}

// AuditRecord is one append-only audit log entry.
type AuditRecord struct {
	ID         string    `json:"id"`
	Identity   string    `json:"identity"`
	Kind       string    `json:"kind"` // "message" | "group" | "rate_limited"
	Content    string    `json:"content,omitempty"`
	Response   string    `json:"response,omitempty"`
	RetryAfter float64   `json:"retryAfter,omitempty"`
	At         time.Time `json:"at"`
}
