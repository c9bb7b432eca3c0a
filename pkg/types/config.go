package types

import "time"

// Config is the chatrelay configuration, loaded from JSONC files and
// environment overrides.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	// WorkDir is the working directory handed to the engine. Defaults to
	// the process working directory.
	WorkDir string `json:"workDir,omitempty"`

	// StateDir holds the session record and audit log. Defaults to
	// ~/.chatrelay.
	StateDir string `json:"stateDir,omitempty"`

	Engine    EngineConfig    `json:"engine,omitempty"`
	RateLimit RateLimitConfig `json:"rateLimit,omitempty"`
	Safety    SafetyConfig    `json:"safety,omitempty"`
	Group     GroupConfig     `json:"group,omitempty"`
	Stream    StreamConfig    `json:"stream,omitempty"`
	Thinking  []ThinkingTier  `json:"thinking,omitempty"`
	Server    ServerConfig    `json:"server,omitempty"`
}

// EngineConfig configures the conversational engine adapter.
type EngineConfig struct {
	Model     string `json:"model,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	BaseURL   string `json:"baseURL,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

// RateLimitConfig configures per-identity admission control.
type RateLimitConfig struct {
	// MaxRequests is the bucket capacity (admissions per window).
	MaxRequests int `json:"maxRequests,omitempty"`
	// WindowSeconds is the rolling refill window.
	WindowSeconds int `json:"windowSeconds,omitempty"`
	// Disabled turns admission control off entirely.
	Disabled bool `json:"disabled,omitempty"`
}

// Refill returns the token refill rate in tokens per second.
func (c RateLimitConfig) Refill() float64 {
	if c.WindowSeconds <= 0 {
		return 0
	}
	return float64(c.MaxRequests) / float64(c.WindowSeconds)
}

// SafetyConfig configures the path and command gate.
type SafetyConfig struct {
	// AllowedRoots are directories the engine may touch, in addition to
	// the system temp roots.
	AllowedRoots []string `json:"allowedRoots,omitempty"`
	// DeniedGlobs are doublestar patterns that deny a resolved path even
	// inside an allowed root.
	DeniedGlobs []string `json:"deniedGlobs,omitempty"`
	// ForbiddenPatterns are case-insensitive substrings that make a
	// command unsafe.
	ForbiddenPatterns []string `json:"forbiddenPatterns,omitempty"`
}

// GroupConfig configures the debounced group buffer.
type GroupConfig struct {
	// DebounceMs is the quiet period after the last item before a group
	// is flushed.
	DebounceMs int `json:"debounceMs,omitempty"`
}

// Debounce returns the debounce window as a duration.
func (c GroupConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// StreamConfig configures progress rendering.
type StreamConfig struct {
	// ThrottleMs is the minimum interval between edits of one segment.
	ThrottleMs int `json:"throttleMs,omitempty"`
	// DisplayCap is the truncation length for live in-progress renders.
	DisplayCap int `json:"displayCap,omitempty"`
	// UnitCap is the hard capacity of a single displayable unit.
	UnitCap int `json:"unitCap,omitempty"`
	// ThinkingCap is the truncation length for thinking indicators.
	ThinkingCap int `json:"thinkingCap,omitempty"`
}

// Throttle returns the per-segment edit throttle as a duration.
func (c StreamConfig) Throttle() time.Duration {
	return time.Duration(c.ThrottleMs) * time.Millisecond
}

// ThinkingTier maps trigger keywords to an engine thinking budget. Tiers are
// checked in order; the first tier with a matching keyword wins.
type ThinkingTier struct {
	Keywords []string `json:"keywords"`
	Budget   int      `json:"budget"`
}

// ServerConfig configures the status/SSE endpoint.
type ServerConfig struct {
	// Listen is the address for the status server, e.g. "127.0.0.1:7171".
	// Empty disables the server.
	Listen string `json:"listen,omitempty"`
}
