// Package config loads chatrelay configuration from JSONC files and
// environment overrides.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tidwall/jsonc"

	"github.com/chatrelay/chatrelay/internal/safety"
	"github.com/chatrelay/chatrelay/pkg/types"
)

// Load loads configuration in priority order:
//  1. Global config (~/.chatrelay/)
//  2. Project config (<workDir>/chatrelay.json[c], <workDir>/.chatrelay/)
//  3. CHATRELAY_CONFIG file override
//  4. Environment variables
//
// Missing files are skipped; later sources win field-by-field.
func Load(workDir string) (*types.Config, error) {
	cfg := Defaults()

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return
		}
		if loadFile(path, &cfg) == nil {
			loaded[abs] = true
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		globalDir := filepath.Join(home, ".chatrelay")
		loadOnce(filepath.Join(globalDir, "chatrelay.json"))
		loadOnce(filepath.Join(globalDir, "chatrelay.jsonc"))
	}

	if workDir != "" {
		loadOnce(filepath.Join(workDir, "chatrelay.json"))
		loadOnce(filepath.Join(workDir, "chatrelay.jsonc"))
		loadOnce(filepath.Join(workDir, ".chatrelay", "chatrelay.json"))
		loadOnce(filepath.Join(workDir, ".chatrelay", "chatrelay.jsonc"))
	}

	if path := os.Getenv("CHATRELAY_CONFIG"); path != "" {
		loadOnce(path)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg, workDir)

	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() types.Config {
	return types.Config{
		RateLimit: types.RateLimitConfig{
			MaxRequests:   20,
			WindowSeconds: 3600,
		},
		Safety: types.SafetyConfig{
			ForbiddenPatterns: safety.DefaultForbiddenPatterns,
		},
		Group:  types.GroupConfig{DebounceMs: 2000},
		Stream: types.StreamConfig{ThrottleMs: 900, DisplayCap: 3900, UnitCap: 4096, ThinkingCap: 240},
	}
}

// loadFile merges one JSONC config file into cfg.
func loadFile(path string, cfg *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data)

	var file types.Config
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}

	merge(cfg, &file)
	return nil
}

// interpolate expands {env:VAR} placeholders.
func interpolate(data []byte) []byte {
	pattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	return pattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := pattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// merge overlays non-zero fields of src onto dst.
func merge(dst, src *types.Config) {
	if src.Schema != "" {
		dst.Schema = src.Schema
	}
	if src.WorkDir != "" {
		dst.WorkDir = src.WorkDir
	}
	if src.StateDir != "" {
		dst.StateDir = src.StateDir
	}

	if src.Engine.Model != "" {
		dst.Engine.Model = src.Engine.Model
	}
	if src.Engine.APIKey != "" {
		dst.Engine.APIKey = src.Engine.APIKey
	}
	if src.Engine.BaseURL != "" {
		dst.Engine.BaseURL = src.Engine.BaseURL
	}
	if src.Engine.MaxTokens > 0 {
		dst.Engine.MaxTokens = src.Engine.MaxTokens
	}

	if src.RateLimit.MaxRequests > 0 {
		dst.RateLimit.MaxRequests = src.RateLimit.MaxRequests
	}
	if src.RateLimit.WindowSeconds > 0 {
		dst.RateLimit.WindowSeconds = src.RateLimit.WindowSeconds
	}
	if src.RateLimit.Disabled {
		dst.RateLimit.Disabled = true
	}

	if len(src.Safety.AllowedRoots) > 0 {
		dst.Safety.AllowedRoots = src.Safety.AllowedRoots
	}
	if len(src.Safety.DeniedGlobs) > 0 {
		dst.Safety.DeniedGlobs = src.Safety.DeniedGlobs
	}
	if len(src.Safety.ForbiddenPatterns) > 0 {
		dst.Safety.ForbiddenPatterns = src.Safety.ForbiddenPatterns
	}

	if src.Group.DebounceMs > 0 {
		dst.Group.DebounceMs = src.Group.DebounceMs
	}

	if src.Stream.ThrottleMs > 0 {
		dst.Stream.ThrottleMs = src.Stream.ThrottleMs
	}
	if src.Stream.DisplayCap > 0 {
		dst.Stream.DisplayCap = src.Stream.DisplayCap
	}
	if src.Stream.UnitCap > 0 {
		dst.Stream.UnitCap = src.Stream.UnitCap
	}
	if src.Stream.ThinkingCap > 0 {
		dst.Stream.ThinkingCap = src.Stream.ThinkingCap
	}

	if len(src.Thinking) > 0 {
		dst.Thinking = src.Thinking
	}

	if src.Server.Listen != "" {
		dst.Server.Listen = src.Server.Listen
	}
}

// applyEnvOverrides applies environment variables, the highest-priority
// source.
func applyEnvOverrides(cfg *types.Config) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Engine.APIKey == "" {
		cfg.Engine.APIKey = key
	}
	if model := os.Getenv("CHATRELAY_MODEL"); model != "" {
		cfg.Engine.Model = model
	}
	if dir := os.Getenv("CHATRELAY_STATE_DIR"); dir != "" {
		cfg.StateDir = dir
	}
	if listen := os.Getenv("CHATRELAY_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
	if os.Getenv("CHATRELAY_RATE_DISABLED") == "1" {
		cfg.RateLimit.Disabled = true
	}
}

// applyDefaults fills derived fields a file cannot sensibly default.
func applyDefaults(cfg *types.Config, workDir string) {
	if cfg.WorkDir == "" {
		if workDir != "" {
			cfg.WorkDir = workDir
		} else if wd, err := os.Getwd(); err == nil {
			cfg.WorkDir = wd
		}
	}
	if cfg.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.StateDir = filepath.Join(home, ".chatrelay")
		} else {
			cfg.StateDir = ".chatrelay"
		}
	}
}
