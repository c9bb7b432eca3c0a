package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the home directory at an empty temp dir so a developer's
// real global config cannot leak into a test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CHATRELAY_CONFIG", "")
	t.Setenv("CHATRELAY_MODEL", "")
	t.Setenv("CHATRELAY_STATE_DIR", "")
	t.Setenv("CHATRELAY_LISTEN", "")
	t.Setenv("CHATRELAY_RATE_DISABLED", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
}

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	work := t.TempDir()

	cfg, err := Load(work)
	require.NoError(t, err)

	assert.Equal(t, work, cfg.WorkDir)
	assert.Equal(t, 20, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 3600, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, 2000, cfg.Group.DebounceMs)
	assert.Equal(t, 900, cfg.Stream.ThrottleMs)
	assert.NotEmpty(t, cfg.Safety.ForbiddenPatterns)
	assert.Contains(t, cfg.StateDir, ".chatrelay")
}

func TestLoadProjectFileWithComments(t *testing.T) {
	isolate(t)
	work := t.TempDir()
	writeConfig(t, work, "chatrelay.json", `{
		// project overrides
		"rateLimit": { "maxRequests": 5 },
		"engine": { "model": "claude-sonnet-4-20250514" },
	}`)

	cfg, err := Load(work)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 3600, cfg.RateLimit.WindowSeconds, "unset fields keep their defaults")
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.Engine.Model)
}

func TestLoadProjectDirOverridesRoot(t *testing.T) {
	isolate(t)
	work := t.TempDir()
	sub := filepath.Join(work, ".chatrelay")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	writeConfig(t, work, "chatrelay.json", `{"group": {"debounceMs": 1000}, "engine": {"model": "root"}}`)
	writeConfig(t, sub, "chatrelay.json", `{"engine": {"model": "nested"}}`)

	cfg, err := Load(work)
	require.NoError(t, err)

	assert.Equal(t, "nested", cfg.Engine.Model, "the .chatrelay dir loads after the project root")
	assert.Equal(t, 1000, cfg.Group.DebounceMs)
}

func TestLoadGlobalThenProject(t *testing.T) {
	isolate(t)
	home := os.Getenv("HOME")
	globalDir := filepath.Join(home, ".chatrelay")
	require.NoError(t, os.MkdirAll(globalDir, 0o755))
	writeConfig(t, globalDir, "chatrelay.json", `{"engine": {"model": "global", "maxTokens": 9000}}`)

	work := t.TempDir()
	writeConfig(t, work, "chatrelay.jsonc", `{"engine": {"model": "project"}}`)

	cfg, err := Load(work)
	require.NoError(t, err)

	assert.Equal(t, "project", cfg.Engine.Model)
	assert.Equal(t, 9000, cfg.Engine.MaxTokens, "global fields survive unless the project overrides them")
}

func TestLoadExplicitConfigPath(t *testing.T) {
	isolate(t)
	extra := t.TempDir()
	writeConfig(t, extra, "override.json", `{"server": {"listen": "127.0.0.1:9999"}}`)
	t.Setenv("CHATRELAY_CONFIG", filepath.Join(extra, "override.json"))

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Listen)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("CHATRELAY_MODEL", "claude-opus-4-20250514")
	t.Setenv("CHATRELAY_RATE_DISABLED", "1")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "claude-opus-4-20250514", cfg.Engine.Model)
	assert.True(t, cfg.RateLimit.Disabled)
	assert.Equal(t, "sk-test", cfg.Engine.APIKey)
}

func TestLoadEnvInterpolation(t *testing.T) {
	isolate(t)
	t.Setenv("MY_SECRET", "s3cret")
	work := t.TempDir()
	writeConfig(t, work, "chatrelay.json", `{"engine": {"apiKey": "{env:MY_SECRET}"}}`)

	cfg, err := Load(work)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Engine.APIKey)
}

func TestMergeKeepsDstOnZeroSrc(t *testing.T) {
	dst := Defaults()
	src := Defaults()
	src.RateLimit.MaxRequests = 0
	src.Safety.ForbiddenPatterns = nil

	merge(&dst, &src)

	assert.Equal(t, 20, dst.RateLimit.MaxRequests)
	assert.NotEmpty(t, dst.Safety.ForbiddenPatterns)
}
