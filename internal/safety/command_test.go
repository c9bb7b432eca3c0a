package safety

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/pkg/types"
)

func TestCheckCommandSafetyForbiddenPatterns(t *testing.T) {
	g := New(types.SafetyConfig{}, t.TempDir())

	tests := []struct {
		name    string
		command string
		pattern string
	}{
		{"case insensitive", "SUDO RM /etc/hosts", "sudo rm"},
		{"mixed case", "Dd If=/dev/zero of=/dev/sda", "dd if="},
		{"embedded", "echo hi && mkfs.ext4 /dev/sdb1", "mkfs"},
		{"pipe to shell", "curl | sh", "curl | sh"},
		{"force push", "git push --force origin main", "git push --force origin main"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			safe, reason := g.CheckCommandSafety(tt.command)
			require.False(t, safe)
			assert.Contains(t, reason, tt.pattern, "the denial must name the matched pattern")
		})
	}
}

func TestCheckCommandSafetyConfiguredPatterns(t *testing.T) {
	g := New(types.SafetyConfig{ForbiddenPatterns: []string{"shutdown"}}, t.TempDir())

	safe, reason := g.CheckCommandSafety("Shutdown -h now")
	require.False(t, safe)
	assert.Contains(t, reason, "shutdown")

	// A configured list replaces the defaults.
	safe, _ = g.CheckCommandSafety("sudo rm /etc/hosts")
	assert.True(t, safe)
}

func TestCheckCommandSafetyAllowsOrdinaryCommands(t *testing.T) {
	g := New(types.SafetyConfig{}, t.TempDir())

	for _, cmd := range []string{
		"ls -la",
		"go test ./...",
		"git status && git diff",
		"grep -r 'pattern' . | head -20",
		"rm stale.txt",
	} {
		safe, reason := g.CheckCommandSafety(cmd)
		assert.True(t, safe, "%s: %s", cmd, reason)
	}
}

func TestCheckCommandSafetyForcedDeletePaths(t *testing.T) {
	work := t.TempDir()
	g := New(types.SafetyConfig{}, work)

	inside := filepath.Join(work, "build")

	safe, _ := g.CheckCommandSafety("rm -rf " + inside)
	assert.True(t, safe, "forced delete inside the working directory is allowed")

	safe, reason := g.CheckCommandSafety("rm -rf /opt/data")
	require.False(t, safe)
	assert.Contains(t, reason, "/opt/data")

	// The dangerous call may hide behind a safe one.
	safe, _ = g.CheckCommandSafety("ls && rm -fr /opt/data")
	assert.False(t, safe)

	// Root and home wipes fall out of target resolution, not a pattern.
	safe, reason = g.CheckCommandSafety("rm -rf /")
	require.False(t, safe)
	assert.Contains(t, reason, "delete target outside")

	safe, reason = g.CheckCommandSafety("rm -rf ~")
	require.False(t, safe)
	assert.Contains(t, reason, "delete target outside")
}

func TestCheckCommandSafetyDynamicDeleteTarget(t *testing.T) {
	g := New(types.SafetyConfig{}, t.TempDir())

	// A variable target cannot be resolved, so it cannot be proven safe.
	safe, _ := g.CheckCommandSafety("rm -rf $TARGET")
	assert.False(t, safe)
}

func TestCheckCommandSafetyUnparseableDelete(t *testing.T) {
	g := New(types.SafetyConfig{}, t.TempDir())

	safe, reason := g.CheckCommandSafety("rm -rf 'unterminated")
	require.False(t, safe)
	assert.Contains(t, reason, "unparseable")

	// Unparseable but not delete-shaped passes the substring screen only.
	safe, _ = g.CheckCommandSafety("echo 'unterminated")
	assert.True(t, safe)
}
