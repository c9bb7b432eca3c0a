// Package safety validates filesystem paths and shell commands the engine
// attempts to use. It is deliberately conservative: false positives are
// acceptable, false negatives are not.
package safety

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/pkg/types"
)

// BlockedError is returned when the gate rejects an action. The turn that
// triggered it must be aborted, not continued without the tool.
type BlockedError struct {
	Tool   string
	Reason string
}

func (e *BlockedError) Error() string {
	return "blocked " + e.Tool + ": " + e.Reason
}

// Gate validates paths against allowed roots and commands against forbidden
// patterns. Rules can be swapped at runtime via Reload (config hot reload).
type Gate struct {
	mu sync.RWMutex

	allowedRoots []string
	deniedGlobs  []string
	forbidden    []string

	tempRoots []string
	workDir   string
	homeDir   string

	log zerolog.Logger
}

// New creates a Gate for the given working directory. The working directory
// is always an allowed root.
func New(cfg types.SafetyConfig, workDir string) *Gate {
	home, _ := os.UserHomeDir()
	g := &Gate{
		tempRoots: tempRoots(),
		workDir:   workDir,
		homeDir:   home,
		log:       logging.Component("safety"),
	}
	g.Reload(cfg)
	return g
}

// Reload replaces the configurable rule set.
func (g *Gate) Reload(cfg types.SafetyConfig) {
	roots := make([]string, 0, len(cfg.AllowedRoots)+1)
	roots = append(roots, resolveRoot(g.workDir))
	for _, r := range cfg.AllowedRoots {
		roots = append(roots, resolveRoot(expandHome(r, g.homeDir)))
	}

	forbidden := make([]string, len(cfg.ForbiddenPatterns))
	for i, p := range cfg.ForbiddenPatterns {
		forbidden[i] = strings.ToLower(p)
	}

	g.mu.Lock()
	g.allowedRoots = roots
	g.deniedGlobs = append([]string(nil), cfg.DeniedGlobs...)
	g.forbidden = forbidden
	g.mu.Unlock()

	g.log.Debug().
		Strs("roots", roots).
		Int("patterns", len(forbidden)).
		Msg("rules loaded")
}

// IsPathAllowed reports whether a path resolves inside a temp root or an
// allowed root. Traversal via ".." is defeated by resolution, not string
// matching: the path is made absolute, cleaned, and symlink-resolved when it
// exists on disk.
func (g *Gate) IsPathAllowed(path string) bool {
	resolved, ok := g.resolve(path)
	if !ok {
		return false
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, glob := range g.deniedGlobs {
		if matched, err := doublestar.Match(glob, resolved); err == nil && matched {
			return false
		}
	}

	for _, root := range g.tempRoots {
		if within(resolved, root) {
			return true
		}
	}
	for _, root := range g.allowedRoots {
		if within(resolved, root) {
			return true
		}
	}
	return false
}

// InTempRoot reports whether a path resolves inside a designated temp root.
func (g *Gate) InTempRoot(path string) bool {
	resolved, ok := g.resolve(path)
	if !ok {
		return false
	}
	for _, root := range g.tempRoots {
		if within(resolved, root) {
			return true
		}
	}
	return false
}

// resolve normalizes a path to an absolute, symlink-free form. A path that
// does not exist yet has no realpath; fall back to lexical resolution of its
// absolute form.
func (g *Gate) resolve(path string) (string, bool) {
	path = expandHome(path, g.homeDir)

	if !filepath.IsAbs(path) {
		path = filepath.Join(g.workDir, path)
	}
	path = filepath.Clean(path)

	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, true
	} else if !os.IsNotExist(err) {
		// Unresolvable for a reason other than absence: fail closed.
		return "", false
	}
	return path, true
}

// within reports whether path equals root or sits under it.
func within(path, root string) bool {
	if root == "" {
		return false
	}
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// expandHome expands a leading "~" or "~/".
func expandHome(path, home string) string {
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// resolveRoot canonicalizes a configured root so prefix checks line up with
// resolved candidate paths.
func resolveRoot(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		return filepath.Clean(root)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return filepath.Clean(abs)
}

// tempRoots returns the designated temp roots, symlink-resolved (macOS's
// /tmp is a symlink into /private).
func tempRoots() []string {
	candidates := []string{os.TempDir(), "/tmp", "/var/tmp"}
	seen := make(map[string]bool, len(candidates))
	var roots []string
	for _, c := range candidates {
		r := resolveRoot(c)
		if !seen[r] {
			seen[r] = true
			roots = append(roots, r)
		}
	}
	return roots
}
