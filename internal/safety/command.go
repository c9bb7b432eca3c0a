package safety

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// DefaultForbiddenPatterns are the command substrings rejected when the
// config does not supply its own list. Forced rm deletes are deliberately
// absent: those are screened by resolving their targets against the
// allowed roots, which a blanket "rm -rf /" substring would preempt for
// every absolute target.
var DefaultForbiddenPatterns = []string{
	"mkfs",
	"dd if=",
	":(){:|:&};:",
	"> /dev/sda",
	"chmod -r 777 /",
	"curl | sh",
	"curl | bash",
	"wget | sh",
	"wget | bash",
	"sudo rm",
	"git push --force origin main",
	"git push --force origin master",
}

// CheckCommandSafety reports whether a shell command is safe to run. It
// rejects any command containing a forbidden substring (case-insensitive,
// naming the matched pattern), and resolves the path arguments of
// recursive/forced deletes through IsPathAllowed. A delete-looking command
// that cannot be parsed is unsafe.
func (g *Gate) CheckCommandSafety(command string) (safe bool, reason string) {
	lower := strings.ToLower(command)

	g.mu.RLock()
	patterns := g.forbidden
	g.mu.RUnlock()
	if len(patterns) == 0 {
		patterns = lowered(DefaultForbiddenPatterns)
	}
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, p) {
			return false, "forbidden pattern: " + p
		}
	}

	cmds, err := parseCommands(command)
	if err != nil {
		if looksLikeDelete(lower) {
			return false, "unparseable delete command"
		}
		// Not delete-shaped; the substring screen above already ran.
		return true, ""
	}

	for _, cmd := range cmds {
		if !isForcedDelete(cmd) {
			continue
		}
		for _, target := range pathArgs(cmd) {
			if strings.Contains(target, "$") {
				return false, "unresolvable delete target: " + target
			}
			if !g.IsPathAllowed(target) {
				return false, "delete target outside allowed directories: " + target
			}
		}
	}

	return true, ""
}

// parsedCommand is one simple command extracted from a script.
type parsedCommand struct {
	Name string
	Args []string
}

// parseCommands parses a shell command line into its simple commands,
// including those nested in pipelines, lists, and substitutions.
func parseCommands(command string) ([]parsedCommand, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, err
	}

	var cmds []parsedCommand
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		name := flattenWord(call.Args[0])
		if name == "" {
			return true
		}
		cmd := parsedCommand{Name: name}
		for _, arg := range call.Args[1:] {
			cmd.Args = append(cmd.Args, flattenWord(arg))
		}
		cmds = append(cmds, cmd)
		return true
	})

	return cmds, nil
}

// flattenWord reduces a shell word to its literal text. Dynamic parts keep a
// placeholder so they still fail path checks downstream.
func flattenWord(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// isForcedDelete reports whether a command is a recursive or forced rm.
func isForcedDelete(cmd parsedCommand) bool {
	if cmd.Name != "rm" {
		return false
	}
	for _, arg := range cmd.Args {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		if arg == "--recursive" || arg == "--force" {
			return true
		}
		if !strings.HasPrefix(arg, "--") &&
			strings.ContainsAny(arg, "rRf") {
			return true
		}
	}
	return false
}

// pathArgs returns the non-flag arguments of a command.
func pathArgs(cmd parsedCommand) []string {
	var paths []string
	for _, arg := range cmd.Args {
		if strings.HasPrefix(arg, "-") || arg == "" {
			continue
		}
		paths = append(paths, arg)
	}
	return paths
}

// looksLikeDelete is the fail-closed screen for commands the parser rejects.
func looksLikeDelete(lower string) bool {
	return strings.Contains(lower, "rm ") || strings.HasSuffix(lower, "rm")
}

func lowered(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
