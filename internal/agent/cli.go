package agent

import (
	"sort"
	"strings"
)

// CLI describes how to launch one supported coding-agent CLI in
// non-interactive streaming mode.
type CLI struct {
	Name    string
	Command string

	// StreamInput reports whether the CLI accepts further prompts on stdin
	// while a turn is running. Other CLIs read the prompt until EOF.
	StreamInput bool

	args func(user []string, resumeID string) []string
}

// Args builds the full argument list from user-supplied extras and an
// optional CLI session id to resume.
func (c *CLI) Args(user []string, resumeID string) []string {
	return c.args(user, strings.TrimSpace(resumeID))
}

var clis = map[string]*CLI{
	"claude": {
		Name:        "claude",
		Command:     "claude",
		StreamInput: true,
		args: func(user []string, resumeID string) []string {
			args := make([]string, 0, len(user)+9)
			args = append(args, user...)
			args = append(args, "--print",
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose")
			if !hasFlag(user, "--dangerously-skip-permissions") {
				args = append(args, "--dangerously-skip-permissions")
			}
			if resumeID != "" {
				args = append(args, "--resume", resumeID)
			}
			return args
		},
	},
	"codex": {
		Name:    "codex",
		Command: "codex",
		args: func(user []string, resumeID string) []string {
			args := make([]string, 0, len(user)+8)
			args = append(args, "exec")
			if resumeID != "" {
				args = append(args, "resume", resumeID)
			}
			if !hasFlag(user, "--skip-git-repo-check") {
				args = append(args, "--skip-git-repo-check")
			}
			user = withoutFlag(user, "--full-auto")
			args = append(args, user...)
			if !hasFlag(user, "--dangerously-bypass-approvals-and-sandbox") && !hasFlag(user, "--yolo") {
				args = append(args, "--dangerously-bypass-approvals-and-sandbox")
			}
			if !hasFlag(user, "--json") && !hasFlag(user, "--experimental-json") {
				args = append(args, "--json")
			}
			// Read the prompt from stdin.
			return append(args, "-")
		},
	},
	"gemini": {
		Name:    "gemini",
		Command: "gemini",
		args: func(user []string, resumeID string) []string {
			args := make([]string, 0, len(user)+6)
			args = append(args, user...)
			args = append(args, "--output-format", "stream-json")
			if !hasFlag(user, "--yolo") && !hasFlag(user, "-y") {
				args = append(args, "--yolo")
			}
			if resumeID != "" {
				args = append(args, "--resume", resumeID)
			}
			// Empty -p keeps non-interactive mode with the prompt on stdin.
			return append(args, "-p", "")
		},
	},
	"opencode": {
		Name:    "opencode",
		Command: "opencode",
		args: func(user []string, resumeID string) []string {
			args := make([]string, 0, len(user)+5)
			args = append(args, "run")
			args = append(args, user...)
			args = append(args, "--format", "json")
			if resumeID != "" {
				args = append(args, "--session", resumeID)
			}
			return args
		},
	},
}

// Lookup returns the launch description for a supported CLI name.
func Lookup(name string) (*CLI, bool) {
	c, ok := clis[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Names lists the supported CLIs in sorted order.
func Names() []string {
	out := make([]string, 0, len(clis))
	for name := range clis {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LaunchArgs translates a model and reasoning level into CLI flags and
// environment for the given CLI.
func LaunchArgs(cli, model, reasoning string) ([]string, map[string]string) {
	model = strings.TrimSpace(model)
	reasoning = strings.TrimSpace(reasoning)
	var args []string
	env := map[string]string{}

	if model != "" {
		args = append(args, "--model", model)
	}
	switch cli {
	case "claude":
		if reasoning != "" {
			env["CLAUDE_CODE_EFFORT_LEVEL"] = reasoning
		}
	case "codex":
		if reasoning != "" {
			args = append(args, "-c", `model_reasoning_effort="`+reasoning+`"`)
		}
	}
	return args, env
}
