package store

import "strings"

const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusReplied = "replied"
	StatusError   = "error"
)

const (
	ModeMainRun  = "main-run"
	ModeWorktree = "worktree"
)

const (
	ExecutionRalphLoop = "ralph_loop"
	RoleSupervisor     = "supervisor"
	RoleWorker         = "worker"
)

// IsTerminalStatus reports whether a subagent with this status has no
// process attached and may be archived.
func IsTerminalStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusIdle, StatusReplied, StatusError:
		return true
	default:
		return false
	}
}

// ValidStatus reports whether status is one of the subagent states.
func ValidStatus(status string) bool {
	switch status {
	case StatusIdle, StatusRunning, StatusReplied, StatusError:
		return true
	}
	return false
}
