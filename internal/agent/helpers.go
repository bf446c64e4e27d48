package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/agusx1211/agenthub/internal/debug"
)

const codexDefaultRustLog = "error,codex_core::rollout::list=off"

// buildEnv inherits the current environment, overlays extra, and adds the
// debug log variables when debug logging is on.
func buildEnv(cli string, extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	if cli == "codex" && !hasEnvKey(env, "RUST_LOG") {
		env = append(env, "RUST_LOG="+codexDefaultRustLog)
	}
	return debug.PropagatedEnv(env, "agent."+cli)
}

// setupProcessGroup starts the command in its own process group so signals
// reach the whole tree. Node-based CLIs spawn children that otherwise hold
// the pipes open after the parent dies.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
}

// signalGroup delivers sig to the process group led by pid, falling back to
// the process itself when the group is already gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// IsProcessAlive reports whether pid names a running process.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// KillDetached sends SIGKILL to the group of a process this hub did not
// start and waits until pid is gone or ctx ends.
func KillDetached(ctx context.Context, pid int) error {
	if !IsProcessAlive(pid) {
		return nil
	}
	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for IsProcessAlive(pid) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pid %d still running: %w", pid, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// extractExitCode interprets a process error as an exit code.
// Returns (0, nil) for a clean exit, (code, nil) for an ExitError,
// or (0, err) for any other error.
func extractExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// withoutFlag returns a copy of args with exact matches to flag removed.
func withoutFlag(args []string, flag string) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == flag {
			continue
		}
		out = append(out, a)
	}
	return out
}

func hasEnvKey(env []string, key string) bool {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return true
		}
	}
	return false
}
