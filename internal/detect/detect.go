// Package detect finds the agent CLIs subagents can be launched with.
package detect

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/agenthub/internal/agent"
	"github.com/agusx1211/agenthub/internal/config"
)

const versionProbeTimeout = 1800 * time.Millisecond

var semverRE = regexp.MustCompile(`(?i)\bv?(\d+\.\d+(?:\.\d+)?(?:[-+][0-9A-Za-z.-]+)?)\b`)

// CLI describes one supported agent CLI on this machine.
type CLI struct {
	Name      string `json:"name"`
	Command   string `json:"command"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Installed bool   `json:"installed"`
}

// Scan resolves every supported CLI, honoring command overrides from
// overrides. Version probes run concurrently; results keep agent.Names order.
func Scan(ctx context.Context, overrides func(name string) config.CLIConfig) []CLI {
	names := agent.Names()
	out := make([]CLI, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		command := ""
		if overrides != nil {
			command = strings.TrimSpace(overrides(name).Command)
		}
		if command == "" {
			if c, ok := agent.Lookup(name); ok {
				command = c.Command
			}
		}
		out[i] = CLI{Name: name, Command: command}

		path, ok := resolveBinaryPath(command)
		if !ok {
			continue
		}
		out[i].Path = path
		out[i].Installed = true
		wg.Add(1)
		go func(c *CLI) {
			defer wg.Done()
			c.Version = detectVersion(ctx, c.Path)
		}(&out[i])
	}
	wg.Wait()
	return out
}

func resolveBinaryPath(binary string) (string, bool) {
	if binary == "" {
		return "", false
	}
	if strings.ContainsRune(binary, os.PathSeparator) {
		return executablePath(binary)
	}

	candidates := make([]string, 0, 1+len(knownInstallDirs()))
	if p, err := exec.LookPath(binary); err == nil {
		candidates = append(candidates, p)
	}
	for _, dir := range knownInstallDirs() {
		candidates = append(candidates, filepath.Join(dir, binary))
	}

	for _, path := range candidates {
		if real, ok := executablePath(path); ok {
			return real, true
		}
	}
	return "", false
}

func knownInstallDirs() []string {
	dirs := []string{
		"/usr/local/bin",
		"/usr/bin",
		"/opt/homebrew/bin",
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, "bin"),
			filepath.Join(home, ".npm-global", "bin"),
		)
	}
	return dirs
}

func executablePath(path string) (string, bool) {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return "", false
	}
	if runtime.GOOS != "windows" && fi.Mode()&0111 == 0 {
		return "", false
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		abs = resolved
	}
	return abs, true
}

func detectVersion(ctx context.Context, commandPath string) string {
	attempts := [][]string{{"--version"}, {"-v"}, {"version"}}

	for _, args := range attempts {
		out, err := runVersionProbe(ctx, commandPath, args)
		if err != nil && out == "" {
			continue
		}
		if version := parseVersion(out); version != "" {
			return version
		}
	}
	return "unknown"
}

func runVersionProbe(ctx context.Context, commandPath string, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, commandPath, args...)
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, ctx.Err()
	}
	return out, err
}

func parseVersion(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}
	if matches := semverRE.FindStringSubmatch(output); len(matches) > 1 {
		return matches[1]
	}

	line := output
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > 48 {
		line = line[:48]
	}
	return line
}
