// Package worktree manages git worktrees for isolated subagent execution.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/agusx1211/agenthub/internal/debug"
)

const (
	// Dir is the directory under the project root that holds worktrees.
	Dir = ".agenthub-worktrees"
	// BranchPrefix namespaces the branches created for subagents.
	BranchPrefix = "agenthub/"
)

// ErrNoCommits is returned when the repository has no HEAD commit to branch from.
var ErrNoCommits = errors.New("repository has no commits")

// Info describes a managed git worktree.
type Info struct {
	Path   string
	Branch string
}

// Manager creates and removes worktrees of one repository.
type Manager struct {
	repoRoot string
}

// NewManager creates a Manager rooted at the given git repository root.
func NewManager(repoRoot string) *Manager {
	return &Manager{repoRoot: repoRoot}
}

// IsRepo reports whether dir is the root of (or inside) a git repository.
func IsRepo(dir string) bool {
	_, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	return err == nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// BranchName returns the branch used for a worktree name.
func BranchName(name string) string {
	return BranchPrefix + sanitize(name)
}

// Path returns the directory of the named worktree.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.repoRoot, Dir, sanitize(name))
}

// EnsureBranch makes sure branch exists, creating it at HEAD when absent.
// An empty branch resolves to the current HEAD branch. It returns the
// resolved branch name.
func (m *Manager) EnsureBranch(branch string) (string, error) {
	repo, err := git.PlainOpen(m.repoRoot)
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", m.repoRoot, err)
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", ErrNoCommits
		}
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}

	branch = strings.TrimSpace(branch)
	if branch == "" {
		if !head.Name().IsBranch() {
			return "", fmt.Errorf("HEAD is detached; a base branch is required")
		}
		return head.Name().Short(), nil
	}

	ref := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(ref, true); err == nil {
		return branch, nil
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", fmt.Errorf("lookup branch %s: %w", branch, err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(ref, head.Hash())); err != nil {
		return "", fmt.Errorf("create branch %s: %w", branch, err)
	}
	debug.LogKV("worktree", "created base branch", "branch", branch, "head", head.Hash().String())
	return branch, nil
}

// Create creates the worktree called name on branch agenthub/<name>, rooted
// at baseBranch. An existing worktree with that name is reused.
func (m *Manager) Create(ctx context.Context, name, baseBranch string) (Info, error) {
	debug.LogKV("worktree", "Create()", "name", name, "base", baseBranch, "repo_root", m.repoRoot)
	info := Info{Path: m.Path(name), Branch: BranchName(name)}

	if st, err := os.Stat(info.Path); err == nil && st.IsDir() {
		return info, nil
	}

	base, err := m.EnsureBranch(baseBranch)
	if err != nil {
		return Info{}, err
	}
	if err := os.MkdirAll(filepath.Join(m.repoRoot, Dir), 0o755); err != nil {
		return Info{}, fmt.Errorf("creating worktree dir: %w", err)
	}

	args := []string{"worktree", "add", "-b", info.Branch, info.Path, base}
	if m.branchExists(info.Branch) {
		args = []string{"worktree", "add", info.Path, info.Branch}
	}
	if _, err := m.git(ctx, args...); err != nil {
		return Info{}, fmt.Errorf("worktree add: %w", err)
	}

	debug.LogKV("worktree", "created", "branch", info.Branch, "path", info.Path, "base", base)
	return info, nil
}

func (m *Manager) branchExists(branch string) bool {
	repo, err := git.PlainOpen(m.repoRoot)
	if err != nil {
		return false
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	return err == nil
}

// Remove removes a worktree and deletes its branch. Missing worktrees and
// branches are not an error.
func (m *Manager) Remove(ctx context.Context, wtPath, branch string) error {
	if wtPath != "" {
		if _, err := m.git(ctx, "worktree", "remove", "--force", wtPath); err != nil {
			if removeErr := os.RemoveAll(wtPath); removeErr != nil {
				m.git(ctx, "worktree", "prune")
				return fmt.Errorf("worktree remove failed (%w) and manual cleanup also failed: %v", err, removeErr)
			}
		}
		m.git(ctx, "worktree", "prune")
	}

	if branch == "" {
		return nil
	}
	repo, err := git.PlainOpen(m.repoRoot)
	if err != nil {
		return fmt.Errorf("open repository %s: %w", m.repoRoot, err)
	}
	ref := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.RemoveReference(ref); err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}

// ListActive returns the worktrees under the managed directory.
func (m *Manager) ListActive(ctx context.Context) ([]Info, error) {
	out, err := m.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	base := filepath.Join(m.repoRoot, Dir)
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}
	var result []Info
	var current Info
	flush := func() {
		if current.Path != "" && strings.HasPrefix(current.Path, base) {
			result = append(result, current)
		}
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			flush()
			current = Info{Path: strings.TrimPrefix(line, "worktree ")}
		} else if strings.HasPrefix(line, "branch ") {
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	flush()
	return result, nil
}

// CleanupStale removes worktrees older than maxAge or whose name is not in
// keep. It is safe to call on every startup.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration, keep map[string]bool) (removed int, _ error) {
	active, err := m.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	for _, wt := range active {
		shouldRemove := !keep[filepath.Base(wt.Path)]
		if !shouldRemove && maxAge > 0 {
			if info, err := os.Stat(wt.Path); err == nil && time.Since(info.ModTime()) > maxAge {
				shouldRemove = true
			}
		}
		if !shouldRemove {
			continue
		}
		if err := m.Remove(ctx, wt.Path, wt.Branch); err != nil {
			debug.LogKV("worktree", "CleanupStale: remove failed", "path", wt.Path, "branch", wt.Branch, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// git runs a git command in the repo root and returns combined output.
func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	debug.LogKV("worktree", "git exec", "cmd", "git "+strings.Join(args, " "), "dir", m.repoRoot)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		debug.LogKV("worktree", "git exec failed", "cmd", "git "+strings.Join(args, " "), "error", err, "output_len", len(out))
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}
