// Package ralph drives ralph loops: a fixed prompt file run through one CLI
// for a planned number of sequential passes. The loop is surfaced as one
// supervisor subagent plus one worker record per pass, all sharing a group key.
package ralph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agusx1211/agenthub/internal/config"
	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/hexid"
	"github.com/agusx1211/agenthub/internal/store"
	"github.com/agusx1211/agenthub/internal/subagent"
)

// SupportedCLIs lists the CLIs a loop may run.
var SupportedCLIs = []string{"claude", "codex"}

var (
	ErrInvalid  = subagent.ErrInvalid
	ErrNotFound = subagent.ErrNotFound
)

// Request describes a loop to start.
type Request struct {
	ProjectID  string `json:"projectId"`
	CLI        string `json:"cli"`
	Iterations int    `json:"iterations"`
	PromptFile string `json:"promptFile"`
	Mode       string `json:"mode,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
}

// Group is a started loop.
type Group struct {
	GroupKey   string            `json:"groupKey"`
	Supervisor subagent.Subagent `json:"supervisor"`
}

// Records is the subset of the subagent manager a loop needs.
type Records interface {
	CreateRecord(ctx context.Context, spec subagent.RecordSpec) (*subagent.Subagent, error)
	StartRecord(ctx context.Context, id, prompt string) (<-chan struct{}, error)
	StopRecord(id string, kill bool) bool
	SetStatus(ctx context.Context, id, status, lastError string) (*subagent.Subagent, error)
	SetIteration(ctx context.Context, id string, iteration int) (*subagent.Subagent, error)
	SetController(id string, c subagent.Controller)
	Record(ctx context.Context, id string) (*subagent.Subagent, error)
	Group(ctx context.Context, groupKey string) ([]subagent.Subagent, error)
}

// Controller starts loops and tracks the running ones.
type Controller struct {
	records  Records
	projects func(id string) (config.Project, bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Controller.
func New(records Records, projects func(id string) (config.Project, bool)) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{records: records, projects: projects, ctx: ctx, cancel: cancel}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Spawn validates req, creates the supervisor record and starts the loop.
func (c *Controller) Spawn(ctx context.Context, req Request) (*Group, error) {
	req.CLI = strings.ToLower(strings.TrimSpace(req.CLI))
	if !supported(req.CLI) {
		return nil, invalidf("cli %q is not supported for ralph loops (supported: %s)", req.CLI, strings.Join(SupportedCLIs, ", "))
	}
	if req.Iterations < 1 {
		return nil, invalidf("iterations must be >= 1")
	}
	switch req.Mode {
	case "", store.ModeMainRun, store.ModeWorktree:
	default:
		return nil, invalidf("mode %q must be %q or %q", req.Mode, store.ModeMainRun, store.ModeWorktree)
	}
	if strings.TrimSpace(req.PromptFile) == "" {
		return nil, invalidf("promptFile is required")
	}
	proj, ok := c.projects(req.ProjectID)
	if !ok {
		return nil, fmt.Errorf("project %q: %w", req.ProjectID, ErrNotFound)
	}
	promptPath, err := resolvePromptFile(proj.Path, req.PromptFile)
	if err != nil {
		return nil, invalidf("prompt file: %v", err)
	}
	prompt, err := readPrompt(promptPath)
	if err != nil {
		return nil, invalidf("prompt file: %v", err)
	}

	groupKey := hexid.Prefixed("ralph")
	slug := "ralph-" + hexid.New()
	sup, err := c.records.CreateRecord(ctx, subagent.RecordSpec{
		ProjectID:     req.ProjectID,
		Slug:          slug,
		CLI:           req.CLI,
		Mode:          req.Mode,
		BaseBranch:    req.BaseBranch,
		Prompt:        prompt,
		ExecutionType: store.ExecutionRalphLoop,
		Role:          store.RoleSupervisor,
		GroupKey:      groupKey,
		Iterations:    req.Iterations,
	})
	if err != nil {
		return nil, err
	}
	debug.LogKV("ralph", "loop created", "supervisor", sup.ID, "slug", slug, "group", groupKey, "cli", req.CLI, "iterations", req.Iterations)

	l := &loop{
		c:          c,
		sup:        *sup,
		promptPath: promptPath,
		prompt:     prompt,
		done:       make(chan struct{}),
	}
	c.records.SetController(sup.ID, l)
	if sup, err = c.records.SetStatus(ctx, sup.ID, store.StatusRunning, ""); err != nil {
		c.records.SetController(l.sup.ID, nil)
		return nil, err
	}

	c.wg.Add(1)
	go l.run()
	return &Group{GroupKey: groupKey, Supervisor: *sup}, nil
}

// Wait blocks until every loop started by c has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close stops every loop and waits for them.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

func supported(cli string) bool {
	for _, s := range SupportedCLIs {
		if s == cli {
			return true
		}
	}
	return false
}

// resolvePromptFile returns the path of file, which must lie inside the
// project directory once symlinks are resolved.
func resolvePromptFile(projectPath, file string) (string, error) {
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectPath, path)
	}
	root, err := filepath.EvalSymlinks(projectPath)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q is outside the project directory", file)
	}
	return resolved, nil
}

func readPrompt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("file is empty")
	}
	return prompt, nil
}

// loop runs one group's iterations and acts as the supervisor's controller.
type loop struct {
	c          *Controller
	sup        subagent.Subagent
	promptPath string
	prompt     string
	done       chan struct{}

	mu          sync.Mutex
	current     string
	interrupted bool
	killed      bool
}

// Interrupt stops the loop after interrupting the running worker.
func (l *loop) Interrupt() {
	l.mu.Lock()
	l.interrupted = true
	current := l.current
	l.mu.Unlock()
	if current != "" {
		l.c.records.StopRecord(current, false)
	}
}

// Kill stops the loop and the running worker and waits for the loop to exit.
func (l *loop) Kill() {
	l.mu.Lock()
	l.killed = true
	current := l.current
	l.mu.Unlock()
	if current != "" {
		l.c.records.StopRecord(current, true)
	}
	<-l.done
}

func (l *loop) stopped() (interrupted, killed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interrupted || l.c.ctx.Err() != nil, l.killed
}

func (l *loop) setCurrent(id string) {
	l.mu.Lock()
	l.current = id
	l.mu.Unlock()
}

func (l *loop) run() {
	defer l.c.wg.Done()
	defer close(l.done)
	defer l.c.records.SetController(l.sup.ID, nil)

	status, lastError := l.iterate()
	if _, killed := l.stopped(); killed {
		debug.LogKV("ralph", "loop killed", "supervisor", l.sup.ID)
		return
	}
	if _, err := l.c.records.SetStatus(context.Background(), l.sup.ID, status, lastError); err != nil {
		debug.LogKV("ralph", "failed to set supervisor status", "supervisor", l.sup.ID, "error", err)
	}
	debug.LogKV("ralph", "loop finished", "supervisor", l.sup.ID, "status", status, "error", lastError)
}

func (l *loop) iterate() (status, lastError string) {
	ctx := l.c.ctx
	total := l.sup.Iterations
	for i := 1; i <= total; i++ {
		if interrupted, killed := l.stopped(); interrupted || killed {
			return store.StatusError, fmt.Sprintf("interrupted before iteration %d/%d", i, total)
		}

		prompt := l.prompt
		if fresh, err := readPrompt(l.promptPath); err == nil {
			prompt = fresh
		}

		if _, err := l.c.records.SetIteration(ctx, l.sup.ID, i); err != nil {
			return store.StatusError, err.Error()
		}
		worker, err := l.c.records.CreateRecord(ctx, subagent.RecordSpec{
			ProjectID:     l.sup.ProjectID,
			Slug:          fmt.Sprintf("%s-w%d", l.sup.Slug, i),
			CLI:           l.sup.CLI,
			Mode:          l.sup.Mode,
			BaseBranch:    l.sup.BaseBranch,
			Prompt:        prompt,
			ExecutionType: store.ExecutionRalphLoop,
			Role:          store.RoleWorker,
			GroupKey:      l.sup.GroupKey,
			Iterations:    total,
			Iteration:     i,
			WorkDir:       l.sup.WorkDir,
			Branch:        l.sup.Branch,
		})
		if err != nil {
			return store.StatusError, fmt.Sprintf("iteration %d: %v", i, err)
		}
		l.setCurrent(worker.ID)
		debug.LogKV("ralph", "iteration start", "supervisor", l.sup.ID, "worker", worker.ID, "iteration", i, "of", total)

		// A stop request may have arrived before current was set.
		if interrupted, killed := l.stopped(); interrupted || killed {
			l.c.records.SetStatus(ctx, worker.ID, store.StatusError, "loop stopped")
			return store.StatusError, fmt.Sprintf("interrupted before iteration %d/%d", i, total)
		}

		done, err := l.c.records.StartRecord(ctx, worker.ID, prompt)
		if err != nil {
			return store.StatusError, fmt.Sprintf("iteration %d: %v", i, err)
		}
		if interrupted, killed := l.stopped(); killed {
			l.c.records.StopRecord(worker.ID, true)
		} else if interrupted {
			l.c.records.StopRecord(worker.ID, false)
		}
		<-done
		l.setCurrent("")

		rec, err := l.c.records.Record(context.Background(), worker.ID)
		if err != nil {
			return store.StatusError, err.Error()
		}
		if interrupted, _ := l.stopped(); interrupted {
			return store.StatusError, fmt.Sprintf("interrupted at iteration %d/%d", i, total)
		}
		if rec.Status == store.StatusError {
			return store.StatusError, fmt.Sprintf("worker %s failed: %s", rec.Slug, rec.LastError)
		}
	}
	return store.StatusReplied, ""
}
