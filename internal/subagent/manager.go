// Package subagent owns the lifecycle of externally spawned CLI agents:
// workspace preparation, process start and resume, log capture, interrupt,
// kill, and archive.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/agenthub/internal/agent"
	"github.com/agusx1211/agenthub/internal/bus"
	"github.com/agusx1211/agenthub/internal/config"
	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/events"
	"github.com/agusx1211/agenthub/internal/hexid"
	"github.com/agusx1211/agenthub/internal/store"
	"github.com/agusx1211/agenthub/internal/worktree"
)

// Subagent is one subagent lifecycle record.
type Subagent = store.SubagentRecord

var (
	ErrNotFound = store.ErrNotFound
	ErrConflict = store.ErrConflict
	ErrInvalid  = errors.New("invalid")
	ErrClosed   = errors.New("subagent manager closed")
)

const (
	orphanedMessage     = "orphaned: process not running after restart"
	interruptTimeoutMsg = "interrupt timed out"
	shutdownMessage     = "hub shut down"
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// SpawnRequest describes a spawn or resume.
type SpawnRequest struct {
	ProjectID  string `json:"projectId"`
	Slug       string `json:"slug"`
	CLI        string `json:"cli"`
	Prompt     string `json:"prompt"`
	Mode       string `json:"mode,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
	Resume     bool   `json:"resume,omitempty"`
}

// RecordSpec describes a record created without starting a process. It is
// used by controllers that drive their own processes.
type RecordSpec struct {
	ProjectID     string
	Slug          string
	CLI           string
	Mode          string
	BaseBranch    string
	Prompt        string
	ExecutionType string
	Role          string
	GroupKey      string
	Iterations    int
	Iteration     int

	// WorkDir reuses an already prepared workspace owned by another record.
	WorkDir string
	Branch  string
}

// Controller drives a record that has no process of its own, such as a
// loop supervisor. Kill must not return until the controller has stopped.
type Controller interface {
	Interrupt()
	Kill()
}

// Options configures a Manager.
type Options struct {
	Store          *store.Store
	Projects       func(id string) (config.Project, bool)
	CLIs           func(name string) config.CLIConfig
	InterruptGrace time.Duration
}

// Manager is the only writer of subagent records.
type Manager struct {
	store    *store.Store
	projects func(id string) (config.Project, bool)
	clis     func(name string) config.CLIConfig
	grace    time.Duration
	bus      *bus.Bus[string, events.LogEvent]

	baseCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	slugLocks   map[slugKey]*sync.Mutex
	recordLocks map[string]*sync.Mutex
	runs        map[string]*run
	controllers map[string]Controller
	logs        map[string]*logState
	closed      bool
	wg          sync.WaitGroup
}

type slugKey struct {
	project string
	slug    string
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	grace := opts.InterruptGrace
	if grace <= 0 {
		grace = config.DefaultInterruptGrace
	}
	clis := opts.CLIs
	if clis == nil {
		clis = func(string) config.CLIConfig { return config.CLIConfig{} }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:       opts.Store,
		projects:    opts.Projects,
		clis:        clis,
		grace:       grace,
		bus:         bus.New[string, events.LogEvent]("subagent-logs", 0),
		baseCtx:     ctx,
		cancel:      cancel,
		slugLocks:   make(map[slugKey]*sync.Mutex),
		recordLocks: make(map[string]*sync.Mutex),
		runs:        make(map[string]*run),
		controllers: make(map[string]Controller),
		logs:        make(map[string]*logState),
	}
}

func (m *Manager) lockSlug(projectID, slug string) func() {
	key := slugKey{projectID, slug}
	m.mu.Lock()
	l, ok := m.slugLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.slugLocks[key] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// withRecordLock serializes read-modify-write cycles on one record.
func (m *Manager) withRecordLock(ctx context.Context, id string, fn func(*Subagent) error) (*Subagent, error) {
	m.mu.Lock()
	l, ok := m.recordLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.recordLocks[id] = l
	}
	m.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	rec, err := m.store.GetSubagent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := m.store.UpdateSubagent(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) project(id string) (config.Project, error) {
	if m.projects != nil {
		if p, ok := m.projects(id); ok {
			return p, nil
		}
	}
	return config.Project{}, fmt.Errorf("project %q: %w", id, ErrNotFound)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (m *Manager) validate(req *SpawnRequest) error {
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.Slug = strings.TrimSpace(req.Slug)
	req.CLI = strings.ToLower(strings.TrimSpace(req.CLI))
	req.Mode = strings.TrimSpace(req.Mode)

	if req.ProjectID == "" {
		return invalidf("projectId is required")
	}
	if req.Slug == "" {
		return invalidf("slug is required")
	}
	if !slugPattern.MatchString(req.Slug) {
		return invalidf("slug %q must be alphanumeric with . _ - (max 64 chars)", req.Slug)
	}
	if _, ok := agent.Lookup(req.CLI); !ok {
		return invalidf("cli %q is not supported (supported: %s)", req.CLI, strings.Join(agent.Names(), ", "))
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return invalidf("prompt is required")
	}
	switch req.Mode {
	case "":
		req.Mode = store.ModeWorktree
	case store.ModeWorktree, store.ModeMainRun:
	default:
		return invalidf("mode %q must be %q or %q", req.Mode, store.ModeMainRun, store.ModeWorktree)
	}
	return nil
}

// Spawn starts a subagent, or delivers the prompt to the live one when
// Resume is set. A failed process start is recorded on the returned
// subagent as status error rather than returned.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Subagent, error) {
	if err := m.validate(&req); err != nil {
		return nil, err
	}
	if _, err := m.project(req.ProjectID); err != nil {
		return nil, err
	}
	if m.isClosed() {
		return nil, ErrClosed
	}

	unlock := m.lockSlug(req.ProjectID, req.Slug)
	defer unlock()

	debug.LogKV("subagent", "Spawn()", "project", req.ProjectID, "slug", req.Slug, "cli", req.CLI, "mode", req.Mode, "resume", req.Resume)

	live, err := m.store.LiveSubagent(ctx, req.ProjectID, req.Slug)
	switch {
	case err == nil:
		if !req.Resume {
			return nil, fmt.Errorf("%w: slug %q already has a live subagent (%s)", ErrConflict, req.Slug, live.Status)
		}
		return m.resume(ctx, live, req.Prompt)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	rec, err := m.createRecordLocked(ctx, RecordSpec{
		ProjectID:  req.ProjectID,
		Slug:       req.Slug,
		CLI:        req.CLI,
		Mode:       req.Mode,
		BaseBranch: req.BaseBranch,
		Prompt:     req.Prompt,
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.start(ctx, rec.ID, req.Prompt, ""); err != nil {
		return nil, err
	}
	return m.store.GetSubagent(ctx, rec.ID)
}

// CreateRecord registers a subagent without starting a process. The slug
// must be free; the workspace is prepared unless spec.WorkDir is set.
func (m *Manager) CreateRecord(ctx context.Context, spec RecordSpec) (*Subagent, error) {
	if spec.Mode == "" {
		spec.Mode = store.ModeWorktree
	}
	if !slugPattern.MatchString(spec.Slug) {
		return nil, invalidf("slug %q is not valid", spec.Slug)
	}
	if m.isClosed() {
		return nil, ErrClosed
	}
	unlock := m.lockSlug(spec.ProjectID, spec.Slug)
	defer unlock()

	if live, err := m.store.LiveSubagent(ctx, spec.ProjectID, spec.Slug); err == nil {
		return nil, fmt.Errorf("%w: slug %q already has a live subagent (%s)", ErrConflict, spec.Slug, live.Status)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return m.createRecordLocked(ctx, spec)
}

func (m *Manager) createRecordLocked(ctx context.Context, spec RecordSpec) (*Subagent, error) {
	rec := &Subagent{
		ID:            hexid.NewN(6),
		ProjectID:     spec.ProjectID,
		Slug:          spec.Slug,
		CLI:           spec.CLI,
		Mode:          spec.Mode,
		BaseBranch:    spec.BaseBranch,
		Prompt:        truncatePrompt(spec.Prompt),
		Status:        store.StatusIdle,
		ExecutionType: spec.ExecutionType,
		Role:          spec.Role,
		GroupKey:      spec.GroupKey,
		Iterations:    spec.Iterations,
		Iteration:     spec.Iteration,
		WorkDir:       spec.WorkDir,
		Branch:        spec.Branch,
		LastActive:    time.Now().UTC(),
	}
	if rec.WorkDir == "" {
		workDir, branch, base, err := m.prepareWorkspace(ctx, spec, rec.ID)
		if err != nil {
			return nil, err
		}
		rec.WorkDir, rec.Branch, rec.BaseBranch = workDir, branch, base
	}
	if err := m.store.CreateSubagent(ctx, rec); err != nil {
		return nil, err
	}
	debug.LogKV("subagent", "record created", "id", rec.ID, "project", rec.ProjectID, "slug", rec.Slug, "workdir", rec.WorkDir, "branch", rec.Branch)
	return rec, nil
}

// worktreeName names the worktree of one record. Each lifecycle of a slug
// gets its own tree so an archived record keeps its workspace.
func worktreeName(slug, recordID string) string {
	return slug + "-" + recordID
}

func (m *Manager) prepareWorkspace(ctx context.Context, spec RecordSpec, recordID string) (workDir, branch, base string, _ error) {
	proj, err := m.project(spec.ProjectID)
	if err != nil {
		return "", "", "", err
	}
	if st, err := os.Stat(proj.Path); err != nil || !st.IsDir() {
		return "", "", "", invalidf("project %q path %q is not a directory", proj.ID, proj.Path)
	}
	if spec.Mode == store.ModeMainRun {
		return proj.Path, "", spec.BaseBranch, nil
	}
	if !worktree.IsRepo(proj.Path) {
		return "", "", "", invalidf("project %q is not a git repository; use mode %q", proj.ID, store.ModeMainRun)
	}
	wt := worktree.NewManager(proj.Path)
	resolved, err := wt.EnsureBranch(spec.BaseBranch)
	if err != nil {
		return "", "", "", fmt.Errorf("preparing base branch: %w", err)
	}
	info, err := wt.Create(ctx, worktreeName(spec.Slug, recordID), resolved)
	if err != nil {
		return "", "", "", err
	}
	return info.Path, info.Branch, resolved, nil
}

// StartRecord launches the record's CLI with prompt. The returned channel is
// closed once the record has settled into a terminal status.
func (m *Manager) StartRecord(ctx context.Context, id, prompt string) (<-chan struct{}, error) {
	return m.start(ctx, id, prompt, "")
}

func (m *Manager) start(ctx context.Context, id, prompt, resumeID string) (<-chan struct{}, error) {
	rec, err := m.store.GetSubagent(ctx, id)
	if err != nil {
		return nil, err
	}
	m.appendLog(id, events.LogEvent{Type: events.LogUser, Text: prompt})

	if err := os.MkdirAll(m.runDir(rec), 0o755); err == nil {
		_ = os.WriteFile(filepath.Join(m.runDir(rec), "prompt.md"), []byte(prompt), 0o644)
	}

	r := &run{recordID: id, done: make(chan struct{})}
	proc, err := m.launch(rec, prompt, resumeID)
	if err != nil {
		m.settle(r, store.StatusError, err.Error())
		return r.done, nil
	}
	r.proc = proc

	m.mu.Lock()
	m.runs[id] = r
	m.mu.Unlock()

	if _, err := m.withRecordLock(ctx, id, func(rec *Subagent) error {
		rec.Status = store.StatusRunning
		rec.PID = proc.PID()
		rec.LastError = ""
		rec.LastActive = time.Now().UTC()
		rec.Prompt = truncatePrompt(prompt)
		return nil
	}); err != nil {
		debug.LogKV("subagent", "failed to mark running", "id", id, "error", err)
	}

	m.wg.Add(1)
	go m.supervise(r)
	return r.done, nil
}

func (m *Manager) launch(rec *Subagent, prompt, resumeID string) (*agent.Process, error) {
	cliCfg := m.clis(rec.CLI)
	env := map[string]string{
		"AGENTHUB_PROJECT_ID": rec.ProjectID,
		"AGENTHUB_SLUG":       rec.Slug,
		"AGENTHUB_RUN_DIR":    m.runDir(rec),
	}
	for k, v := range cliCfg.Env {
		env[k] = v
	}
	return agent.Start(m.baseCtx, agent.Config{
		CLI:      rec.CLI,
		Command:  cliCfg.Command,
		Args:     cliCfg.Args,
		Env:      env,
		WorkDir:  rec.WorkDir,
		Prompt:   prompt,
		ResumeID: resumeID,
		PTY:      cliCfg.PTY,
	})
}

// runDir holds per-record scratch files such as the current prompt.
func (m *Manager) runDir(rec *Subagent) string {
	return filepath.Join(m.store.Root(), "runs", rec.ID)
}

func (m *Manager) resume(ctx context.Context, live *Subagent, prompt string) (*Subagent, error) {
	m.mu.Lock()
	r := m.runs[live.ID]
	m.mu.Unlock()

	if r != nil {
		delivered, err := r.deliver(prompt)
		if err != nil {
			return nil, err
		}
		if delivered {
			m.appendLog(live.ID, events.LogEvent{Type: events.LogUser, Text: prompt})
			return m.withRecordLock(ctx, live.ID, func(rec *Subagent) error {
				rec.LastActive = time.Now().UTC()
				return nil
			})
		}
		// The run is settling; wait for it and relaunch below.
		<-r.done
	}

	if r == nil && live.PID > 0 && agent.IsProcessAlive(live.PID) {
		return nil, fmt.Errorf("%w: subagent %q is still running detached (pid %d); kill it first", ErrConflict, live.Slug, live.PID)
	}

	m.mu.Lock()
	_, controlled := m.controllers[live.ID]
	m.mu.Unlock()
	if controlled || live.Role == store.RoleSupervisor {
		return nil, fmt.Errorf("%w: subagent %q is driven by a controller and cannot be resumed", ErrConflict, live.Slug)
	}

	current, err := m.store.GetSubagent(ctx, live.ID)
	if err != nil {
		return nil, err
	}
	if _, err := m.start(ctx, live.ID, prompt, current.CLISessionID); err != nil {
		return nil, err
	}
	return m.store.GetSubagent(ctx, live.ID)
}

// SetController attaches c to a record; Interrupt and Kill on that record
// are forwarded to it. A nil controller detaches.
func (m *Manager) SetController(id string, c Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == nil {
		delete(m.controllers, id)
		return
	}
	m.controllers[id] = c
}

// SetStatus records a status change made by a controller.
func (m *Manager) SetStatus(ctx context.Context, id, status, lastError string) (*Subagent, error) {
	if !store.ValidStatus(status) {
		return nil, invalidf("status %q", status)
	}
	rec, err := m.withRecordLock(ctx, id, func(rec *Subagent) error {
		rec.Status = status
		rec.LastError = lastError
		rec.LastActive = time.Now().UTC()
		return nil
	})
	if err == nil && status == store.StatusError && lastError != "" {
		m.appendLog(id, events.LogEvent{Type: events.LogError, Text: lastError})
	}
	return rec, err
}

// SetIteration records the loop pass a controller is on.
func (m *Manager) SetIteration(ctx context.Context, id string, iteration int) (*Subagent, error) {
	return m.withRecordLock(ctx, id, func(rec *Subagent) error {
		rec.Iteration = iteration
		rec.LastActive = time.Now().UTC()
		return nil
	})
}

// Record returns a record by id.
func (m *Manager) Record(ctx context.Context, id string) (*Subagent, error) {
	return m.store.GetSubagent(ctx, id)
}

// Group returns the records sharing a group key in creation order.
func (m *Manager) Group(ctx context.Context, groupKey string) ([]Subagent, error) {
	return m.store.SubagentsByGroup(ctx, groupKey)
}

// StopRecord interrupts or kills the process attached to a record, if any.
// Interrupts escalate to a kill after the grace period.
func (m *Manager) StopRecord(id string, kill bool) bool {
	m.mu.Lock()
	r := m.runs[id]
	m.mu.Unlock()
	if r == nil {
		return false
	}
	if kill {
		r.kill()
		return true
	}
	r.interrupt(m.grace)
	return true
}

// Get returns the live record for the slug, or the newest archived one.
func (m *Manager) Get(ctx context.Context, projectID, slug string) (*Subagent, error) {
	if _, err := m.project(projectID); err != nil {
		return nil, err
	}
	return m.current(ctx, projectID, slug)
}

func (m *Manager) current(ctx context.Context, projectID, slug string) (*Subagent, error) {
	live, err := m.store.LiveSubagent(ctx, projectID, slug)
	if err == nil {
		return live, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	all, err := m.store.ListSubagents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Slug == slug && !all[i].Killed {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("subagent %q: %w", slug, ErrNotFound)
}

// List returns a project's records that have not been killed. Archived
// records are included only when includeArchived is set.
func (m *Manager) List(ctx context.Context, projectID string, includeArchived bool) ([]Subagent, error) {
	if _, err := m.project(projectID); err != nil {
		return nil, err
	}
	all, err := m.store.ListSubagents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]Subagent, 0, len(all))
	for _, rec := range all {
		if rec.Killed || (rec.Archived && !includeArchived) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Interrupt asks the live process to stop. It returns without waiting; a
// process still running after the grace period is killed and marked error.
func (m *Manager) Interrupt(ctx context.Context, projectID, slug string) error {
	if _, err := m.project(projectID); err != nil {
		return err
	}
	unlock := m.lockSlug(projectID, slug)
	defer unlock()

	rec, err := m.store.LiveSubagent(ctx, projectID, slug)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("subagent %q: %w", slug, ErrNotFound)
		}
		return err
	}
	debug.LogKV("subagent", "Interrupt()", "id", rec.ID, "slug", slug)

	if m.StopRecord(rec.ID, false) {
		return nil
	}
	m.mu.Lock()
	c := m.controllers[rec.ID]
	m.mu.Unlock()
	if c != nil {
		c.Interrupt()
		return nil
	}
	return invalidf("subagent %q is not running", slug)
}

// Kill terminates the process, waits for it to exit, and removes the
// workspace and log. Killing an already killed slug succeeds.
func (m *Manager) Kill(ctx context.Context, projectID, slug string) error {
	proj, err := m.project(projectID)
	if err != nil {
		return err
	}
	unlock := m.lockSlug(projectID, slug)
	defer unlock()

	rec, err := m.current(ctx, projectID, slug)
	if errors.Is(err, ErrNotFound) {
		latest, lerr := m.store.LatestSubagent(ctx, projectID, slug)
		if lerr != nil {
			return fmt.Errorf("subagent %q: %w", slug, ErrNotFound)
		}
		// Already killed; make sure nothing was left behind.
		return m.removeWorkspace(ctx, proj, latest)
	}
	if err != nil {
		return err
	}
	debug.LogKV("subagent", "Kill()", "id", rec.ID, "slug", slug, "status", rec.Status)

	m.mu.Lock()
	c := m.controllers[rec.ID]
	r := m.runs[rec.ID]
	m.mu.Unlock()
	if c != nil {
		c.Kill()
	}
	if r != nil {
		r.kill()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if rec.PID > 0 {
		// Detached from a previous hub instance.
		if err := agent.KillDetached(ctx, rec.PID); err != nil {
			return err
		}
	}

	if rec.Role == store.RoleSupervisor && rec.GroupKey != "" {
		if err := m.killGroupWorkers(ctx, rec); err != nil {
			return err
		}
	}
	if err := m.removeWorkspace(ctx, proj, rec); err != nil {
		return err
	}
	if err := m.removeLog(rec.ID); err != nil {
		return fmt.Errorf("removing log: %w", err)
	}
	_, err = m.withRecordLock(ctx, rec.ID, func(rec *Subagent) error {
		rec.Killed = true
		rec.PID = 0
		if rec.Status == store.StatusRunning {
			rec.Status = store.StatusError
			rec.LastError = "killed"
		}
		rec.LastActive = time.Now().UTC()
		return nil
	})
	return err
}

func (m *Manager) killGroupWorkers(ctx context.Context, sup *Subagent) error {
	workers, err := m.store.SubagentsByGroup(ctx, sup.GroupKey)
	if err != nil {
		return err
	}
	for _, w := range workers {
		if w.ID == sup.ID || w.Killed {
			continue
		}
		m.mu.Lock()
		r := m.runs[w.ID]
		m.mu.Unlock()
		if r != nil {
			r.kill()
			<-r.done
		}
		if err := m.removeLog(w.ID); err != nil {
			return err
		}
		_ = os.RemoveAll(m.runDir(&w))
		if _, err := m.withRecordLock(ctx, w.ID, func(rec *Subagent) error {
			rec.Killed = true
			rec.PID = 0
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// removeWorkspace deletes what the record owns: its worktree and branch in
// worktree mode and its run dir. The project tree itself is never removed.
func (m *Manager) removeWorkspace(ctx context.Context, proj config.Project, rec *Subagent) error {
	if err := os.RemoveAll(m.runDir(rec)); err != nil {
		return fmt.Errorf("removing run dir: %w", err)
	}
	if rec.Role == store.RoleWorker || rec.Mode != store.ModeWorktree || rec.WorkDir == "" {
		return nil
	}
	if filepath.Clean(rec.WorkDir) == filepath.Clean(proj.Path) {
		return nil
	}
	return worktree.NewManager(proj.Path).Remove(ctx, rec.WorkDir, rec.Branch)
}

// Archive hides a finished subagent. Only terminal records can be archived.
func (m *Manager) Archive(ctx context.Context, projectID, slug string) (*Subagent, error) {
	if _, err := m.project(projectID); err != nil {
		return nil, err
	}
	unlock := m.lockSlug(projectID, slug)
	defer unlock()

	rec, err := m.current(ctx, projectID, slug)
	if err != nil {
		return nil, err
	}
	if rec.Archived {
		return rec, nil
	}
	if !store.IsTerminalStatus(rec.Status) || m.hasRun(rec.ID) || m.hasController(rec.ID) {
		return nil, fmt.Errorf("%w: subagent %q is %s; interrupt or kill it first", ErrConflict, slug, rec.Status)
	}
	return m.withRecordLock(ctx, rec.ID, func(rec *Subagent) error {
		rec.Archived = true
		return nil
	})
}

// Unarchive restores the newest archived record of the slug.
func (m *Manager) Unarchive(ctx context.Context, projectID, slug string) (*Subagent, error) {
	if _, err := m.project(projectID); err != nil {
		return nil, err
	}
	unlock := m.lockSlug(projectID, slug)
	defer unlock()

	rec, err := m.current(ctx, projectID, slug)
	if err != nil {
		return nil, err
	}
	if !rec.Archived {
		return rec, nil
	}
	// current only returns an archived record when no live one exists.
	return m.withRecordLock(ctx, rec.ID, func(rec *Subagent) error {
		rec.Archived = false
		return nil
	})
}

func (m *Manager) hasRun(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[id]
	return ok
}

func (m *Manager) hasController(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.controllers[id]
	return ok
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close stops every running process and waits for their records to settle.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	controllers := make([]Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		controllers = append(controllers, c)
	}
	m.mu.Unlock()

	for _, c := range controllers {
		c.Interrupt()
	}
	for _, r := range runs {
		r.close()
		r.interrupt(m.grace)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.cancel()
		<-done
	}
	m.cancel()
	return nil
}

const promptLimitBytes = 256 * 1024

func truncatePrompt(prompt string) string {
	if len(prompt) <= promptLimitBytes {
		return prompt
	}
	return prompt[:promptLimitBytes] + fmt.Sprintf("\n\n[Prompt truncated to %d bytes; original=%d bytes]\n", promptLimitBytes, len(prompt))
}
