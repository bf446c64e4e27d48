package ralph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agusx1211/agenthub/internal/config"
	"github.com/agusx1211/agenthub/internal/store"
	"github.com/agusx1211/agenthub/internal/subagent"
)

type fixture struct {
	project config.Project
	mgr     *subagent.Manager
	ctl     *Controller
}

func newFixture(t *testing.T, script string) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	projectDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(projectDir, "PROMPT.md"), []byte("improve the code\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	bin := filepath.Join(t.TempDir(), "codex")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}

	f := &fixture{project: config.Project{ID: "p1", Path: projectDir}}
	projects := func(id string) (config.Project, bool) { return f.project, id == f.project.ID }
	f.mgr = subagent.NewManager(subagent.Options{
		Store:          st,
		Projects:       projects,
		CLIs:           func(string) config.CLIConfig { return config.CLIConfig{Command: bin} },
		InterruptGrace: 300 * time.Millisecond,
	})
	f.ctl = New(f.mgr, projects)
	t.Cleanup(func() {
		f.ctl.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.mgr.Close(ctx)
	})
	return f
}

func (f *fixture) spawn(t *testing.T, iterations int) *Group {
	t.Helper()
	g, err := f.ctl.Spawn(context.Background(), Request{
		ProjectID:  "p1",
		CLI:        "codex",
		Iterations: iterations,
		PromptFile: "PROMPT.md",
		Mode:       store.ModeMainRun,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return g
}

func waitLoops(t *testing.T, c *Controller) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("loop did not finish")
	}
}

const okScript = `cat >/dev/null
echo '{"type":"thread.started","thread_id":"t"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"pass done"}}'
`

func TestSpawnValidation(t *testing.T) {
	f := newFixture(t, okScript)
	ctx := context.Background()
	outside := filepath.Join(t.TempDir(), "secret.md")
	if err := os.WriteFile(outside, []byte("not a prompt"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(f.project.Path, "link.md")); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"gemini rejected", Request{ProjectID: "p1", CLI: "gemini", Iterations: 1, PromptFile: "PROMPT.md"}, ErrInvalid},
		{"zero iterations", Request{ProjectID: "p1", CLI: "codex", Iterations: 0, PromptFile: "PROMPT.md"}, ErrInvalid},
		{"missing prompt file", Request{ProjectID: "p1", CLI: "codex", Iterations: 1, PromptFile: "nope.md"}, ErrInvalid},
		{"absolute path outside project", Request{ProjectID: "p1", CLI: "codex", Iterations: 1, PromptFile: outside}, ErrInvalid},
		{"relative path escaping project", Request{ProjectID: "p1", CLI: "codex", Iterations: 1, PromptFile: "../" + filepath.Base(filepath.Dir(outside)) + "/secret.md"}, ErrInvalid},
		{"symlink out of project", Request{ProjectID: "p1", CLI: "codex", Iterations: 1, PromptFile: "link.md"}, ErrInvalid},
		{"unknown project", Request{ProjectID: "p9", CLI: "claude", Iterations: 1, PromptFile: "PROMPT.md"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.ctl.Spawn(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoopRunsEveryIteration(t *testing.T) {
	f := newFixture(t, okScript)
	g := f.spawn(t, 3)
	if g.Supervisor.Role != store.RoleSupervisor || g.Supervisor.ExecutionType != store.ExecutionRalphLoop {
		t.Fatalf("supervisor = %+v", g.Supervisor)
	}
	if g.Supervisor.Status != store.StatusRunning {
		t.Fatalf("supervisor status = %s, want running", g.Supervisor.Status)
	}
	waitLoops(t, f.ctl)

	members, status, err := f.ctl.Describe(context.Background(), g.GroupKey)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(members) != 4 {
		t.Fatalf("members = %d, want supervisor + 3 workers", len(members))
	}
	if status != store.StatusReplied {
		t.Fatalf("display status = %s", status)
	}
	sup := members[0]
	if sup.Status != store.StatusReplied || sup.Iteration != 3 {
		t.Fatalf("supervisor = %s iteration %d", sup.Status, sup.Iteration)
	}
	for i, w := range members[1:] {
		if w.Role != store.RoleWorker || w.Iteration != i+1 || w.Iterations != 3 {
			t.Fatalf("worker %d = %+v", i, w)
		}
		if w.WorkDir != sup.WorkDir {
			t.Fatalf("worker workdir %q, want %q", w.WorkDir, sup.WorkDir)
		}
		if want := sup.Slug + "-w" + string(rune('1'+i)); w.Slug != want {
			t.Fatalf("worker slug %q, want %q", w.Slug, want)
		}
	}
}

func TestWorkerFailureStopsLoop(t *testing.T) {
	f := newFixture(t, "cat >/dev/null\nexit 1\n")
	g := f.spawn(t, 3)
	waitLoops(t, f.ctl)

	members, _, err := f.ctl.Describe(context.Background(), g.GroupKey)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %d, want supervisor + 1 worker", len(members))
	}
	if members[0].Status != store.StatusError || members[0].LastError == "" {
		t.Fatalf("supervisor = %s / %q", members[0].Status, members[0].LastError)
	}
}

func TestKillSupervisorStopsLoop(t *testing.T) {
	f := newFixture(t, "cat >/dev/null\nwhile :; do sleep 0.05; done\n")
	g := f.spawn(t, 5)
	ctx := context.Background()

	deadline := time.Now().Add(5 * time.Second)
	for {
		members, _, _ := f.ctl.Describe(ctx, g.GroupKey)
		if len(members) == 2 && members[1].Status == store.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker never started: %+v", members)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := f.mgr.Kill(ctx, "p1", g.Supervisor.Slug); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitLoops(t, f.ctl)

	members, _, err := f.ctl.Describe(ctx, g.GroupKey)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("live members after kill = %+v", members)
	}
	if _, err := os.Stat(filepath.Join(f.project.Path, "PROMPT.md")); err != nil {
		t.Fatalf("project tree touched: %v", err)
	}
}

func TestInterruptSupervisorStopsLoop(t *testing.T) {
	f := newFixture(t, "cat >/dev/null\ntrap 'exit 130' INT\nwhile :; do sleep 0.05; done\n")
	g := f.spawn(t, 5)
	ctx := context.Background()

	time.Sleep(300 * time.Millisecond)
	if err := f.mgr.Interrupt(ctx, "p1", g.Supervisor.Slug); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	waitLoops(t, f.ctl)

	sup, err := f.mgr.Get(ctx, "p1", g.Supervisor.Slug)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sup.Status != store.StatusError || sup.Iteration >= 5 {
		t.Fatalf("supervisor = %s iteration %d (%q)", sup.Status, sup.Iteration, sup.LastError)
	}
}

func TestDisplayStatusPriority(t *testing.T) {
	rec := func(status string) subagent.Subagent { return subagent.Subagent{Status: status} }
	tests := []struct {
		in   []subagent.Subagent
		want string
	}{
		{nil, store.StatusIdle},
		{[]subagent.Subagent{rec("idle"), rec("replied")}, store.StatusReplied},
		{[]subagent.Subagent{rec("replied"), rec("error")}, store.StatusError},
		{[]subagent.Subagent{rec("error"), rec("running"), rec("idle")}, store.StatusRunning},
	}
	for _, tt := range tests {
		if got := DisplayStatus(tt.in); got != tt.want {
			t.Errorf("DisplayStatus(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestGroupStatusShowsRunningWorker(t *testing.T) {
	sup := subagent.Subagent{ID: "s", Role: store.RoleSupervisor, GroupKey: "g", Status: store.StatusIdle}
	records := []subagent.Subagent{
		sup,
		{ID: "w1", Role: store.RoleWorker, GroupKey: "g", Status: store.StatusReplied},
		{ID: "w2", Role: store.RoleWorker, GroupKey: "g", Status: store.StatusRunning},
		{ID: "x", GroupKey: "other", Status: store.StatusError},
	}
	if got := GroupStatus(sup, records); got != store.StatusRunning {
		t.Fatalf("GroupStatus = %s, want running", got)
	}
	if got := GroupStatus(records[1], records); got != store.StatusReplied {
		t.Fatalf("worker GroupStatus = %s", got)
	}
}

func TestResolvePromptFileInsideProject(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "prompts"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "prompts", "p.md"), []byte("go"), 0o644); err != nil {
		t.Fatal(err)
	}
	root, _ := filepath.EvalSymlinks(dir)
	want := filepath.Join(root, "prompts", "p.md")
	for _, in := range []string{"prompts/p.md", filepath.Join(dir, "prompts", "p.md"), "prompts/../prompts/p.md"} {
		got, err := resolvePromptFile(dir, in)
		if err != nil || got != want {
			t.Fatalf("resolvePromptFile(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}
