package subagent

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agusx1211/agenthub/internal/config"
	"github.com/agusx1211/agenthub/internal/events"
	"github.com/agusx1211/agenthub/internal/store"
	"github.com/agusx1211/agenthub/internal/worktree"
)

const codexReply = `prompt=$(cat)
echo "$@" >> "$AGENTHUB_RUN_DIR/../args.log"
echo '{"type":"thread.started","thread_id":"t-1"}'
printf '{"type":"item.completed","item":{"type":"agent_message","text":"echo: %s"}}\n' "$prompt"
echo '{"type":"turn.completed"}'
`

const codexHang = `cat >/dev/null
echo '{"type":"thread.started","thread_id":"t-hang"}'
trap 'echo bye >&2; exit 130' INT
while :; do sleep 0.05; done
`

type harness struct {
	t       *testing.T
	store   *store.Store
	mgr     *Manager
	project config.Project
	scripts map[string]string
}

func newHarness(t *testing.T, projectPath string) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		t:       t,
		store:   st,
		project: config.Project{ID: "p1", Name: "P1", Path: projectPath},
		scripts: map[string]string{},
	}
	h.mgr = NewManager(Options{
		Store: st,
		Projects: func(id string) (config.Project, bool) {
			return h.project, id == h.project.ID
		},
		CLIs: func(name string) config.CLIConfig {
			return config.CLIConfig{Command: h.scripts[name]}
		},
		InterruptGrace: 300 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.mgr.Close(ctx)
	})
	return h
}

func (h *harness) script(cli, body string) {
	h.t.Helper()
	path := filepath.Join(h.t.TempDir(), cli)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		h.t.Fatalf("write script: %v", err)
	}
	h.scripts[cli] = path
}

func (h *harness) spawn(req SpawnRequest) *Subagent {
	h.t.Helper()
	if req.ProjectID == "" {
		req.ProjectID = h.project.ID
	}
	if req.CLI == "" {
		req.CLI = "codex"
	}
	if req.Prompt == "" {
		req.Prompt = "do the thing"
	}
	rec, err := h.mgr.Spawn(context.Background(), req)
	if err != nil {
		h.t.Fatalf("Spawn(%s): %v", req.Slug, err)
	}
	return rec
}

// waitSettled polls until the slug's record leaves running.
func (h *harness) waitSettled(slug string) *Subagent {
	h.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := h.mgr.Get(context.Background(), h.project.ID, slug)
		if err != nil {
			h.t.Fatalf("Get(%s): %v", slug, err)
		}
		if rec.Status != store.StatusRunning && !h.mgr.hasRun(rec.ID) {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	h.t.Fatalf("%s did not settle", slug)
	return nil
}

func (h *harness) logTypes(slug string) []string {
	h.t.Helper()
	page, err := h.mgr.Logs(context.Background(), h.project.ID, slug, 0)
	if err != nil {
		h.t.Fatalf("Logs: %v", err)
	}
	var types []string
	for _, ev := range page.Events {
		types = append(types, ev.Type)
	}
	return types
}

func TestSpawnWorktreeRunsToReplied(t *testing.T) {
	repo := initGitRepo(t)
	h := newHarness(t, repo)
	h.script("codex", codexReply)

	rec := h.spawn(SpawnRequest{Slug: "fix-1", Prompt: "hello"})
	if rec.Mode != store.ModeWorktree {
		t.Fatalf("Mode = %q, want worktree", rec.Mode)
	}
	if rec.WorkDir != filepath.Join(repo, worktree.Dir, "fix-1-"+rec.ID) || rec.Branch != "agenthub/fix-1-"+rec.ID {
		t.Fatalf("workspace = %q on %q", rec.WorkDir, rec.Branch)
	}
	if rec.BaseBranch != "main" {
		t.Fatalf("BaseBranch = %q, want main", rec.BaseBranch)
	}

	done := h.waitSettled("fix-1")
	if done.Status != store.StatusReplied {
		t.Fatalf("Status = %q (%s), want replied", done.Status, done.LastError)
	}
	if done.CLISessionID != "t-1" {
		t.Fatalf("CLISessionID = %q", done.CLISessionID)
	}

	page, err := h.mgr.Logs(context.Background(), "p1", "fix-1", 0)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(page.Events) < 3 {
		t.Fatalf("events = %+v", page.Events)
	}
	first := page.Events[0]
	if first.Type != events.LogUser || first.Text != "hello" || first.Index != 0 {
		t.Fatalf("first event = %+v", first)
	}
	last := page.Events[len(page.Events)-1]
	if last.Type != events.LogAssistant || last.Text != "echo: hello" {
		t.Fatalf("last event = %+v", last)
	}
	for i, ev := range page.Events {
		if ev.Index != i {
			t.Fatalf("event %d has index %d", i, ev.Index)
		}
	}
	if page.Cursor != len(page.Events) {
		t.Fatalf("Cursor = %d, want %d", page.Cursor, len(page.Events))
	}
}

func TestSpawnBaseBranchCreatedAtHEAD(t *testing.T) {
	repo := initGitRepo(t)
	h := newHarness(t, repo)
	h.script("codex", codexReply)

	h.spawn(SpawnRequest{Slug: "feat", BaseBranch: "release/next"})
	h.waitSettled("feat")
	base := strings.TrimSpace(gitOutput(t, repo, "rev-parse", "release/next"))
	head := strings.TrimSpace(gitOutput(t, repo, "rev-parse", "HEAD"))
	if base != head {
		t.Fatalf("release/next = %s, want %s", base, head)
	}
}

func TestSpawnValidation(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.script("codex", codexReply)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SpawnRequest
		want error
	}{
		{"unsupported cli", SpawnRequest{ProjectID: "p1", Slug: "a", CLI: "vim", Prompt: "x"}, ErrInvalid},
		{"bad slug", SpawnRequest{ProjectID: "p1", Slug: "../etc", CLI: "codex", Prompt: "x"}, ErrInvalid},
		{"missing prompt", SpawnRequest{ProjectID: "p1", Slug: "a", CLI: "codex"}, ErrInvalid},
		{"bad mode", SpawnRequest{ProjectID: "p1", Slug: "a", CLI: "codex", Prompt: "x", Mode: "docker"}, ErrInvalid},
		{"unknown project", SpawnRequest{ProjectID: "nope", Slug: "a", CLI: "codex", Prompt: "x"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.mgr.Spawn(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWorktreeModeRequiresRepo(t *testing.T) {
	h := newHarness(t, t.TempDir())
	h.script("codex", codexReply)
	_, err := h.mgr.Spawn(context.Background(), SpawnRequest{ProjectID: "p1", Slug: "a", CLI: "codex", Prompt: "x"})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestSpawnLiveSlugConflicts(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.script("codex", codexReply)

	h.spawn(SpawnRequest{Slug: "dup"})
	h.waitSettled("dup")

	_, err := h.mgr.Spawn(context.Background(), SpawnRequest{ProjectID: "p1", Slug: "dup", CLI: "codex", Prompt: "again"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if !strings.HasPrefix(err.Error(), "conflict:") {
		t.Fatalf("error text %q lacks conflict prefix", err)
	}
}

func TestArchiveFreesSlug(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.script("codex", codexReply)
	ctx := context.Background()

	first := h.spawn(SpawnRequest{Slug: "w"})
	h.waitSettled("w")

	archived, err := h.mgr.Archive(ctx, "p1", "w")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !archived.Archived {
		t.Fatal("record not archived")
	}
	if list, _ := h.mgr.List(ctx, "p1", false); len(list) != 0 {
		t.Fatalf("List without archived = %+v", list)
	}
	if list, _ := h.mgr.List(ctx, "p1", true); len(list) != 1 {
		t.Fatalf("List with archived = %+v", list)
	}

	second := h.spawn(SpawnRequest{Slug: "w"})
	if second.ID == first.ID {
		t.Fatal("respawn reused the archived record")
	}
	h.waitSettled("w")

	if _, err := h.mgr.Unarchive(ctx, "p1", "w"); err != nil {
		t.Fatalf("Unarchive while live: %v", err)
	}
	got, err := h.mgr.Get(ctx, "p1", "w")
	if err != nil || got.ID != second.ID {
		t.Fatalf("Get = %+v, %v", got, err)
	}
}

func TestKillAfterRespawnKeepsArchivedWorkspace(t *testing.T) {
	repo := initGitRepo(t)
	h := newHarness(t, repo)
	h.script("codex", codexReply)
	ctx := context.Background()

	first := h.spawn(SpawnRequest{Slug: "work"})
	h.waitSettled("work")
	if _, err := h.mgr.Archive(ctx, "p1", "work"); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	second := h.spawn(SpawnRequest{Slug: "work"})
	h.waitSettled("work")
	if second.WorkDir == first.WorkDir || second.Branch == first.Branch {
		t.Fatalf("respawn shares workspace %q / %q", second.WorkDir, second.Branch)
	}

	if err := h.mgr.Kill(ctx, "p1", "work"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, err := os.Stat(second.WorkDir); !os.IsNotExist(err) {
		t.Fatalf("killed worktree still present: %v", err)
	}
	if _, err := os.Stat(first.WorkDir); err != nil {
		t.Fatalf("archived worktree removed: %v", err)
	}
	if out := strings.TrimSpace(gitOutput(t, repo, "branch", "--list", first.Branch)); out == "" {
		t.Fatal("archived branch removed")
	}

	// Startup cleanup keeps it too.
	report, err := h.mgr.Reconcile(ctx, []config.Project{h.project})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.RemovedWorktrees != 0 {
		t.Fatalf("RemovedWorktrees = %d", report.RemovedWorktrees)
	}
	if _, err := os.Stat(first.WorkDir); err != nil {
		t.Fatalf("archived worktree removed by reconcile: %v", err)
	}
}

func TestArchiveRunningConflicts(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.script("codex", codexHang)
	ctx := context.Background()

	h.spawn(SpawnRequest{Slug: "busy"})
	if _, err := h.mgr.Archive(ctx, "p1", "busy"); !errors.Is(err, ErrConflict) {
		t.Fatalf("Archive running = %v, want ErrConflict", err)
	}
	if err := h.mgr.Kill(ctx, "p1", "busy"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
}

func TestKillRemovesWorkspaceAndIsIdempotent(t *testing.T) {
	repo := initGitRepo(t)
	h := newHarness(t, repo)
	h.script("codex", codexHang)
	ctx := context.Background()

	rec := h.spawn(SpawnRequest{Slug: "doomed"})
	if rec.Status != store.StatusRunning || rec.PID == 0 {
		t.Fatalf("spawned record = %+v", rec)
	}
	if err := h.mgr.Kill(ctx, "p1", "doomed"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, err := os.Stat(rec.WorkDir); !os.IsNotExist(err) {
		t.Fatalf("worktree still present: %v", err)
	}
	if out := strings.TrimSpace(gitOutput(t, repo, "branch", "--list", rec.Branch)); out != "" {
		t.Fatalf("branch still present: %q", out)
	}
	if _, err := os.Stat(h.store.LogPath(rec.ID)); !os.IsNotExist(err) {
		t.Fatalf("log still present: %v", err)
	}

	stored, err := h.store.GetSubagent(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetSubagent: %v", err)
	}
	if !stored.Killed || stored.Status != store.StatusError || stored.PID != 0 {
		t.Fatalf("killed record = %+v", stored)
	}

	if err := h.mgr.Kill(ctx, "p1", "doomed"); err != nil {
		t.Fatalf("second Kill: %v", err)
	}
	if _, err := h.mgr.Get(ctx, "p1", "doomed"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after kill = %v, want ErrNotFound", err)
	}
	if err := h.mgr.Kill(ctx, "p1", "never"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Kill unknown = %v, want ErrNotFound", err)
	}

	// The slug is free again.
	h.script("codex", codexReply)
	h.spawn(SpawnRequest{Slug: "doomed"})
	h.waitSettled("doomed")
}

func TestMainRunKillKeepsProjectTree(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, dir)
	h.script("codex", codexReply)
	ctx := context.Background()

	rec := h.spawn(SpawnRequest{Slug: "m", Mode: store.ModeMainRun})
	if rec.WorkDir != dir {
		t.Fatalf("WorkDir = %q, want project path", rec.WorkDir)
	}
	h.waitSettled("m")
	if err := h.mgr.Kill(ctx, "p1", "m"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Fatalf("project tree touched: %v", err)
	}
}

func TestInterruptEndsInError(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.script("codex", codexHang)
	ctx := context.Background()

	h.spawn(SpawnRequest{Slug: "int"})
	time.Sleep(200 * time.Millisecond)
	if err := h.mgr.Interrupt(ctx, "p1", "int"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	rec := h.waitSettled("int")
	if rec.Status != store.StatusError || rec.LastError != "interrupted: exit status 130" {
		t.Fatalf("record = %s / %q", rec.Status, rec.LastError)
	}
	types := h.logTypes("int")
	if types[len(types)-1] != events.LogError {
		t.Fatalf("log types = %v", types)
	}
	if err := h.mgr.Interrupt(ctx, "p1", "int"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Interrupt settled = %v, want ErrInvalid", err)
	}
}

func TestInterruptTimeoutKills(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.script("codex", `cat >/dev/null
trap '' INT
while :; do sleep 0.05; done
`)
	h.spawn(SpawnRequest{Slug: "stubborn"})
	time.Sleep(100 * time.Millisecond)
	if err := h.mgr.Interrupt(context.Background(), "p1", "stubborn"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	rec := h.waitSettled("stubborn")
	if rec.Status != store.StatusError || rec.LastError != interruptTimeoutMsg {
		t.Fatalf("record = %s / %q", rec.Status, rec.LastError)
	}
}

func TestNonZeroExitRecordsError(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.script("codex", "cat >/dev/null\necho 'fatal: quota' >&2\nexit 2\n")

	h.spawn(SpawnRequest{Slug: "bad"})
	rec := h.waitSettled("bad")
	if rec.Status != store.StatusError || rec.LastError != "exit status 2" {
		t.Fatalf("record = %s / %q", rec.Status, rec.LastError)
	}
	page, _ := h.mgr.Logs(context.Background(), "p1", "bad", 0)
	var sawStderr bool
	for _, ev := range page.Events {
		if ev.Type == events.LogStderr && ev.Text == "fatal: quota" {
			sawStderr = true
		}
	}
	if !sawStderr {
		t.Fatalf("stderr not logged: %+v", page.Events)
	}
}

func TestStartFailureRecordedOnSubagent(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.scripts["codex"] = filepath.Join(t.TempDir(), "missing-binary")

	rec, err := h.mgr.Spawn(context.Background(), SpawnRequest{ProjectID: "p1", Slug: "nobin", CLI: "codex", Prompt: "x"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if rec.Status != store.StatusError || rec.LastError == "" {
		t.Fatalf("record = %s / %q", rec.Status, rec.LastError)
	}
	types := h.logTypes("nobin")
	if len(types) != 2 || types[0] != events.LogUser || types[1] != events.LogError {
		t.Fatalf("log types = %v", types)
	}
}

func TestResumeRelaunchesWithSessionID(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.script("codex", codexReply)
	ctx := context.Background()

	first := h.spawn(SpawnRequest{Slug: "r"})
	h.waitSettled("r")

	again, err := h.mgr.Spawn(ctx, SpawnRequest{ProjectID: "p1", Slug: "r", CLI: "codex", Prompt: "follow up", Resume: true})
	if err != nil {
		t.Fatalf("resume Spawn: %v", err)
	}
	if again.ID != first.ID {
		t.Fatal("resume created a new record")
	}
	h.waitSettled("r")

	data, err := os.ReadFile(filepath.Join(h.store.Root(), "runs", "args.log"))
	if err != nil {
		t.Fatalf("read args log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "resume t-1") {
		t.Fatalf("args = %q", lines)
	}

	page, _ := h.mgr.Logs(ctx, "p1", "r", 0)
	var users []string
	for _, ev := range page.Events {
		if ev.Type == events.LogUser {
			users = append(users, ev.Text)
		}
	}
	if len(users) != 2 || users[1] != "follow up" {
		t.Fatalf("user events = %q", users)
	}
}

func TestResumeSendsToStreamingProcess(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.script("claude", `echo '{"type":"system","subtype":"init","session_id":"c-1"}'
while IFS= read -r line; do
  sleep 0.3
  echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"ack"}]}}'
  echo '{"type":"result","subtype":"success","result":"ack"}'
done
`)
	ctx := context.Background()

	h.spawn(SpawnRequest{Slug: "c", CLI: "claude"})
	if _, err := h.mgr.Spawn(ctx, SpawnRequest{ProjectID: "p1", Slug: "c", CLI: "claude", Prompt: "second", Resume: true}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	rec := h.waitSettled("c")
	if rec.Status != store.StatusReplied {
		t.Fatalf("Status = %s (%s)", rec.Status, rec.LastError)
	}
	var acks, users int
	page, _ := h.mgr.Logs(ctx, "p1", "c", 0)
	for _, ev := range page.Events {
		switch ev.Type {
		case events.LogAssistant:
			acks++
		case events.LogUser:
			users++
		}
	}
	if acks != 2 || users != 2 {
		t.Fatalf("acks=%d users=%d events=%+v", acks, users, page.Events)
	}
}

func TestResumeQueuedPromptReportedWhenRunFails(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.script("codex", `cat >/dev/null
echo '{"type":"thread.started","thread_id":"t-f"}'
sleep 0.5
exit 1
`)
	ctx := context.Background()

	h.spawn(SpawnRequest{Slug: "flaky"})
	if _, err := h.mgr.Spawn(ctx, SpawnRequest{ProjectID: "p1", Slug: "flaky", CLI: "codex", Prompt: "follow up", Resume: true}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	rec := h.waitSettled("flaky")
	if rec.Status != store.StatusError || rec.LastError != "exit status 1" {
		t.Fatalf("record = %s / %q", rec.Status, rec.LastError)
	}

	page, _ := h.mgr.Logs(ctx, "p1", "flaky", 0)
	var reported bool
	for _, ev := range page.Events {
		if ev.Type == events.LogError && strings.HasPrefix(ev.Text, "prompt not delivered") && strings.Contains(ev.Text, "follow up") {
			reported = true
		}
	}
	if !reported {
		t.Fatalf("undelivered prompt not logged: %+v", page.Events)
	}
}

func TestLogsCursorContiguousWhileWriting(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.script("codex", `cat >/dev/null
echo '{"type":"thread.started","thread_id":"t-c"}'
i=0
while [ $i -lt 60 ]; do
  printf '{"type":"item.completed","item":{"type":"agent_message","text":"line %d"}}\n' $i
  i=$((i+1))
  sleep 0.01
done
`)
	ctx := context.Background()

	rec := h.spawn(SpawnRequest{Slug: "busy"})
	cursor, expect, reads := 0, 0, 0
	deadline := time.Now().Add(10 * time.Second)
	for {
		settled := !h.mgr.hasRun(rec.ID)
		page, err := h.mgr.Logs(ctx, "p1", "busy", cursor)
		if err != nil {
			t.Fatalf("Logs: %v", err)
		}
		reads++
		for _, ev := range page.Events {
			if ev.Index != expect {
				t.Fatalf("read %d: index %d, want %d", reads, ev.Index, expect)
			}
			expect++
		}
		if page.Cursor < cursor {
			t.Fatalf("cursor went from %d to %d", cursor, page.Cursor)
		}
		if page.Cursor != expect {
			t.Fatalf("cursor = %d after %d events", page.Cursor, expect)
		}
		cursor = page.Cursor
		if settled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run did not settle")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if expect < 61 {
		t.Fatalf("read %d events, want at least 61", expect)
	}
	if reads < 3 {
		t.Fatalf("only %d reads overlapped the run", reads)
	}
}

func TestLogsCursorRestartsWithNewRecord(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.script("codex", codexReply)
	ctx := context.Background()

	h.spawn(SpawnRequest{Slug: "again"})
	h.waitSettled("again")
	old, _ := h.mgr.Logs(ctx, "p1", "again", 0)
	if err := h.mgr.Kill(ctx, "p1", "again"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	h.spawn(SpawnRequest{Slug: "again"})
	h.waitSettled("again")

	stale, err := h.mgr.Logs(ctx, "p1", "again", old.Cursor)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if stale.ID == old.ID {
		t.Fatal("new lifecycle reported the old record id")
	}
	fresh, _ := h.mgr.Logs(ctx, "p1", "again", 0)
	if fresh.ID != stale.ID || len(fresh.Events) == 0 || fresh.Events[0].Index != 0 {
		t.Fatalf("fresh read = %+v", fresh)
	}
}

func TestLogsCursorNeverDecreases(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.script("codex", codexReply)
	ctx := context.Background()

	h.spawn(SpawnRequest{Slug: "cur"})
	h.waitSettled("cur")

	page, err := h.mgr.Logs(ctx, "p1", "cur", 0)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	next, err := h.mgr.Logs(ctx, "p1", "cur", page.Cursor)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(next.Events) != 0 || next.Cursor != page.Cursor {
		t.Fatalf("tail read = %+v", next)
	}
	beyond, _ := h.mgr.Logs(ctx, "p1", "cur", page.Cursor+10)
	if beyond.Cursor != page.Cursor+10 {
		t.Fatalf("cursor past end = %d", beyond.Cursor)
	}
	if _, err := h.mgr.Logs(ctx, "p1", "cur", -1); !errors.Is(err, ErrInvalid) {
		t.Fatalf("negative since = %v, want ErrInvalid", err)
	}
	if _, err := h.mgr.Logs(ctx, "p1", "none", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown slug = %v, want ErrNotFound", err)
	}
}

func TestSubscribeReplaysThenFollows(t *testing.T) {
	h := newHarness(t, initGitRepo(t))
	h.script("codex", `cat >/dev/null
sleep 0.3
echo '{"type":"thread.started","thread_id":"t-2"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"late"}}'
`)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h.spawn(SpawnRequest{Slug: "sub"})
	sub, err := h.mgr.Subscribe(ctx, "p1", "sub", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	var got []events.LogEvent
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v (got %+v)", err, got)
		}
		got = append(got, ev)
		if ev.Type == events.LogAssistant {
			break
		}
	}
	for i, ev := range got {
		if ev.Index != i {
			t.Fatalf("event %d has index %d", i, ev.Index)
		}
	}
	if got[0].Type != events.LogUser {
		t.Fatalf("first event = %+v", got[0])
	}
	if sub.Cursor() != len(got) {
		t.Fatalf("Cursor = %d, want %d", sub.Cursor(), len(got))
	}
}

func TestReconcileMarksOrphans(t *testing.T) {
	repo := initGitRepo(t)
	h := newHarness(t, repo)
	ctx := context.Background()

	orphan := &Subagent{ProjectID: "p1", Slug: "ghost", CLI: "codex", Mode: store.ModeMainRun, Status: store.StatusRunning, PID: 0, WorkDir: repo}
	if err := h.store.CreateSubagent(ctx, orphan); err != nil {
		t.Fatalf("CreateSubagent: %v", err)
	}
	stale, err := worktree.NewManager(repo).Create(ctx, "leftover", "main")
	if err != nil {
		t.Fatalf("Create worktree: %v", err)
	}

	report, err := h.mgr.Reconcile(ctx, []config.Project{h.project})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.Orphaned) != 1 || report.Orphaned[0] != orphan.ID {
		t.Fatalf("Orphaned = %v", report.Orphaned)
	}
	if report.RemovedWorktrees != 1 {
		t.Fatalf("RemovedWorktrees = %d", report.RemovedWorktrees)
	}
	if _, err := os.Stat(stale.Path); !os.IsNotExist(err) {
		t.Fatalf("stale worktree survived: %v", err)
	}

	rec, _ := h.mgr.Get(ctx, "p1", "ghost")
	if rec.Status != store.StatusError || rec.LastError != orphanedMessage {
		t.Fatalf("record = %s / %q", rec.Status, rec.LastError)
	}
	page, _ := h.mgr.Logs(ctx, "p1", "ghost", 0)
	if len(page.Events) != 1 || page.Events[0].Type != events.LogError {
		t.Fatalf("events = %+v", page.Events)
	}
}

func TestKillWaitsForDetachedProcess(t *testing.T) {
	repo := initGitRepo(t)
	h := newHarness(t, repo)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wt, err := worktree.NewManager(repo).Create(ctx, "left-1", "main")
	if err != nil {
		t.Fatalf("Create worktree: %v", err)
	}
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()
	t.Cleanup(func() { cmd.Process.Kill() })

	orphan := &Subagent{ID: "1", ProjectID: "p1", Slug: "left", CLI: "codex", Mode: store.ModeWorktree,
		Status: store.StatusRunning, PID: cmd.Process.Pid, WorkDir: wt.Path, Branch: wt.Branch}
	if err := h.store.CreateSubagent(ctx, orphan); err != nil {
		t.Fatalf("CreateSubagent: %v", err)
	}
	if _, err := h.mgr.Reconcile(ctx, []config.Project{h.project}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	rec, _ := h.mgr.Get(ctx, "p1", "left")
	if rec.Status != store.StatusError || rec.PID != cmd.Process.Pid {
		t.Fatalf("reconciled record = %s pid %d", rec.Status, rec.PID)
	}
	select {
	case <-exited:
		t.Fatal("reconcile signaled the detached process")
	default:
	}
	if _, err := os.Stat(wt.Path); err != nil {
		t.Fatalf("reconcile removed the live worktree: %v", err)
	}

	if _, err := h.mgr.Spawn(ctx, SpawnRequest{ProjectID: "p1", Slug: "left", CLI: "codex", Prompt: "x", Resume: true}); !errors.Is(err, ErrConflict) {
		t.Fatalf("resume of detached process = %v, want ErrConflict", err)
	}

	if err := h.mgr.Kill(ctx, "p1", "left"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("Kill returned while the detached process was alive")
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Fatalf("worktree still present: %v", err)
	}
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	if resolved, err := filepath.EvalSymlinks(repo); err == nil {
		repo = resolved
	}
	gitOutput(t, repo, "init")
	gitOutput(t, repo, "checkout", "-b", "main")
	if err := os.WriteFile(filepath.Join(repo, "main.txt"), []byte("initial\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	gitOutput(t, repo, "add", "main.txt")
	gitOutput(t, repo, "-c", "user.name=Test", "-c", "user.email=test@example.com", "commit", "-m", "initial commit")
	return repo
}

func gitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, string(out))
	}
	return string(out)
}
