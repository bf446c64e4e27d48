package subagent

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/agusx1211/agenthub/internal/agent"
	"github.com/agusx1211/agenthub/internal/config"
	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/events"
	"github.com/agusx1211/agenthub/internal/store"
	"github.com/agusx1211/agenthub/internal/worktree"
)

// ReconcileReport summarizes a startup reconciliation.
type ReconcileReport struct {
	Orphaned         []string // record ids moved from running to error
	RemovedWorktrees int
}

// Reconcile repairs state left by a previous hub process. Records still
// marked running have no supervisor in this process and are moved to error.
// A process that is still alive is left untouched and its PID is kept on
// the record so Kill can terminate it. Worktrees under the projects that no
// non-killed record owns are removed.
func (m *Manager) Reconcile(ctx context.Context, projects []config.Project) (ReconcileReport, error) {
	var report ReconcileReport

	running, err := m.store.SubagentsByStatus(ctx, store.StatusRunning)
	if err != nil {
		return report, fmt.Errorf("listing running subagents: %w", err)
	}
	for _, rec := range running {
		if m.hasRun(rec.ID) {
			continue
		}
		msg := orphanedMessage
		alive := rec.PID > 0 && agent.IsProcessAlive(rec.PID)
		if alive {
			msg = fmt.Sprintf("orphaned: process detached from previous hub instance (pid %d)", rec.PID)
		}
		if _, err := m.withRecordLock(ctx, rec.ID, func(r *Subagent) error {
			r.Status = store.StatusError
			r.LastError = msg
			if !alive {
				r.PID = 0
			}
			r.LastActive = time.Now().UTC()
			return nil
		}); err != nil {
			return report, err
		}
		m.appendLog(rec.ID, events.LogEvent{Type: events.LogError, Text: msg})
		report.Orphaned = append(report.Orphaned, rec.ID)
		debug.LogKV("subagent", "reconciled orphan", "id", rec.ID, "slug", rec.Slug, "pid", rec.PID, "message", msg)
	}

	for _, p := range projects {
		if !worktree.IsRepo(p.Path) {
			continue
		}
		records, err := m.store.ListSubagents(ctx, p.ID)
		if err != nil {
			return report, err
		}
		keep := make(map[string]bool)
		for _, rec := range records {
			if !rec.Killed && rec.Mode == store.ModeWorktree && rec.WorkDir != "" {
				keep[filepath.Base(rec.WorkDir)] = true
			}
		}
		removed, err := worktree.NewManager(p.Path).CleanupStale(ctx, 0, keep)
		if err != nil {
			debug.LogKV("subagent", "stale worktree cleanup failed", "project", p.ID, "error", err)
			continue
		}
		report.RemovedWorktrees += removed
	}
	return report, nil
}
