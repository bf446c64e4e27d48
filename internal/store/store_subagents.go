// store_subagents.go contains subagent record persistence.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agusx1211/agenthub/internal/hexid"
)

const subagentColumns = `id, project_id, slug, cli, mode, base_branch, prompt, status, archived, killed,
	last_error, last_active, created_at, pid, work_dir, branch, cli_session_id,
	execution_type, role, group_key, iterations, iteration`

func scanSubagent(row interface{ Scan(...any) error }) (*SubagentRecord, error) {
	var rec SubagentRecord
	var archived, killed int
	var lastActive, createdAt int64
	err := row.Scan(&rec.ID, &rec.ProjectID, &rec.Slug, &rec.CLI, &rec.Mode, &rec.BaseBranch,
		&rec.Prompt, &rec.Status, &archived, &killed, &rec.LastError, &lastActive, &createdAt,
		&rec.PID, &rec.WorkDir, &rec.Branch, &rec.CLISessionID, &rec.ExecutionType,
		&rec.Role, &rec.GroupKey, &rec.Iterations, &rec.Iteration)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Archived = archived != 0
	rec.Killed = killed != 0
	rec.LastActive = fromNano(lastActive)
	rec.CreatedAt = fromNano(createdAt)
	return &rec, nil
}

// CreateSubagent persists a new record, assigning ID and CreatedAt when unset.
func (s *Store) CreateSubagent(ctx context.Context, rec *SubagentRecord) error {
	if rec.ID == "" {
		rec.ID = hexid.NewN(6)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusIdle
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subagents (`+subagentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectID, rec.Slug, rec.CLI, rec.Mode, rec.BaseBranch, rec.Prompt, rec.Status,
		boolInt(rec.Archived), boolInt(rec.Killed), rec.LastError, toNano(rec.LastActive),
		toNano(rec.CreatedAt), rec.PID, rec.WorkDir, rec.Branch, rec.CLISessionID,
		rec.ExecutionType, rec.Role, rec.GroupKey, rec.Iterations, rec.Iteration)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: subagent id %s", ErrConflict, rec.ID)
		}
		return fmt.Errorf("creating subagent %s/%s: %w", rec.ProjectID, rec.Slug, err)
	}
	return nil
}

// UpdateSubagent persists every mutable field of rec.
func (s *Store) UpdateSubagent(ctx context.Context, rec *SubagentRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subagents SET status = ?, archived = ?, killed = ?, last_error = ?, last_active = ?,
		 pid = ?, work_dir = ?, branch = ?, cli_session_id = ?, iteration = ?, prompt = ?
		 WHERE id = ?`,
		rec.Status, boolInt(rec.Archived), boolInt(rec.Killed), rec.LastError, toNano(rec.LastActive),
		rec.PID, rec.WorkDir, rec.Branch, rec.CLISessionID, rec.Iteration, rec.Prompt, rec.ID)
	if err != nil {
		return fmt.Errorf("updating subagent %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSubagent loads a record by id.
func (s *Store) GetSubagent(ctx context.Context, id string) (*SubagentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subagentColumns+` FROM subagents WHERE id = ?`, id)
	return scanSubagent(row)
}

// LatestSubagent returns the newest record for the slug, live or not.
func (s *Store) LatestSubagent(ctx context.Context, projectID, slug string) (*SubagentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subagentColumns+` FROM subagents WHERE project_id = ? AND slug = ?
		 ORDER BY seq DESC LIMIT 1`, projectID, slug)
	return scanSubagent(row)
}

// LiveSubagent returns the record currently occupying the slug.
func (s *Store) LiveSubagent(ctx context.Context, projectID, slug string) (*SubagentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subagentColumns+` FROM subagents
		 WHERE project_id = ? AND slug = ? AND archived = 0 AND killed = 0
		 ORDER BY seq DESC LIMIT 1`, projectID, slug)
	return scanSubagent(row)
}

// ListSubagents returns all records of a project in creation order.
func (s *Store) ListSubagents(ctx context.Context, projectID string) ([]SubagentRecord, error) {
	return s.querySubagents(ctx, `WHERE project_id = ? ORDER BY seq`, projectID)
}

// SubagentsByGroup returns the records sharing a ralph-loop group key.
func (s *Store) SubagentsByGroup(ctx context.Context, groupKey string) ([]SubagentRecord, error) {
	return s.querySubagents(ctx, `WHERE group_key = ? ORDER BY seq`, groupKey)
}

// SubagentsByStatus returns the records in the given status across projects.
func (s *Store) SubagentsByStatus(ctx context.Context, status string) ([]SubagentRecord, error) {
	return s.querySubagents(ctx, `WHERE status = ? ORDER BY seq`, status)
}

func (s *Store) querySubagents(ctx context.Context, where string, args ...any) ([]SubagentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subagentColumns+` FROM subagents `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubagentRecord
	for rows.Next() {
		rec, err := scanSubagent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
