// store_schedules.go contains schedule persistence.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const scheduleColumns = `id, name, cron, enabled, agent_id, message, session_key, think_level, last_run_at, last_error, created_at`

func scanSchedule(row interface{ Scan(...any) error }) (*ScheduleRecord, error) {
	var rec ScheduleRecord
	var enabled int
	var lastRun, createdAt int64
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Cron, &enabled, &rec.AgentID, &rec.Message,
		&rec.SessionKey, &rec.ThinkLevel, &lastRun, &rec.LastError, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Enabled = enabled != 0
	rec.LastRunAt = fromNano(lastRun)
	rec.CreatedAt = fromNano(createdAt)
	return &rec, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleRecord
	for rows.Next() {
		rec, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*ScheduleRecord, error) {
	return scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
}

// CreateSchedule inserts rec. Duplicate names are a conflict.
func (s *Store) CreateSchedule(ctx context.Context, rec *ScheduleRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Cron, boolInt(rec.Enabled), rec.AgentID, rec.Message, rec.SessionKey,
		rec.ThinkLevel, toNano(rec.LastRunAt), rec.LastError, toNano(rec.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: schedule %q already exists", ErrConflict, rec.Name)
		}
		return err
	}
	return nil
}

// UpdateSchedule persists every field of rec except CreatedAt.
func (s *Store) UpdateSchedule(ctx context.Context, rec *ScheduleRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET name = ?, cron = ?, enabled = ?, agent_id = ?, message = ?, session_key = ?,
		 think_level = ?, last_run_at = ?, last_error = ? WHERE id = ?`,
		rec.Name, rec.Cron, boolInt(rec.Enabled), rec.AgentID, rec.Message, rec.SessionKey,
		rec.ThinkLevel, toNano(rec.LastRunAt), rec.LastError, rec.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: schedule %q already exists", ErrConflict, rec.Name)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
