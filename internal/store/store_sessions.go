// store_sessions.go contains session registry persistence.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `agent_id, session_key, session_id, is_streaming, last_activity, think_level, cli_session_id, created_at`

func scanSession(row interface{ Scan(...any) error }) (*SessionRecord, error) {
	var rec SessionRecord
	var streaming int
	var lastActivity, createdAt int64
	if err := row.Scan(&rec.AgentID, &rec.SessionKey, &rec.SessionID, &streaming,
		&lastActivity, &rec.ThinkLevel, &rec.CLISessionID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.IsStreaming = streaming != 0
	rec.LastActivity = fromNano(lastActivity)
	rec.CreatedAt = fromNano(createdAt)
	return &rec, nil
}

// GetSession looks up a session by its key.
func (s *Store) GetSession(ctx context.Context, agentID, sessionKey string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE agent_id = ? AND session_key = ?`,
		agentID, sessionKey)
	return scanSession(row)
}

// GetSessionByID looks up a session by its authoritative id.
func (s *Store) GetSessionByID(ctx context.Context, agentID, sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE agent_id = ? AND session_id = ?`,
		agentID, sessionID)
	return scanSession(row)
}

// CreateSessionIfAbsent inserts rec unless the key is already taken and
// returns whichever record owns the key afterwards.
func (s *Store) CreateSessionIfAbsent(ctx context.Context, rec SessionRecord) (*SessionRecord, bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id, session_key) DO NOTHING`,
		rec.AgentID, rec.SessionKey, rec.SessionID, boolInt(rec.IsStreaming),
		toNano(rec.LastActivity), rec.ThinkLevel, rec.CLISessionID, toNano(rec.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("inserting session %s/%s: %w", rec.AgentID, rec.SessionKey, err)
	}
	n, _ := res.RowsAffected()
	got, err := s.GetSession(ctx, rec.AgentID, rec.SessionKey)
	if err != nil {
		return nil, false, err
	}
	return got, n > 0, nil
}

// UpdateSession rewrites the mutable runtime fields of a session.
func (s *Store) UpdateSession(ctx context.Context, rec *SessionRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET is_streaming = ?, last_activity = ?, think_level = ?, cli_session_id = ?
		 WHERE agent_id = ? AND session_id = ?`,
		boolInt(rec.IsStreaming), toNano(rec.LastActivity), rec.ThinkLevel, rec.CLISessionID,
		rec.AgentID, rec.SessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RekeySession moves the session under oldKey to newKey.
func (s *Store) RekeySession(ctx context.Context, agentID, oldKey, newKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET session_key = ? WHERE agent_id = ? AND session_key = ?`,
		newKey, agentID, oldKey)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: session key %q already exists", ErrConflict, newKey)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns an agent's sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context, agentID string) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE agent_id = ?
		 ORDER BY last_activity DESC, created_at DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
