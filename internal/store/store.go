package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agusx1211/agenthub/internal/debug"
)

// DBFile is the database file name inside the data directory.
const DBFile = "agenthub.db"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("conflict")
)

// Store persists sessions, subagent records, and schedules in sqlite and
// subagent logs as JSONL files next to the database.
type Store struct {
	db   *sql.DB
	root string
}

// Open creates dataDir if needed and opens the database inside it.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "logs"), 0755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, DBFile)
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// Writers are serialized on one connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, root: dataDir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	debug.LogKV("store", "opened", "path", path)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Root returns the data directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		agent_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		session_id TEXT NOT NULL UNIQUE,
		is_streaming INTEGER NOT NULL DEFAULT 0,
		last_activity INTEGER NOT NULL DEFAULT 0,
		think_level TEXT NOT NULL DEFAULT '',
		cli_session_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (agent_id, session_key)
	);

	CREATE TABLE IF NOT EXISTS subagents (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		project_id TEXT NOT NULL,
		slug TEXT NOT NULL,
		cli TEXT NOT NULL,
		mode TEXT NOT NULL,
		base_branch TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		killed INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		last_active INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		work_dir TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		cli_session_id TEXT NOT NULL DEFAULT '',
		execution_type TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		group_key TEXT NOT NULL DEFAULT '',
		iterations INTEGER NOT NULL DEFAULT 0,
		iteration INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		cron TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		agent_id TEXT NOT NULL,
		message TEXT NOT NULL,
		session_key TEXT NOT NULL DEFAULT '',
		think_level TEXT NOT NULL DEFAULT '',
		last_run_at INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_subagents_slug ON subagents(project_id, slug);
	CREATE INDEX IF NOT EXISTS idx_subagents_group ON subagents(group_key);
	CREATE INDEX IF NOT EXISTS idx_subagents_status ON subagents(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

func toNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
