// Package session is the session registry: it maps (agentID, sessionKey)
// aliases to durable session identities and tracks per-session runtime flags.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/hexid"
	"github.com/agusx1211/agenthub/internal/store"
)

// DefaultKey is the alias used when a request names no session.
const DefaultKey = "main"

var (
	// ErrNotFound is returned for an unknown explicitly supplied session id.
	ErrNotFound = errors.New("session not found")
	// ErrInvalid is returned for malformed agent ids or keys.
	ErrInvalid = errors.New("invalid session request")
)

// Entry is a registered session.
type Entry = store.SessionRecord

// Resolution is the outcome of Resolve.
type Resolution struct {
	SessionID  string
	SessionKey string
	Message    string // message with any leading /think directive removed
	ThinkLevel string // level named by a /think directive, if any
	Created    bool
}

// Activity describes a runtime change to record on a session. Nil or empty
// fields leave the stored value untouched.
type Activity struct {
	Streaming    *bool
	ThinkLevel   string
	CLISessionID string
	At           time.Time
}

// Registry owns every session record. Only the registry writes them.
type Registry struct {
	store *store.Store
	mu    sync.Mutex
}

func NewRegistry(s *store.Store) *Registry {
	return &Registry{store: s}
}

// NormalizeKey trims the key and maps empty to DefaultKey.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return DefaultKey
	}
	return key
}

// NewKey returns base with a uniqueness suffix. Sending under the result
// starts a new conversation without touching the old one.
func NewKey(base string) string {
	return hexid.Prefixed(NormalizeKey(base))
}

// Resolve returns the session for (agentID, sessionKey), creating it on first
// use. Callers must not resolve abort messages.
func (r *Registry) Resolve(ctx context.Context, agentID, sessionKey, message string) (Resolution, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Resolution{}, fmt.Errorf("%w: empty agent id", ErrInvalid)
	}
	key := NormalizeKey(sessionKey)
	msg, level := splitThinkDirective(message)

	rec, created, err := r.store.CreateSessionIfAbsent(ctx, store.SessionRecord{
		AgentID:    agentID,
		SessionKey: key,
		SessionID:  uuid.NewString(),
		ThinkLevel: level,
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("resolving session %s/%s: %w", agentID, key, err)
	}
	if created {
		debug.LogKV("session", "session created", "agent", agentID, "key", key, "session_id", rec.SessionID)
	}
	return Resolution{
		SessionID:  rec.SessionID,
		SessionKey: key,
		Message:    msg,
		ThinkLevel: level,
		Created:    created,
	}, nil
}

// Get returns the session under the key, or nil when there is none.
func (r *Registry) Get(ctx context.Context, agentID, sessionKey string) (*Entry, error) {
	rec, err := r.store.GetSession(ctx, agentID, NormalizeKey(sessionKey))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// GetByID returns the session with the given id. Unknown ids are an error,
// never silently recreated.
func (r *Registry) GetByID(ctx context.Context, agentID, sessionID string) (*Entry, error) {
	rec, err := r.store.GetSessionByID(ctx, agentID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return rec, err
}

// RecordActivity applies act to the session.
func (r *Registry) RecordActivity(ctx context.Context, agentID, sessionID string, act Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.GetByID(ctx, agentID, sessionID)
	if err != nil {
		return err
	}
	if act.Streaming != nil {
		rec.IsStreaming = *act.Streaming
	}
	if act.ThinkLevel != "" {
		rec.ThinkLevel = act.ThinkLevel
	}
	if act.CLISessionID != "" {
		rec.CLISessionID = act.CLISessionID
	}
	at := act.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rec.LastActivity = at
	return r.store.UpdateSession(ctx, rec)
}

// Reset moves the current session under key to an archival alias and starts
// a fresh one under key. The old conversation is kept.
func (r *Registry) Reset(ctx context.Context, agentID, sessionKey string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := NormalizeKey(sessionKey)
	err := r.store.RekeySession(ctx, agentID, key, key+"#"+hexid.New())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resetting session %s/%s: %w", agentID, key, err)
	}
	rec, _, err := r.store.CreateSessionIfAbsent(ctx, store.SessionRecord{
		AgentID:    agentID,
		SessionKey: key,
		SessionID:  uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	debug.LogKV("session", "session reset", "agent", agentID, "key", key, "session_id", rec.SessionID)
	return rec, nil
}

// List returns an agent's sessions, most recently active first.
func (r *Registry) List(ctx context.Context, agentID string) ([]Entry, error) {
	return r.store.ListSessions(ctx, agentID)
}

var thinkLevels = map[string]bool{"off": true, "minimal": true, "low": true, "medium": true, "high": true, "xhigh": true}

// splitThinkDirective strips a leading "/think <level>" from msg.
func splitThinkDirective(msg string) (string, string) {
	trimmed := strings.TrimLeft(msg, " \t")
	if !strings.HasPrefix(trimmed, "/think ") {
		return msg, ""
	}
	fields := strings.SplitN(strings.TrimPrefix(trimmed, "/think "), " ", 2)
	level := strings.ToLower(strings.TrimSpace(fields[0]))
	if !thinkLevels[level] {
		return msg, ""
	}
	rest := ""
	if len(fields) == 2 {
		rest = strings.TrimSpace(fields[1])
	}
	return rest, level
}
