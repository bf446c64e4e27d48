package subagent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agusx1211/agenthub/internal/bus"
	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/events"
)

// ErrSubscriptionClosed is returned by LogSubscription.Next after Close.
var ErrSubscriptionClosed = errors.New("log subscription closed")

// LogPage is the result of a cursor read. Cursor is the value to pass as
// since on the next read; it never decreases for a given ID. ID names the
// record the cursor belongs to. A slug respawned after kill or archive is a
// new record whose log starts again at index 0, so a client that sees ID
// change must restart from since=0.
type LogPage struct {
	ID     string            `json:"id"`
	Cursor int               `json:"cursor"`
	Events []events.LogEvent `json:"events"`
}

// logState serializes appends to one record's log so that indexes match
// line positions.
type logState struct {
	mu     sync.Mutex
	next   int
	loaded bool
}

func (m *Manager) logState(id string) *logState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.logs[id]
	if !ok {
		ls = &logState{}
		m.logs[id] = ls
	}
	return ls
}

func (ls *logState) init(m *Manager, id string) {
	if ls.loaded {
		return
	}
	n, err := m.store.LogLength(id)
	if err != nil {
		debug.LogKV("subagent", "log length failed", "id", id, "error", err)
	}
	ls.next = n
	ls.loaded = true
}

// appendLog persists ev and publishes it to live subscribers.
func (m *Manager) appendLog(id string, ev events.LogEvent) {
	ls := m.logState(id)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.init(m, id)

	ev.Index = ls.next
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := m.store.AppendLogEvent(id, ev); err != nil {
		debug.LogKV("subagent", "log append failed", "id", id, "type", ev.Type, "error", err)
		return
	}
	ls.next++
	m.bus.Publish(id, ev)
}

func (m *Manager) removeLog(id string) error {
	ls := m.logState(id)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if err := m.store.RemoveLog(id); err != nil {
		return err
	}
	ls.next = 0
	ls.loaded = true
	return nil
}

func (m *Manager) readSince(id string, since int) ([]events.LogEvent, error) {
	all, err := m.store.ReadLogEvents(id)
	if err != nil {
		return nil, err
	}
	out := make([]events.LogEvent, 0, len(all))
	for _, ev := range all {
		if ev.Index >= since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func cursorAfter(since int, evs []events.LogEvent) int {
	if n := len(evs); n > 0 && evs[n-1].Index+1 > since {
		return evs[n-1].Index + 1
	}
	return since
}

// Logs returns the events of the slug's current record with Index >= since.
// Cursors are per record; see LogPage.
func (m *Manager) Logs(ctx context.Context, projectID, slug string, since int) (LogPage, error) {
	if since < 0 {
		return LogPage{}, invalidf("since must be >= 0")
	}
	if _, err := m.project(projectID); err != nil {
		return LogPage{}, err
	}
	rec, err := m.current(ctx, projectID, slug)
	if err != nil {
		return LogPage{}, err
	}

	ls := m.logState(rec.ID)
	ls.mu.Lock()
	evs, err := m.readSince(rec.ID, since)
	ls.mu.Unlock()
	if err != nil {
		return LogPage{}, err
	}
	return LogPage{ID: rec.ID, Cursor: cursorAfter(since, evs), Events: evs}, nil
}

// LogSubscription replays a record's log from a cursor and then follows
// new events as they are appended.
type LogSubscription struct {
	m        *Manager
	recordID string
	sub      *bus.Subscription[string, events.LogEvent]
	backlog  []events.LogEvent
	cursor   int
}

// Subscribe opens a push read of the slug's current record starting at since.
func (m *Manager) Subscribe(ctx context.Context, projectID, slug string, since int) (*LogSubscription, error) {
	if since < 0 {
		return nil, invalidf("since must be >= 0")
	}
	if _, err := m.project(projectID); err != nil {
		return nil, err
	}
	rec, err := m.current(ctx, projectID, slug)
	if err != nil {
		return nil, err
	}

	ls := m.logState(rec.ID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	backlog, err := m.readSince(rec.ID, since)
	if err != nil {
		return nil, err
	}
	return &LogSubscription{
		m:        m,
		recordID: rec.ID,
		sub:      m.bus.Subscribe(rec.ID),
		backlog:  backlog,
		cursor:   since,
	}, nil
}

// RecordID returns the record being followed.
func (s *LogSubscription) RecordID() string { return s.recordID }

// Cursor returns the index the next event will have.
func (s *LogSubscription) Cursor() int { return s.cursor }

// Next blocks for the next event. Events missed because the subscriber fell
// behind are re-read from the log, so indexes are delivered in order.
func (s *LogSubscription) Next(ctx context.Context) (events.LogEvent, error) {
	for {
		if len(s.backlog) > 0 {
			ev := s.backlog[0]
			s.backlog = s.backlog[1:]
			if ev.Index < s.cursor {
				continue
			}
			s.cursor = ev.Index + 1
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return events.LogEvent{}, ctx.Err()
		case ev, ok := <-s.sub.C():
			if !ok {
				return events.LogEvent{}, ErrSubscriptionClosed
			}
			switch {
			case ev.Index < s.cursor:
				continue
			case ev.Index > s.cursor:
				refill, err := s.m.readSince(s.recordID, s.cursor)
				if err != nil {
					return events.LogEvent{}, err
				}
				if len(refill) == 0 {
					refill = []events.LogEvent{ev}
				}
				s.backlog = refill
				continue
			}
			s.cursor = ev.Index + 1
			return ev, nil
		}
	}
}

// Close releases the subscription. Pending Next calls return
// ErrSubscriptionClosed.
func (s *LogSubscription) Close() {
	s.sub.Unsubscribe()
}
