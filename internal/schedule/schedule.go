// Package schedule stores cron triggers and fires them as chat runs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/hub"
	"github.com/agusx1211/agenthub/internal/runqueue"
	"github.com/agusx1211/agenthub/internal/store"
)

var (
	ErrNotFound = store.ErrNotFound
	ErrConflict = store.ErrConflict
	ErrInvalid  = errors.New("invalid schedule")
)

// Executor runs a chat request to completion. *hub.Hub implements it.
type Executor interface {
	Execute(ctx context.Context, req hub.RunRequest) (runqueue.Result, error)
}

// Schedule is a stored trigger plus its next planned run.
type Schedule struct {
	store.ScheduleRecord
	NextRunAt time.Time `json:"nextRunAt,omitzero"`
}

// Patch changes the non-nil fields of a schedule.
type Patch struct {
	Name       *string `json:"name"`
	Cron       *string `json:"cron"`
	Enabled    *bool   `json:"enabled"`
	AgentID    *string `json:"agentId"`
	Message    *string `json:"message"`
	SessionKey *string `json:"sessionKey"`
	ThinkLevel *string `json:"thinkLevel"`
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron reports whether expr is a five-field cron expression or a
// descriptor such as @hourly or @every 5m.
func ValidateCron(expr string) error {
	if _, err := parser.Parse(strings.TrimSpace(expr)); err != nil {
		return fmt.Errorf("%w: cron %q: %v", ErrInvalid, expr, err)
	}
	return nil
}

// Scheduler owns the schedule records and the cron entries built from them.
// Every mutation re-syncs the entries.
type Scheduler struct {
	store *store.Store
	exec  Executor
	cron  *cron.Cron
	loc   *time.Location

	mu      sync.Mutex
	entries map[string]cron.EntryID
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a stopped scheduler. Triggers are evaluated in loc, or the
// local time zone when loc is nil.
func New(st *store.Store, exec Executor, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store: st,
		exec:  exec,
		loc:   loc,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		entries: make(map[string]cron.EntryID),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Start registers the enabled schedules and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.sync(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts triggering, cancels in-flight runs and waits for them.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) sync(ctx context.Context) error {
	recs, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("loading schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	for _, rec := range recs {
		if !rec.Enabled {
			continue
		}
		id := rec.ID
		entry, err := s.cron.AddFunc(rec.Cron, func() { s.fire(id) })
		if err != nil {
			debug.LogKV("schedule", "skipping invalid schedule", "id", id, "cron", rec.Cron, "error", err)
			continue
		}
		s.entries[id] = entry
	}
	debug.LogKV("schedule", "synced", "total", len(recs), "enabled", len(s.entries))
	return nil
}

func (s *Scheduler) fire(id string) {
	ctx := s.baseCtx
	if _, err := s.Trigger(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		debug.LogKV("schedule", "trigger failed", "id", id, "error", err)
	}
}

// Trigger runs the schedule now and records the outcome on it.
func (s *Scheduler) Trigger(ctx context.Context, id string) (*Schedule, error) {
	rec, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	started := time.Now().UTC()
	debug.LogKV("schedule", "firing", "id", id, "name", rec.Name, "agent", rec.AgentID)
	_, runErr := s.exec.Execute(ctx, hub.RunRequest{
		AgentID:    rec.AgentID,
		Message:    rec.Message,
		SessionKey: rec.SessionKey,
		ThinkLevel: rec.ThinkLevel,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	// Reload so edits made while the run was in flight are kept.
	rec, err = s.store.GetSchedule(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, err
	}
	rec.LastRunAt = started
	rec.LastError = ""
	if runErr != nil {
		rec.LastError = runErr.Error()
	}
	if err := s.store.UpdateSchedule(context.WithoutCancel(ctx), rec); err != nil {
		return nil, err
	}
	return s.withNext(rec), runErr
}

func (s *Scheduler) withNext(rec *store.ScheduleRecord) *Schedule {
	out := &Schedule{ScheduleRecord: *rec}
	if id, ok := s.entries[rec.ID]; ok {
		entry := s.cron.Entry(id)
		out.NextRunAt = entry.Next
		// Entries only get a next time once the cron loop is running.
		if out.NextRunAt.IsZero() && entry.Schedule != nil {
			out.NextRunAt = entry.Schedule.Next(time.Now().In(s.loc))
		}
	}
	return out
}

// List returns every schedule.
func (s *Scheduler) List(ctx context.Context) ([]Schedule, error) {
	recs, err := s.store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(recs))
	for i := range recs {
		out = append(out, *s.withNext(&recs[i]))
	}
	return out, nil
}

// Get returns one schedule.
func (s *Scheduler) Get(ctx context.Context, id string) (*Schedule, error) {
	rec, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withNext(rec), nil
}

func validate(rec *store.ScheduleRecord) error {
	rec.Name = strings.TrimSpace(rec.Name)
	rec.Cron = strings.TrimSpace(rec.Cron)
	rec.AgentID = strings.TrimSpace(rec.AgentID)
	switch {
	case rec.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalid)
	case rec.AgentID == "":
		return fmt.Errorf("%w: agentId is required", ErrInvalid)
	case strings.TrimSpace(rec.Message) == "":
		return fmt.Errorf("%w: message is required", ErrInvalid)
	}
	return ValidateCron(rec.Cron)
}

// Create validates and stores rec, then re-syncs the triggers.
func (s *Scheduler) Create(ctx context.Context, rec store.ScheduleRecord) (*Schedule, error) {
	if err := validate(&rec); err != nil {
		return nil, err
	}
	rec.ID = ""
	rec.LastRunAt = time.Time{}
	rec.LastError = ""
	if err := s.store.CreateSchedule(ctx, &rec); err != nil {
		return nil, err
	}
	if err := s.sync(ctx); err != nil {
		return nil, err
	}
	return s.Get(ctx, rec.ID)
}

// Update applies p to the schedule id.
func (s *Scheduler) Update(ctx context.Context, id string, p Patch) (*Schedule, error) {
	s.mu.Lock()
	rec, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	apply(rec, p)
	if err := validate(rec); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	err = s.store.UpdateSchedule(ctx, rec)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := s.sync(ctx); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func apply(rec *store.ScheduleRecord, p Patch) {
	if p.Name != nil {
		rec.Name = *p.Name
	}
	if p.Cron != nil {
		rec.Cron = *p.Cron
	}
	if p.Enabled != nil {
		rec.Enabled = *p.Enabled
	}
	if p.AgentID != nil {
		rec.AgentID = *p.AgentID
	}
	if p.Message != nil {
		rec.Message = *p.Message
	}
	if p.SessionKey != nil {
		rec.SessionKey = *p.SessionKey
	}
	if p.ThinkLevel != nil {
		rec.ThinkLevel = *p.ThinkLevel
	}
}

// Delete removes the schedule id.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	return s.sync(ctx)
}

// cronLogger sends cron's own logging to the debug log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	debug.LogKV("cron", msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	debug.LogKV("cron", msg, append(keysAndValues, "error", err)...)
}
