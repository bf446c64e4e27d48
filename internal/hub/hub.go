// Package hub is the run entry point for chat agents. It resolves sessions,
// admits runs into the run queue, executes them with the agent's runner and
// publishes their events on the chat bus.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agusx1211/agenthub/internal/bus"
	"github.com/agusx1211/agenthub/internal/config"
	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/events"
	"github.com/agusx1211/agenthub/internal/hexid"
	"github.com/agusx1211/agenthub/internal/runqueue"
	"github.com/agusx1211/agenthub/internal/session"
)

var (
	// ErrAgentNotFound is returned for unknown or inactive agents.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrInvalid is returned for malformed run requests.
	ErrInvalid = errors.New("invalid run request")
)

// RunRequest asks an agent to process one message.
type RunRequest struct {
	AgentID    string `json:"agentId"`
	Message    string `json:"message"`
	SessionID  string `json:"sessionId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	ThinkLevel string `json:"thinkLevel,omitempty"`
}

// Kind classifies a prepared request.
type Kind int

const (
	KindRun Kind = iota
	KindAbort
	KindReset
)

// Prepared is a request whose session has been resolved but which has not
// been admitted yet. Subscribing to Topic between Prepare and Enqueue
// observes every event of the run.
type Prepared struct {
	Kind       Kind
	RunID      string
	Agent      config.Agent
	SessionID  string // empty for an abort with no existing session
	SessionKey string
	Message    string
	ThinkLevel string
}

// Topic returns the bus topic the request's events are published on.
func (p *Prepared) Topic() Topic {
	return Topic{AgentID: p.Agent.ID, SessionID: p.SessionID}
}

// Accepted is the admission outcome of a request.
type Accepted struct {
	RunID      string `json:"runId"`
	SessionID  string `json:"sessionId"`
	SessionKey string `json:"sessionKey"`
	Queued     bool   `json:"queued"`
	Aborted    int    `json:"aborted,omitempty"`
	Reset      bool   `json:"reset,omitempty"`

	agentID string
	ticket  *runqueue.Ticket
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Immediate reports whether the request completed at admission, which is
// the case for abort and reset.
func (a *Accepted) Immediate() bool {
	return a.ticket == nil
}

// Done is closed once the run's terminal event has been published.
func (a *Accepted) Done() <-chan struct{} {
	if a.ticket == nil {
		return closedCh
	}
	return a.ticket.Done()
}

// Terminal returns the terminal event of a finished run as it was
// published. It must only be called after Done is closed.
func (a *Accepted) Terminal() events.Event {
	ev := events.Event{Type: events.TypeDone}
	if a.ticket != nil {
		res, err := a.ticket.Wait(context.Background())
		ev = terminalEvent(a.ticket.Queued, res, err)
	}
	ev.RunID = a.RunID
	ev.AgentID = a.agentID
	ev.SessionID = a.SessionID
	ev.SessionKey = a.SessionKey
	return ev
}

// Wait blocks until the run has finished. Abort and reset requests complete
// at admission.
func (a *Accepted) Wait(ctx context.Context) (runqueue.Result, error) {
	if a.ticket == nil {
		return runqueue.Result{}, nil
	}
	return a.ticket.Wait(ctx)
}

// Topic routes run events to the subscribers of one session.
type Topic struct {
	AgentID   string
	SessionID string
}

// Options configures a Hub.
type Options struct {
	Config   *config.Config
	Sessions *session.Registry
	Queue    *runqueue.Queue
	// WorkDir returns the directory CLI runners execute in for an agent.
	WorkDir func(agentID string) string
	// EchoDelay paces the echo runner's text chunks.
	EchoDelay time.Duration
	// EventBuffer is the per-subscriber buffer of the chat bus.
	EventBuffer int
}

// Hub executes chat runs.
type Hub struct {
	cfg      *config.Config
	sessions *session.Registry
	queue    *runqueue.Queue
	bus      *bus.Bus[Topic, events.Event]
	workDir  func(agentID string) string
	echo     time.Duration
}

// New creates a Hub.
func New(opts Options) *Hub {
	return &Hub{
		cfg:      opts.Config,
		sessions: opts.Sessions,
		queue:    opts.Queue,
		bus:      bus.New[Topic, events.Event]("chat", opts.EventBuffer),
		workDir:  opts.WorkDir,
		echo:     opts.EchoDelay,
	}
}

// IsAbort reports whether message is the abort trigger.
func IsAbort(message, trigger string) bool {
	if trigger == "" {
		trigger = config.DefaultAbortTrigger
	}
	return strings.EqualFold(strings.TrimSpace(message), trigger)
}

// Agent returns an active agent by id.
func (h *Hub) Agent(id string) (config.Agent, error) {
	a, ok := h.cfg.Agent(strings.TrimSpace(id))
	if !ok || !a.IsActive() {
		return config.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a, nil
}

// Subscribe follows the events of one session.
func (h *Hub) Subscribe(t Topic) *bus.Subscription[Topic, events.Event] {
	return h.bus.Subscribe(t)
}

// SubscribeAll follows every run event.
func (h *Hub) SubscribeAll() *bus.Subscription[Topic, events.Event] {
	return h.bus.SubscribeAll()
}

// Prepare validates req and resolves its session. Abort requests never
// create a session.
func (h *Hub) Prepare(ctx context.Context, req RunRequest) (*Prepared, error) {
	ag, err := h.Agent(req.AgentID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalid)
	}
	p := &Prepared{
		RunID:      hexid.Prefixed("run"),
		Agent:      ag,
		SessionKey: session.NormalizeKey(req.SessionKey),
		Message:    req.Message,
	}

	if IsAbort(req.Message, h.cfg.AbortTrigger) {
		p.Kind = KindAbort
		return p, h.lookupExisting(ctx, p, req.SessionID)
	}
	if strings.EqualFold(strings.TrimSpace(req.Message), h.resetTrigger()) {
		p.Kind = KindReset
		if err := h.lookupExisting(ctx, p, req.SessionID); err != nil {
			return nil, err
		}
		return p, nil
	}

	if req.SessionID != "" {
		entry, err := h.sessions.GetByID(ctx, ag.ID, req.SessionID)
		if err != nil {
			return nil, err
		}
		p.SessionID, p.SessionKey = entry.SessionID, entry.SessionKey
		p.ThinkLevel = req.ThinkLevel
		return p, nil
	}
	res, err := h.sessions.Resolve(ctx, ag.ID, p.SessionKey, req.Message)
	if err != nil {
		return nil, err
	}
	p.SessionID, p.SessionKey, p.Message = res.SessionID, res.SessionKey, res.Message
	p.ThinkLevel = req.ThinkLevel
	if res.ThinkLevel != "" {
		p.ThinkLevel = res.ThinkLevel
	}
	if strings.TrimSpace(p.Message) == "" {
		return nil, fmt.Errorf("%w: message is empty after directives", ErrInvalid)
	}
	return p, nil
}

// lookupExisting fills the session of p without creating one.
func (h *Hub) lookupExisting(ctx context.Context, p *Prepared, sessionID string) error {
	if sessionID != "" {
		entry, err := h.sessions.GetByID(ctx, p.Agent.ID, sessionID)
		if err != nil {
			return err
		}
		p.SessionID, p.SessionKey = entry.SessionID, entry.SessionKey
		return nil
	}
	entry, err := h.sessions.Get(ctx, p.Agent.ID, p.SessionKey)
	if err != nil {
		return err
	}
	if entry != nil {
		p.SessionID = entry.SessionID
	}
	return nil
}

func (h *Hub) resetTrigger() string {
	if h.cfg.ResetTrigger != "" {
		return h.cfg.ResetTrigger
	}
	return config.DefaultResetTrigger
}

// Enqueue admits a prepared request.
func (h *Hub) Enqueue(ctx context.Context, p *Prepared) (*Accepted, error) {
	key := runqueue.Key{AgentID: p.Agent.ID, Session: p.SessionKey}
	acc := &Accepted{RunID: p.RunID, SessionID: p.SessionID, SessionKey: p.SessionKey, agentID: p.Agent.ID}

	switch p.Kind {
	case KindAbort:
		acc.Aborted = h.queue.Cancel(key)
		debug.LogKV("hub", "abort", "agent", p.Agent.ID, "key", p.SessionKey, "canceled", acc.Aborted)
		h.publish(p, events.Event{Type: events.TypeDone})
		return acc, nil
	case KindReset:
		h.queue.Cancel(key)
		entry, err := h.sessions.Reset(ctx, p.Agent.ID, p.SessionKey)
		if err != nil {
			return nil, err
		}
		acc.Reset = true
		acc.SessionID = entry.SessionID
		h.publish(p, events.Event{Type: events.TypeSessionReset, NewID: entry.SessionID})
		h.publish(p, events.Event{Type: events.TypeDone})
		return acc, nil
	}

	runner := h.runner(p)
	started := time.Now()
	ticket, err := h.queue.Submit(ctx, key, p.Agent.Serializes(), func(runCtx context.Context) (runqueue.Result, error) {
		return h.execute(runCtx, p, runner)
	}, func(t *runqueue.Ticket, res runqueue.Result, err error) {
		h.finish(p, t, res, err, started)
	})
	if err != nil {
		return nil, err
	}
	acc.Queued = ticket.Queued
	acc.ticket = ticket
	debug.LogKV("hub", "run admitted", "run", p.RunID, "agent", p.Agent.ID, "session", p.SessionID, "queued", ticket.Queued)
	return acc, nil
}

// Submit prepares and admits req.
func (h *Hub) Submit(ctx context.Context, req RunRequest) (*Accepted, error) {
	p, err := h.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return h.Enqueue(ctx, p)
}

// Execute submits req and waits for its result. It is the entry point used
// by the scheduler.
func (h *Hub) Execute(ctx context.Context, req RunRequest) (runqueue.Result, error) {
	acc, err := h.Submit(ctx, req)
	if err != nil {
		return runqueue.Result{}, err
	}
	return acc.Wait(ctx)
}

func (h *Hub) execute(ctx context.Context, p *Prepared, run runFunc) (runqueue.Result, error) {
	streaming := true
	act := session.Activity{Streaming: &streaming}
	if p.Agent.AuthMode == config.AuthModeOAuth {
		act.ThinkLevel = p.ThinkLevel
	}
	if err := h.sessions.RecordActivity(ctx, p.Agent.ID, p.SessionID, act); err != nil {
		debug.LogKV("hub", "record activity failed", "session", p.SessionID, "error", err)
	}

	start := time.Now()
	out, cliSession, err := run(ctx, func(ev events.Event) { h.publish(p, ev) })

	streaming = false
	after := session.Activity{Streaming: &streaming, CLISessionID: cliSession}
	if recErr := h.sessions.RecordActivity(context.Background(), p.Agent.ID, p.SessionID, after); recErr != nil {
		debug.LogKV("hub", "record activity failed", "session", p.SessionID, "error", recErr)
	}
	return runqueue.Result{Output: out, Duration: time.Since(start)}, err
}

// finish publishes the terminal event of a run. It runs on the queue's
// goroutine before the lane advances, so terminal events of one session key
// are published in submission order.
func (h *Hub) finish(p *Prepared, ticket *runqueue.Ticket, res runqueue.Result, err error, started time.Time) {
	h.publish(p, terminalEvent(ticket.Queued, res, err))
	debug.LogKV("hub", "run finished", "run", p.RunID, "elapsed", time.Since(started), "error", err)
}

func terminalEvent(queued bool, res runqueue.Result, err error) events.Event {
	switch {
	case err == nil:
		return events.Event{Type: events.TypeDone, Meta: &events.DoneMeta{
			DurationMs: res.Duration.Milliseconds(),
			Queued:     queued,
		}}
	case errors.Is(err, context.Canceled) || errors.Is(err, runqueue.ErrCanceled):
		return events.Event{Type: events.TypeError, Message: "run aborted"}
	default:
		return events.Event{Type: events.TypeError, Message: err.Error()}
	}
}

func (h *Hub) publish(p *Prepared, ev events.Event) {
	ev.RunID = p.RunID
	ev.AgentID = p.Agent.ID
	ev.SessionID = p.SessionID
	ev.SessionKey = p.SessionKey
	h.bus.Publish(p.Topic(), ev)
}
