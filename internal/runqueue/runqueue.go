// Package runqueue serializes runs per conversation.
//
// Runs submitted for the same Key with serialization on execute strictly in
// submission order, one at a time. Runs for different keys, and runs
// submitted without serialization, execute concurrently.
package runqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agusx1211/agenthub/internal/debug"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("run queue closed")

// ErrCanceled completes tickets whose run was dropped by Cancel before it
// started.
var ErrCanceled = errors.New("run canceled")

// Key identifies one conversation.
type Key struct {
	AgentID string
	Session string
}

// Result is what a runner produced.
type Result struct {
	Output   string
	Duration time.Duration
}

// Runner executes one run. ctx is canceled by Cancel and Close.
type Runner func(ctx context.Context) (Result, error)

// Finisher observes a run's outcome. It is called on the goroutine that ran
// the job, before the ticket completes and before the lane starts the next
// run, so finishers of one key observe submission order. Dropped runs are
// reported with ErrCanceled.
type Finisher func(t *Ticket, res Result, err error)

// Ticket tracks one submitted run.
type Ticket struct {
	Key Key
	// Queued is true when the run had to wait behind another run of the
	// same key at admission time.
	Queued bool

	done   chan struct{}
	result Result
	err    error
}

// Done is closed once the run finished or was dropped.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the run completes or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (t *Ticket) finish(res Result, err error) {
	t.result = res
	t.err = err
	close(t.done)
}

type job struct {
	ticket *Ticket
	runner Runner
	finish Finisher
	cancel context.CancelFunc
	ctx    context.Context
}

type lane struct {
	running *job
	pending []*job
	free    map[*job]struct{} // unserialized runs currently executing
}

func (l *lane) idle() bool {
	return l.running == nil && len(l.pending) == 0 && len(l.free) == 0
}

// Queue owns every lane. Only the queue mutates lane state.
type Queue struct {
	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	lanes  map[Key]*lane
	closed bool
	wg     sync.WaitGroup
}

func New() *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{baseCtx: ctx, stop: cancel, lanes: make(map[Key]*lane)}
}

// Submit admits a run. Admission is synchronous; the run itself executes
// asynchronously and its outcome is observed through the ticket and the
// optional finisher.
func (q *Queue) Submit(ctx context.Context, key Key, serialize bool, runner Runner, finish ...Finisher) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(q.baseCtx)
	j := &job{
		ticket: &Ticket{Key: key, done: make(chan struct{})},
		runner: runner,
		ctx:    runCtx,
		cancel: cancel,
	}
	if len(finish) > 0 {
		j.finish = finish[0]
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		cancel()
		return nil, ErrClosed
	}
	l := q.lanes[key]
	if l == nil {
		l = &lane{free: make(map[*job]struct{})}
		q.lanes[key] = l
	}

	if !serialize {
		l.free[j] = struct{}{}
		q.wg.Add(1)
		go q.runFree(key, l, j)
		return j.ticket, nil
	}

	if l.running != nil {
		j.ticket.Queued = true
		l.pending = append(l.pending, j)
		debug.LogKV("runqueue", "run deferred", "agent", key.AgentID, "session", key.Session, "depth", len(l.pending))
		return j.ticket, nil
	}
	l.running = j
	q.wg.Add(1)
	go q.drain(key, l)
	return j.ticket, nil
}

// drain executes the lane's serialized jobs until none remain.
func (q *Queue) drain(key Key, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		j := l.running
		q.mu.Unlock()

		execute(j)

		q.mu.Lock()
		if len(l.pending) == 0 {
			l.running = nil
			if l.idle() {
				delete(q.lanes, key)
			}
			q.mu.Unlock()
			return
		}
		l.running = l.pending[0]
		l.pending = l.pending[1:]
		q.mu.Unlock()
	}
}

func (q *Queue) runFree(key Key, l *lane, j *job) {
	defer q.wg.Done()
	execute(j)
	q.mu.Lock()
	delete(l.free, j)
	if l.idle() && q.lanes[key] == l {
		delete(q.lanes, key)
	}
	q.mu.Unlock()
}

func execute(j *job) {
	defer j.cancel()
	if err := j.ctx.Err(); err != nil {
		complete(j, Result{}, ErrCanceled)
		return
	}
	start := time.Now()
	res, err := safeRun(j.ctx, j.runner)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	complete(j, res, err)
}

func complete(j *job, res Result, err error) {
	if j.finish != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					debug.LogKV("runqueue", "finisher panicked", "panic", p)
				}
			}()
			j.finish(j.ticket, res, err)
		}()
	}
	j.ticket.finish(res, err)
}

func safeRun(ctx context.Context, r Runner) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			debug.LogKV("runqueue", "runner panicked", "panic", p)
			err = errors.New("run panicked")
		}
	}()
	return r(ctx)
}

// Busy reports whether a run is executing for key.
func (q *Queue) Busy(key Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.lanes[key]
	return l != nil && (l.running != nil || len(l.free) > 0)
}

// Pending returns the number of runs waiting behind the in-flight one.
func (q *Queue) Pending(key Key) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l := q.lanes[key]; l != nil {
		return len(l.pending)
	}
	return 0
}

// Cancel cancels the in-flight runs for key and drops its pending ones.
// It returns how many runs were affected.
func (q *Queue) Cancel(key Key) int {
	q.mu.Lock()
	l := q.lanes[key]
	if l == nil {
		q.mu.Unlock()
		return 0
	}
	n := 0
	if l.running != nil {
		l.running.cancel()
		n++
	}
	for j := range l.free {
		j.cancel()
		n++
	}
	for _, j := range l.pending {
		j.cancel()
		n++
	}
	q.mu.Unlock()
	debug.LogKV("runqueue", "canceled", "agent", key.AgentID, "session", key.Session, "runs", n)
	return n
}

// Close rejects new submissions, cancels everything in flight and waits
// for the lanes to drain or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.stop()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
