package subagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agusx1211/agenthub/internal/agent"
	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/events"
	"github.com/agusx1211/agenthub/internal/store"
)

// run is the process currently attached to a record. A run may launch
// several processes when follow-up prompts arrive after the CLI stopped
// reading stdin.
type run struct {
	recordID string
	done     chan struct{}

	mu          sync.Mutex
	proc        *agent.Process
	queue       []string
	settled     bool
	interrupted bool
	killed      bool
	timedOut    bool
	closing     bool
	watching    bool
}

func (r *run) process() *agent.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc
}

// deliver hands a follow-up prompt to the run. It reports false when the
// run is finishing and the caller must relaunch after done closes.
func (r *run) deliver(prompt string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled || r.interrupted || r.killed || r.closing {
		return false, nil
	}
	if r.proc != nil && r.proc.AcceptsInput() {
		if err := r.proc.Send(prompt); err == nil {
			return true, nil
		} else if !errors.Is(err, agent.ErrInputClosed) {
			return false, err
		}
	}
	r.queue = append(r.queue, prompt)
	return true, nil
}

// next pops the prompt to relaunch with. It reports false, leaving the
// queue in place, when the run cannot continue.
func (r *run) next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 || r.interrupted || r.killed || r.closing {
		return "", false
	}
	prompt := r.queue[0]
	r.queue = r.queue[1:]
	return prompt, true
}

// abandon marks the run settled and returns the prompts that were accepted
// but will never reach a process.
func (r *run) abandon() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = true
	q := r.queue
	r.queue = nil
	return q
}

func (r *run) kill() {
	r.mu.Lock()
	r.killed = true
	proc := r.proc
	r.mu.Unlock()
	if proc != nil {
		if err := proc.Kill(); err != nil {
			debug.LogKV("subagent", "kill failed", "id", r.recordID, "pid", proc.PID(), "error", err)
		}
	}
}

func (r *run) close() {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
}

// interrupt sends SIGINT and starts a watcher that kills the process if it
// is still alive after grace.
func (r *run) interrupt(grace time.Duration) {
	r.mu.Lock()
	r.interrupted = true
	proc := r.proc
	startWatcher := !r.watching
	r.watching = true
	r.mu.Unlock()
	if proc == nil {
		return
	}
	if err := proc.Interrupt(); err != nil {
		debug.LogKV("subagent", "interrupt failed", "id", r.recordID, "pid", proc.PID(), "error", err)
	}
	if !startWatcher {
		return
	}
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-r.done:
		case <-timer.C:
			r.mu.Lock()
			r.timedOut = true
			current := r.proc
			r.mu.Unlock()
			debug.LogKV("subagent", "interrupt grace expired, killing", "id", r.recordID, "grace", grace)
			if current != nil {
				_ = current.Kill()
			}
		}
	}()
}

func (r *run) outcome(exit agent.Exit, resultErr string) (status, lastError string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closing:
		return store.StatusError, shutdownMessage
	case r.killed:
		return store.StatusError, "killed"
	case r.timedOut:
		return store.StatusError, interruptTimeoutMsg
	case exit.Err != nil:
		return store.StatusError, exit.Err.Error()
	case exit.Code != 0:
		msg := fmt.Sprintf("exit status %d", exit.Code)
		if r.interrupted {
			msg = "interrupted: " + msg
		}
		return store.StatusError, msg
	case resultErr != "":
		return store.StatusError, resultErr
	}
	return store.StatusReplied, ""
}

// supervise drains the run's processes until the record settles.
func (m *Manager) supervise(r *run) {
	defer m.wg.Done()
	for {
		proc := r.process()
		tr := newTranslator(m, r.recordID)
		for out := range proc.Output() {
			tr.line(out)
		}
		tr.flush()
		exit, _ := proc.Wait(context.Background())

		status, lastError := r.outcome(exit, tr.resultErr)
		var undelivered []string
		if status == store.StatusReplied {
			if prompt, ok := r.next(); ok {
				err := m.relaunch(r, prompt, tr.sessionID)
				if err == nil {
					continue
				}
				undelivered = append(undelivered, prompt)
				status, lastError = store.StatusError, err.Error()
			}
		}
		undelivered = append(undelivered, r.abandon()...)
		m.reportUndelivered(r.recordID, undelivered, status, lastError)
		debug.LogKV("subagent", "run settled", "id", r.recordID, "status", status, "exit_code", exit.Code, "error", lastError)
		m.settle(r, status, lastError)
		return
	}
}

// relaunch starts the CLI again in resume mode for a queued prompt.
func (m *Manager) relaunch(r *run, prompt, sessionID string) error {
	rec, err := m.store.GetSubagent(m.baseCtx, r.recordID)
	if err != nil {
		debug.LogKV("subagent", "relaunch: record lookup failed", "id", r.recordID, "error", err)
		return fmt.Errorf("relaunch: %w", err)
	}
	if sessionID == "" {
		sessionID = rec.CLISessionID
	}
	proc, err := m.launch(rec, prompt, sessionID)
	if err != nil {
		return fmt.Errorf("relaunch: %w", err)
	}
	r.mu.Lock()
	r.proc = proc
	r.mu.Unlock()
	if _, err := m.withRecordLock(m.baseCtx, r.recordID, func(rec *Subagent) error {
		rec.PID = proc.PID()
		rec.Prompt = truncatePrompt(prompt)
		rec.LastActive = time.Now().UTC()
		return nil
	}); err != nil {
		debug.LogKV("subagent", "relaunch: record update failed", "id", r.recordID, "error", err)
	}
	return nil
}

// reportUndelivered logs an error event for each prompt that was accepted
// but never reached a process.
func (m *Manager) reportUndelivered(id string, prompts []string, status, lastError string) {
	reason := lastError
	if reason == "" {
		reason = "run ended as " + status
	}
	for _, p := range prompts {
		debug.LogKV("subagent", "prompt not delivered", "id", id, "reason", reason)
		m.appendLog(id, events.LogEvent{
			Type: events.LogError,
			Text: fmt.Sprintf("prompt not delivered (%s): %s", reason, previewPrompt(p)),
		})
	}
}

func previewPrompt(p string) string {
	const limit = 200
	r := []rune(p)
	if len(r) <= limit {
		return p
	}
	return string(r[:limit]) + "…"
}

// settle writes the final status, detaches the run and closes done.
func (m *Manager) settle(r *run, status, lastError string) {
	if status == store.StatusError && lastError != "" {
		m.appendLog(r.recordID, events.LogEvent{Type: events.LogError, Text: lastError})
	}
	if _, err := m.withRecordLock(m.baseCtx, r.recordID, func(rec *Subagent) error {
		rec.Status = status
		rec.LastError = lastError
		rec.PID = 0
		rec.LastActive = time.Now().UTC()
		return nil
	}); err != nil {
		debug.LogKV("subagent", "settle: record update failed", "id", r.recordID, "error", err)
	}
	m.mu.Lock()
	if m.runs[r.recordID] == r {
		delete(m.runs, r.recordID)
	}
	m.mu.Unlock()
	close(r.done)
}
