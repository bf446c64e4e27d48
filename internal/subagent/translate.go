package subagent

import (
	"strings"
	"time"

	"github.com/agusx1211/agenthub/internal/agent"
	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/events"
	"github.com/agusx1211/agenthub/internal/stream"
)

// translator maps one process's normalized stream events onto log events.
// Streaming text deltas are joined into a single assistant event.
type translator struct {
	m        *Manager
	recordID string

	delta     strings.Builder
	sessionID string
	resultErr string
}

func newTranslator(m *Manager, recordID string) *translator {
	return &translator{m: m, recordID: recordID}
}

func (t *translator) line(out agent.Output) {
	for _, ev := range out.Line.Events {
		if out.Stderr {
			t.flush()
			t.emit(events.LogEvent{Type: events.LogStderr, Text: ev.Text})
			continue
		}
		t.event(ev)
	}
}

func (t *translator) event(ev stream.Event) {
	if ev.Kind == stream.KindText && ev.Delta {
		t.delta.WriteString(ev.Text)
		return
	}
	t.flush()

	switch ev.Kind {
	case stream.KindSession:
		if ev.SessionID == "" || ev.SessionID == t.sessionID {
			return
		}
		t.sessionID = ev.SessionID
		t.m.setCLISession(t.recordID, ev.SessionID)
		t.emit(events.LogEvent{Type: events.LogSession, Text: ev.SessionID})
	case stream.KindText:
		if strings.TrimSpace(ev.Text) == "" {
			return
		}
		t.emit(events.LogEvent{Type: events.LogAssistant, Text: ev.Text})
	case stream.KindThinking:
		t.emit(events.LogEvent{Type: events.LogMessage, Text: ev.Text})
	case stream.KindToolCall:
		t.emit(events.LogEvent{
			Type: events.LogToolCall,
			Text: toolInput(ev),
			Tool: &events.ToolRef{ID: ev.ToolID, Name: ev.ToolName},
		})
	case stream.KindToolResult:
		le := events.LogEvent{Type: events.LogToolOutput, Text: ev.Text}
		if ev.ToolID != "" || ev.ToolName != "" {
			le.Tool = &events.ToolRef{ID: ev.ToolID, Name: ev.ToolName}
		}
		t.emit(le)
	case stream.KindDiff:
		t.emit(events.LogEvent{Type: events.LogDiff, Text: ev.Text})
	case stream.KindError:
		t.emit(events.LogEvent{Type: events.LogError, Text: ev.Text})
	case stream.KindResult:
		if ev.IsError {
			t.resultErr = firstLine(ev.Text, "agent reported an error")
		}
	case stream.KindRaw:
		if strings.TrimSpace(ev.Text) == "" {
			return
		}
		t.emit(events.LogEvent{Type: events.LogMessage, Text: ev.Text})
	case stream.KindSkip:
		t.emit(events.LogEvent{Type: events.LogSkip, Text: ev.Text})
	default:
		debug.LogKV("subagent", "unmapped stream event", "id", t.recordID, "kind", string(ev.Kind))
	}
}

// flush writes buffered text deltas as one assistant event.
func (t *translator) flush() {
	if t.delta.Len() == 0 {
		return
	}
	text := t.delta.String()
	t.delta.Reset()
	if strings.TrimSpace(text) != "" {
		t.emit(events.LogEvent{Type: events.LogAssistant, Text: text})
	}
}

func (t *translator) emit(ev events.LogEvent) {
	t.m.appendLog(t.recordID, ev)
}

func toolInput(ev stream.Event) string {
	if len(ev.Input) > 0 && string(ev.Input) != "null" {
		return string(ev.Input)
	}
	return ev.Text
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return fallback
	}
	return s
}

func (m *Manager) setCLISession(id, sessionID string) {
	if _, err := m.withRecordLock(m.baseCtx, id, func(rec *Subagent) error {
		rec.CLISessionID = sessionID
		rec.LastActive = time.Now().UTC()
		return nil
	}); err != nil {
		debug.LogKV("subagent", "failed to store cli session id", "id", id, "error", err)
	}
}
