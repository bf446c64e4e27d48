package stream

import (
	"encoding/json"
	"strings"
)

// opencodeEvent is one line of `opencode run --format json`. Every line
// carries the sessionID.
type opencodeEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionID,omitempty"`
	Part      json.RawMessage `json:"part,omitempty"`
	Error     *opencodeError  `json:"error,omitempty"`
}

type opencodeError struct {
	Name string          `json:"name,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type opencodePart struct {
	ID     string         `json:"id,omitempty"`
	Type   string         `json:"type,omitempty"`
	Text   string         `json:"text,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	CallID string         `json:"callID,omitempty"`
	State  *opencodeState `json:"state,omitempty"`
}

type opencodeState struct {
	Status string          `json:"status,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
}

func parseOpencodeLine(raw []byte) ([]Event, bool, error) {
	var ev opencodeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, false, err
	}

	switch ev.Type {
	case "step_start":
		if ev.SessionID == "" {
			return nil, false, nil
		}
		return []Event{{Kind: KindSession, SessionID: ev.SessionID}}, true, nil
	case "text", "reasoning":
		var part opencodePart
		if err := json.Unmarshal(ev.Part, &part); err != nil {
			return nil, false, err
		}
		if strings.TrimSpace(part.Text) == "" {
			return nil, false, nil
		}
		kind := KindText
		if ev.Type == "reasoning" {
			kind = KindThinking
		}
		return []Event{{Kind: kind, Text: part.Text}}, true, nil
	case "tool_use":
		return opencodeToolEvents(ev)
	case "step_finish":
		return []Event{{Kind: KindResult, SessionID: ev.SessionID}}, true, nil
	case "error":
		return []Event{{Kind: KindResult, IsError: true, Text: opencodeErrorText(ev.Error), SessionID: ev.SessionID}}, true, nil
	default:
		return nil, false, nil
	}
}

// opencode reports tool_use only once the tool has completed, so both the
// call and its result are emitted from the same line.
func opencodeToolEvents(ev opencodeEvent) ([]Event, bool, error) {
	var part opencodePart
	if err := json.Unmarshal(ev.Part, &part); err != nil {
		return nil, false, err
	}
	name := firstNonEmpty(part.Tool, "tool")
	id := firstNonEmpty(part.CallID, part.ID)
	input := json.RawMessage("{}")
	var output string
	var isError bool
	if part.State != nil {
		if len(part.State.Input) > 0 {
			input = part.State.Input
		}
		output = part.State.Output
		isError = part.State.Status == "error"
	}
	return []Event{
		{Kind: KindToolCall, ToolID: id, ToolName: name, Input: input},
		{Kind: KindToolResult, ToolID: id, ToolName: name, Text: output, IsError: isError},
	}, true, nil
}

func opencodeErrorText(e *opencodeError) string {
	if e == nil {
		return "unknown error"
	}
	if len(e.Data) > 0 {
		var data struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(e.Data, &data) == nil && data.Message != "" {
			return data.Message
		}
	}
	return firstNonEmpty(e.Name, "unknown error")
}
