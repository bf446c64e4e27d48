package stream

import (
	"encoding/json"
	"strings"
)

// claudeEvent is one line of `claude -p --output-format stream-json`.
type claudeEvent struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Message   *claudeMessage `json:"message,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Result    string         `json:"result,omitempty"`
}

type claudeMessage struct {
	Role    string        `json:"role,omitempty"`
	Content []claudeBlock `json:"content,omitempty"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func parseClaudeLine(raw []byte) ([]Event, bool, error) {
	var ev claudeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, false, err
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" && ev.SessionID != "" {
			return []Event{{Kind: KindSession, SessionID: ev.SessionID}}, true, nil
		}
		return nil, false, nil
	case "assistant", "user":
		if ev.Message == nil {
			return nil, false, nil
		}
		var out []Event
		for _, b := range ev.Message.Content {
			switch b.Type {
			case "text":
				if strings.TrimSpace(b.Text) != "" && ev.Type == "assistant" {
					out = append(out, Event{Kind: KindText, Text: b.Text})
				}
			case "thinking":
				if t := firstNonEmpty(b.Thinking, b.Text); t != "" {
					out = append(out, Event{Kind: KindThinking, Text: t})
				}
			case "tool_use":
				input := b.Input
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				out = append(out, Event{Kind: KindToolCall, ToolID: b.ID, ToolName: b.Name, Input: input})
			case "tool_result":
				out = append(out, Event{Kind: KindToolResult, ToolID: b.ToolUseID, Text: toolText(b.Content), IsError: b.IsError})
			}
		}
		if len(out) == 0 {
			return nil, false, nil
		}
		return out, true, nil
	case "result":
		return []Event{{Kind: KindResult, Text: ev.Result, IsError: ev.IsError, SessionID: ev.SessionID}}, true, nil
	default:
		return nil, false, nil
	}
}

// ClaudeUserMessage encodes a follow-up prompt for
// `claude --input-format stream-json`.
func ClaudeUserMessage(prompt string) ([]byte, error) {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]string{
				{"type": "text", "text": prompt},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
