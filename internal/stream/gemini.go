package stream

import (
	"encoding/json"
	"strings"
)

// geminiEvent is one line of `gemini --output-format stream-json`.
//
//   - init:        session_id, model
//   - message:     role ("user"|"assistant"), content, delta
//   - tool_use:    tool_name, tool_id, parameters
//   - tool_result: tool_id, status ("success"|"error"), output, error
//   - error:       severity ("warning"|"error"), message
//   - result:      status ("success"|"error"), error
type geminiEvent struct {
	Type       string           `json:"type"`
	SessionID  string           `json:"session_id,omitempty"`
	Role       string           `json:"role,omitempty"`
	Content    string           `json:"content,omitempty"`
	Delta      bool             `json:"delta,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	ToolID     string           `json:"tool_id,omitempty"`
	Parameters json.RawMessage  `json:"parameters,omitempty"`
	Status     string           `json:"status,omitempty"`
	Output     string           `json:"output,omitempty"`
	Message    string           `json:"message,omitempty"`
	Severity   string           `json:"severity,omitempty"`
	Error      *geminiErrorInfo `json:"error,omitempty"`
}

type geminiErrorInfo struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

func parseGeminiLine(raw []byte) ([]Event, bool, error) {
	var ge geminiEvent
	if err := json.Unmarshal(raw, &ge); err != nil {
		return nil, false, err
	}

	switch ge.Type {
	case "init":
		return []Event{{Kind: KindSession, SessionID: ge.SessionID}}, true, nil
	case "message":
		if ge.Role != "assistant" || ge.Content == "" {
			return nil, false, nil
		}
		return []Event{{Kind: KindText, Text: ge.Content, Delta: ge.Delta}}, true, nil
	case "tool_use":
		input := ge.Parameters
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return []Event{{Kind: KindToolCall, ToolID: ge.ToolID, ToolName: ge.ToolName, Input: input}}, true, nil
	case "tool_result":
		output := ge.Output
		isError := ge.Status == "error"
		if isError && ge.Error != nil && ge.Error.Message != "" {
			output = ge.Error.Message
		}
		return []Event{{Kind: KindToolResult, ToolID: ge.ToolID, Text: output, IsError: isError}}, true, nil
	case "error":
		if strings.EqualFold(ge.Severity, "warning") {
			return []Event{{Kind: KindRaw, Text: ge.Message}}, true, nil
		}
		return []Event{{Kind: KindError, Text: firstNonEmpty(ge.Message, "unknown error")}}, true, nil
	case "result":
		ev := Event{Kind: KindResult}
		if ge.Status == "error" {
			ev.IsError = true
			if ge.Error != nil {
				ev.Text = ge.Error.Message
			}
		}
		return []Event{ev}, true, nil
	default:
		return nil, false, nil
	}
}
