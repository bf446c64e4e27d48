package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

type codexEvent struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id,omitempty"`
	Error    *codexError `json:"error,omitempty"`
	Item     *codexItem  `json:"item,omitempty"`
}

type codexError struct {
	Message string `json:"message"`
}

type codexItem struct {
	ID               string            `json:"id,omitempty"`
	Type             string            `json:"type,omitempty"`
	Text             string            `json:"text,omitempty"`
	Command          string            `json:"command,omitempty"`
	AggregatedOutput string            `json:"aggregated_output,omitempty"`
	ExitCode         *int              `json:"exit_code,omitempty"`
	Status           string            `json:"status,omitempty"`
	Server           string            `json:"server,omitempty"`
	Tool             string            `json:"tool,omitempty"`
	Arguments        json.RawMessage   `json:"arguments,omitempty"`
	Result           json.RawMessage   `json:"result,omitempty"`
	Error            *codexError       `json:"error,omitempty"`
	Changes          []codexFileChange `json:"changes,omitempty"`
	Items            []codexTodoItem   `json:"items,omitempty"`
	Query            string            `json:"query,omitempty"`
}

type codexFileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type codexTodoItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// parseCodexLine maps one line of `codex exec --json`.
func parseCodexLine(raw []byte) ([]Event, bool, error) {
	var ev codexEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, false, err
	}

	switch ev.Type {
	case "thread.started":
		return []Event{{Kind: KindSession, SessionID: ev.ThreadID}}, true, nil
	case "turn.completed":
		return []Event{{Kind: KindResult}}, true, nil
	case "turn.failed":
		msg := "turn failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return []Event{{Kind: KindResult, IsError: true, Text: msg}}, true, nil
	case "error":
		msg := "unknown error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return []Event{{Kind: KindError, Text: msg}}, true, nil
	case "item.started", "item.updated", "item.completed":
		if ev.Item == nil {
			return nil, false, nil
		}
		return codexItemEvents(ev.Type, *ev.Item)
	default:
		return nil, false, nil
	}
}

func codexItemEvents(eventType string, item codexItem) ([]Event, bool, error) {
	switch item.Type {
	case "agent_message":
		if strings.TrimSpace(item.Text) == "" || eventType != "item.completed" {
			return nil, false, nil
		}
		return []Event{{Kind: KindText, Text: item.Text}}, true, nil
	case "reasoning":
		if strings.TrimSpace(item.Text) == "" {
			return nil, false, nil
		}
		return []Event{{Kind: KindThinking, Text: item.Text}}, true, nil
	case "command_execution":
		return codexCommandEvents(eventType, item)
	case "mcp_tool_call":
		return codexMCPEvents(eventType, item)
	case "file_change":
		summary := codexFileChangeSummary(item)
		if summary == "" || eventType == "item.started" {
			return nil, false, nil
		}
		return []Event{{Kind: KindDiff, Text: summary, IsError: strings.EqualFold(item.Status, "failed")}}, true, nil
	case "todo_list":
		var b strings.Builder
		for _, todo := range item.Items {
			if todo.Text == "" {
				continue
			}
			check := " "
			if todo.Completed {
				check = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", check, todo.Text)
		}
		text := strings.TrimSpace(b.String())
		if text == "" {
			return nil, false, nil
		}
		return []Event{{Kind: KindThinking, Text: text}}, true, nil
	case "web_search":
		if eventType == "item.started" {
			input, _ := json.Marshal(map[string]string{"query": item.Query})
			return []Event{{Kind: KindToolCall, ToolID: item.ID, ToolName: "web_search", Input: input}}, true, nil
		}
		return []Event{{Kind: KindToolResult, ToolID: item.ID, ToolName: "web_search", Text: firstNonEmpty(item.Query, "web search completed")}}, true, nil
	case "error":
		msg := "unknown error"
		if item.Error != nil && strings.TrimSpace(item.Error.Message) != "" {
			msg = item.Error.Message
		}
		return []Event{{Kind: KindError, Text: msg}}, true, nil
	default:
		return nil, false, nil
	}
}

func codexIsStart(eventType, status string) bool {
	status = strings.ToLower(strings.TrimSpace(status))
	return eventType == "item.started" || status == "" || status == "in_progress"
}

func codexCommandEvents(eventType string, item codexItem) ([]Event, bool, error) {
	if codexIsStart(eventType, item.Status) {
		input, err := json.Marshal(map[string]string{"command": item.Command})
		if err != nil {
			return nil, false, fmt.Errorf("marshal command_execution input: %w", err)
		}
		return []Event{{Kind: KindToolCall, ToolID: item.ID, ToolName: "Bash", Input: input}}, true, nil
	}

	status := strings.ToLower(item.Status)
	isError := status == "failed" || status == "declined" || (item.ExitCode != nil && *item.ExitCode != 0)
	text := item.AggregatedOutput
	if strings.TrimSpace(text) == "" {
		if item.ExitCode != nil {
			text = fmt.Sprintf("command finished (exit=%d)", *item.ExitCode)
		} else {
			text = "command finished"
		}
	}
	return []Event{{Kind: KindToolResult, ToolID: item.ID, ToolName: "Bash", Text: text, IsError: isError}}, true, nil
}

func codexMCPEvents(eventType string, item codexItem) ([]Event, bool, error) {
	toolName := strings.Trim(strings.Join([]string{item.Server, item.Tool}, "."), ".")
	if toolName == "" {
		toolName = "mcp"
	}
	if codexIsStart(eventType, item.Status) {
		input := item.Arguments
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return []Event{{Kind: KindToolCall, ToolID: item.ID, ToolName: toolName, Input: input}}, true, nil
	}
	if item.Error != nil && strings.TrimSpace(item.Error.Message) != "" {
		return []Event{{Kind: KindToolResult, ToolID: item.ID, ToolName: toolName, Text: item.Error.Message, IsError: true}}, true, nil
	}
	text := "ok"
	if len(item.Result) > 0 {
		text = toolText(item.Result)
	}
	return []Event{{Kind: KindToolResult, ToolID: item.ID, ToolName: toolName, Text: text, IsError: strings.EqualFold(item.Status, "failed")}}, true, nil
}

func codexFileChangeSummary(item codexItem) string {
	if len(item.Changes) == 0 {
		if strings.EqualFold(item.Status, "failed") {
			return "File changes failed."
		}
		return "File changes completed."
	}
	parts := make([]string, 0, len(item.Changes))
	for _, ch := range item.Changes {
		if ch.Path == "" {
			continue
		}
		if ch.Kind == "" {
			parts = append(parts, ch.Path)
			continue
		}
		parts = append(parts, ch.Kind+" "+ch.Path)
	}
	if len(parts) == 0 {
		return ""
	}
	summary := strings.Join(parts, ", ")
	if len(summary) > 500 {
		summary = summary[:500] + "..."
	}
	if strings.EqualFold(item.Status, "failed") {
		return "File changes failed: " + summary
	}
	return "File changes: " + summary
}
