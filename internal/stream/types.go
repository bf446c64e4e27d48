package stream

import "encoding/json"

// Kind classifies a normalized stream event.
type Kind string

const (
	KindSession    Kind = "session"     // CLI announced its conversation id
	KindText       Kind = "text"        // assistant text
	KindThinking   Kind = "thinking"    // reasoning summary
	KindToolCall   Kind = "tool_call"   // tool invocation started
	KindToolResult Kind = "tool_result" // tool invocation finished
	KindDiff       Kind = "diff"        // file change summary
	KindResult     Kind = "result"      // turn finished
	KindError      Kind = "error"       // CLI-reported error
	KindRaw        Kind = "raw"         // non-JSON output line
	KindSkip       Kind = "skip"        // JSON line with no mapping
)

// Event is one CLI output frame normalized across the supported tools.
type Event struct {
	Kind      Kind
	Text      string
	SessionID string
	ToolID    string
	ToolName  string
	Input     json.RawMessage
	IsError   bool
	// Delta marks a partial text chunk to be joined with its neighbours.
	Delta bool
}

// Line is one line read from a CLI's stdout with the events it produced.
type Line struct {
	Raw    []byte
	Events []Event
	Err    error
}
