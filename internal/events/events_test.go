package events

import (
	"encoding/json"
	"testing"
)

func TestEventWireShape(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"text", Event{Type: TypeText, Data: "hi", AgentID: "a"}, `{"type":"text","data":"hi"}`},
		{"tool call", Event{Type: TypeToolCall, ToolID: "t1", ToolName: "bash", Arguments: json.RawMessage(`{"cmd":"ls"}`)},
			`{"type":"tool_call","id":"t1","name":"bash","arguments":{"cmd":"ls"}}`},
		{"tool call without args", Event{Type: TypeToolCall, ToolID: "t1", ToolName: "bash"},
			`{"type":"tool_call","id":"t1","name":"bash","arguments":{}}`},
		{"tool end keeps false", Event{Type: TypeToolEnd, ToolName: "bash"}, `{"type":"tool_end","toolName":"bash","isError":false}`},
		{"session reset", Event{Type: TypeSessionReset, NewID: "s2"}, `{"type":"session_reset","sessionId":"s2"}`},
		{"done queued", Event{Type: TypeDone, Meta: &DoneMeta{DurationMs: 12, Queued: true}}, `{"type":"done","meta":{"durationMs":12,"queued":true}}`},
		{"done bare", Event{Type: TypeDone}, `{"type":"done"}`},
		{"error", Event{Type: TypeError, Message: "boom"}, `{"type":"error","message":"boom"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.ev)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("Marshal = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	for _, typ := range []string{TypeDone, TypeError} {
		if !(Event{Type: typ}).Terminal() {
			t.Fatalf("%s should be terminal", typ)
		}
	}
	if (Event{Type: TypeText}).Terminal() {
		t.Fatal("text should not be terminal")
	}
}

func TestValidLogType(t *testing.T) {
	if !ValidLogType(LogToolOutput) || ValidLogType("bogus") {
		t.Fatal("ValidLogType mismatch")
	}
}
