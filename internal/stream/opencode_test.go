package stream

import (
	"testing"
)

func TestParseOpencodeToolUseEmitsCallAndResult(t *testing.T) {
	raw := `{"type":"tool_use","sessionID":"s1","part":{"type":"tool","callID":"call_1","tool":"bash","state":{"status":"completed","input":{"command":"pwd"},"output":"/tmp"}}}`
	line := ParseLine([]byte(raw), ForCLI("opencode"))
	assertKinds(t, line.Events, KindToolCall, KindToolResult)
	if line.Events[0].ToolID != "call_1" || string(line.Events[0].Input) != `{"command":"pwd"}` {
		t.Fatalf("call = %+v", line.Events[0])
	}
	if line.Events[1].Text != "/tmp" || line.Events[1].IsError {
		t.Fatalf("result = %+v", line.Events[1])
	}
}

func TestParseOpencodeMisc(t *testing.T) {
	tests := []struct {
		line string
		kind Kind
		text string
	}{
		{`{"type":"step_start","sessionID":"open-1"}`, KindSession, ""},
		{`{"type":"text","part":{"type":"text","text":"hello"}}`, KindText, "hello"},
		{`{"type":"reasoning","part":{"type":"reasoning","text":"hmm"}}`, KindThinking, "hmm"},
		{`{"type":"step_finish","part":{"type":"step-finish"}}`, KindResult, ""},
		{`{"type":"error","error":{"name":"APIError","data":{"message":"bad key"}}}`, KindResult, "bad key"},
	}
	for _, tt := range tests {
		line := ParseLine([]byte(tt.line), ForCLI("opencode"))
		if len(line.Events) != 1 || line.Events[0].Kind != tt.kind || line.Events[0].Text != tt.text {
			t.Fatalf("%s => %+v", tt.line, line.Events)
		}
	}
}
