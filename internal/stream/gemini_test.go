package stream

import (
	"context"
	"strings"
	"testing"
)

const testGeminiNDJSON = `{"type":"init","session_id":"gem-1","model":"gemini-2.5-pro"}
{"type":"message","role":"user","content":"hi"}
{"type":"message","role":"assistant","content":"Hel","delta":true}
{"type":"tool_use","tool_name":"read_file","tool_id":"t1","parameters":{"path":"a.go"}}
{"type":"tool_result","tool_id":"t1","status":"error","error":{"message":"not found"}}
{"type":"error","severity":"warning","message":"slow"}
{"type":"result","status":"success"}
`

func TestParseGemini(t *testing.T) {
	evs := collect(t, Parse(context.Background(), strings.NewReader(testGeminiNDJSON), ForCLI("gemini")))
	assertKinds(t, evs, KindSession, KindSkip, KindText, KindToolCall, KindToolResult, KindRaw, KindResult)

	if evs[0].SessionID != "gem-1" {
		t.Fatalf("session = %q", evs[0].SessionID)
	}
	if !evs[2].Delta || evs[2].Text != "Hel" {
		t.Fatalf("delta = %+v", evs[2])
	}
	if !evs[4].IsError || evs[4].Text != "not found" {
		t.Fatalf("tool result = %+v", evs[4])
	}
	if evs[6].IsError {
		t.Fatal("success result flagged as error")
	}
}
