// Package events defines the messages that flow between the run queue, the
// subagent manager, and the streaming gateway.
package events

import (
	"encoding/json"
	"time"
)

// Run event types published on the chat bus and relayed to gateway clients.
const (
	TypeText         = "text"
	TypeThinking     = "thinking"
	TypeToolCall     = "tool_call"
	TypeToolStart    = "tool_start"
	TypeToolEnd      = "tool_end"
	TypeSessionReset = "session_reset"
	TypeDone         = "done"
	TypeError        = "error"
)

// DoneMeta is attached to done events.
type DoneMeta struct {
	DurationMs int64 `json:"durationMs"`
	Queued     bool  `json:"queued,omitempty"`
}

// Event is one lifecycle event of a run. AgentID, SessionID and RunID route
// the event on the bus and are not part of the wire form.
type Event struct {
	Type string

	RunID      string
	AgentID    string
	SessionID  string
	SessionKey string

	Data      string          // text, thinking
	ToolID    string          // tool_call
	ToolName  string          // tool_call, tool_start, tool_end
	Arguments json.RawMessage // tool_call
	IsError   bool            // tool_end
	Message   string          // error
	Meta      *DoneMeta       // done
	NewID     string          // session_reset
}

// Terminal reports whether the event ends a logical exchange.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// MarshalJSON renders the wire shape for the event's type.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeText, TypeThinking:
		return json.Marshal(struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}{e.Type, e.Data})
	case TypeToolCall:
		args := e.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return json.Marshal(struct {
			Type      string          `json:"type"`
			ID        string          `json:"id"`
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}{e.Type, e.ToolID, e.ToolName, args})
	case TypeToolStart:
		return json.Marshal(struct {
			Type     string `json:"type"`
			ToolName string `json:"toolName"`
		}{e.Type, e.ToolName})
	case TypeToolEnd:
		return json.Marshal(struct {
			Type     string `json:"type"`
			ToolName string `json:"toolName"`
			IsError  bool   `json:"isError"`
		}{e.Type, e.ToolName, e.IsError})
	case TypeSessionReset:
		return json.Marshal(struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
		}{e.Type, e.NewID})
	case TypeDone:
		return json.Marshal(struct {
			Type string    `json:"type"`
			Meta *DoneMeta `json:"meta,omitempty"`
		}{e.Type, e.Meta})
	case TypeError:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}{e.Type, e.Message})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
			Data string `json:"data,omitempty"`
		}{e.Type, e.Data})
	}
}

// Subagent log event types.
const (
	LogUser       = "user"
	LogAssistant  = "assistant"
	LogToolCall   = "tool_call"
	LogToolOutput = "tool_output"
	LogDiff       = "diff"
	LogSession    = "session"
	LogMessage    = "message"
	LogError      = "error"
	LogStderr     = "stderr"
	LogSkip       = "skip"
)

// ToolRef identifies the tool call a log event belongs to.
type ToolRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LogEvent is one entry of a subagent's append-only log. Index is assigned
// by the log store and doubles as the read cursor.
type LogEvent struct {
	Index     int       `json:"index"`
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Tool      *ToolRef  `json:"tool,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidLogType reports whether t is one of the known log event types.
func ValidLogType(t string) bool {
	switch t {
	case LogUser, LogAssistant, LogToolCall, LogToolOutput, LogDiff,
		LogSession, LogMessage, LogError, LogStderr, LogSkip:
		return true
	}
	return false
}
