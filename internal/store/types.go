package store

import "time"

// SessionRecord is a durable conversation identity for one agent.
type SessionRecord struct {
	AgentID      string    `json:"agentId"`
	SessionKey   string    `json:"sessionKey"`
	SessionID    string    `json:"sessionId"`
	IsStreaming  bool      `json:"isStreaming"`
	LastActivity time.Time `json:"lastActivity,omitzero"`
	ThinkLevel   string    `json:"thinkLevel,omitempty"`
	CLISessionID string    `json:"cliSessionId,omitempty"` // external CLI conversation id, used for resume
	CreatedAt    time.Time `json:"createdAt"`
}

// SubagentRecord is one lifecycle of an externally spawned CLI agent.
// Several records may share (ProjectID, Slug); at most one is live.
type SubagentRecord struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"projectId"`
	Slug          string    `json:"slug"`
	CLI           string    `json:"cli"`
	Mode          string    `json:"mode"`
	BaseBranch    string    `json:"baseBranch,omitempty"`
	Prompt        string    `json:"prompt,omitempty"`
	Status        string    `json:"status"`
	Archived      bool      `json:"archived"`
	Killed        bool      `json:"killed"`
	LastError     string    `json:"lastError,omitempty"`
	LastActive    time.Time `json:"lastActive,omitzero"`
	CreatedAt     time.Time `json:"createdAt"`
	PID           int       `json:"pid,omitempty"`
	WorkDir       string    `json:"workDir,omitempty"`
	Branch        string    `json:"branch,omitempty"`
	CLISessionID  string    `json:"cliSessionId,omitempty"`
	ExecutionType string    `json:"executionType,omitempty"`
	Role          string    `json:"role,omitempty"`
	GroupKey      string    `json:"groupKey,omitempty"`
	Iterations    int       `json:"iterations,omitempty"`
	Iteration     int       `json:"iteration,omitempty"`
}

// Live reports whether the record still occupies its slug.
func (r *SubagentRecord) Live() bool {
	return r != nil && !r.Archived && !r.Killed
}

// ScheduleRecord is a cron trigger plus the run it submits.
type ScheduleRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Cron       string    `json:"cron"`
	Enabled    bool      `json:"enabled"`
	AgentID    string    `json:"agentId"`
	Message    string    `json:"message"`
	SessionKey string    `json:"sessionKey,omitempty"`
	ThinkLevel string    `json:"thinkLevel,omitempty"`
	LastRunAt  time.Time `json:"lastRunAt,omitzero"`
	LastError  string    `json:"lastError,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
