// Package policy picks a project's default chat agent with a rego policy.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/rego"

	"github.com/agusx1211/agenthub/internal/config"
	"github.com/agusx1211/agenthub/internal/debug"
)

// ErrNoAgent is returned when the policy selects nothing.
var ErrNoAgent = errors.New("no default agent")

// Query is the rule the policy module must define. It evaluates to the id
// of the chosen agent, or "" for none.
const Query = "data.agenthub.default_agent.decision"

// DefaultPolicy maps a project status to preferred agent roles, in order.
// Without a role match the first available agent is chosen.
const DefaultPolicy = `
package agenthub.default_agent

default decision = ""

status_roles = {
	"shaping": ["pm", "planner"],
	"planning": ["pm", "planner"],
	"building": ["developer", "engineer"],
	"reviewing": ["reviewer", "developer"],
}

by_role = [id |
	roles := status_roles[lower(input.status)]
	role := roles[_]
	agent := input.agents[_]
	lower(agent.role) == role
	id := agent.id
]

decision = by_role[0] {
	count(by_role) > 0
}

decision = input.agents[0].id {
	count(by_role) == 0
	count(input.agents) > 0
}
`

// Engine evaluates the default-agent policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles module, or DefaultPolicy when module is empty.
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	if strings.TrimSpace(module) == "" {
		module = DefaultPolicy
	}
	r := rego.New(
		rego.Query(Query),
		rego.Module("default_agent.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing default-agent policy: %w", err)
	}
	return &Engine{query: query}, nil
}

// ChooseDefaultAgent returns the agent the policy selects for a project in
// status. Inactive agents are never offered to the policy.
func (e *Engine) ChooseDefaultAgent(ctx context.Context, status string, agents []config.Agent) (config.Agent, error) {
	offered := make([]any, 0, len(agents))
	byID := make(map[string]config.Agent, len(agents))
	for _, a := range agents {
		if !a.IsActive() {
			continue
		}
		byID[a.ID] = a
		offered = append(offered, map[string]any{
			"id":     a.ID,
			"name":   a.Name,
			"role":   a.Role,
			"runner": a.Runner,
			"model":  a.Model,
		})
	}
	input := map[string]any{"status": status, "agents": offered}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return config.Agent{}, fmt.Errorf("evaluating default-agent policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return config.Agent{}, ErrNoAgent
	}
	id, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return config.Agent{}, fmt.Errorf("default-agent policy returned %T, want string", results[0].Expressions[0].Value)
	}
	debug.LogKV("policy", "default agent chosen", "status", status, "agent", id, "offered", len(offered))
	if id == "" {
		return config.Agent{}, ErrNoAgent
	}
	chosen, ok := byID[id]
	if !ok {
		return config.Agent{}, fmt.Errorf("default-agent policy chose unknown agent %q", id)
	}
	return chosen, nil
}
