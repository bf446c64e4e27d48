package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/agusx1211/agenthub/internal/config"
)

func agents() []config.Agent {
	off := false
	return []config.Agent{
		{ID: "dev", Name: "Developer", Role: "developer"},
		{ID: "pm", Name: "Project Manager", Role: "PM"},
		{ID: "old-pm", Name: "Retired PM", Role: "pm", Active: &off},
		{ID: "rev", Name: "Reviewer", Role: "reviewer"},
	}
}

func TestChooseDefaultAgent(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(ctx, "")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	tests := []struct {
		status string
		want   string
	}{
		{"shaping", "pm"},
		{"Planning", "pm"},
		{"building", "dev"},
		{"reviewing", "rev"},
		{"archived", "dev"},
		{"", "dev"},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			got, err := e.ChooseDefaultAgent(ctx, tt.status, agents())
			if err != nil {
				t.Fatalf("ChooseDefaultAgent: %v", err)
			}
			if got.ID != tt.want {
				t.Fatalf("chose %q, want %q", got.ID, tt.want)
			}
		})
	}
}

func TestChooseDefaultAgentSkipsInactive(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(ctx, "")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	off := false
	only := []config.Agent{{ID: "old-pm", Role: "pm", Active: &off}}
	if _, err := e.ChooseDefaultAgent(ctx, "shaping", only); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("err = %v, want ErrNoAgent", err)
	}
}

func TestCustomPolicy(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(ctx, `
package agenthub.default_agent

decision = "rev" {
	input.status == "building"
}
`)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	got, err := e.ChooseDefaultAgent(ctx, "building", agents())
	if err != nil || got.ID != "rev" {
		t.Fatalf("chose %+v, %v", got, err)
	}
	if _, err := e.ChooseDefaultAgent(ctx, "shaping", agents()); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("undefined decision = %v, want ErrNoAgent", err)
	}
}

func TestCustomPolicyUnknownAgent(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(ctx, "package agenthub.default_agent\n\ndecision = \"ghost\"\n")
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := e.ChooseDefaultAgent(ctx, "x", agents()); err == nil {
		t.Fatal("expected error for unknown agent id")
	}
}

func TestInvalidPolicy(t *testing.T) {
	if _, err := NewEngine(context.Background(), "package broken\n\ndecision = {"); err == nil {
		t.Fatal("expected compile error")
	}
}
