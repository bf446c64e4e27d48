package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agusx1211/agenthub/internal/agent"
	"github.com/agusx1211/agenthub/internal/config"
	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/events"
	"github.com/agusx1211/agenthub/internal/stream"
)

// runFunc executes one run, publishing its progress through emit. It returns
// the final output and, for CLI runners, the CLI's conversation id.
type runFunc func(ctx context.Context, emit func(events.Event)) (output, cliSession string, err error)

func (h *Hub) runner(p *Prepared) runFunc {
	if p.Agent.Runner == "" || p.Agent.Runner == config.RunnerEcho {
		return h.echoRunner(p)
	}
	return h.cliRunner(p)
}

// echoRunner answers in-process by repeating the message. It exercises every
// event type a model-backed runner produces.
func (h *Hub) echoRunner(p *Prepared) runFunc {
	return func(ctx context.Context, emit func(events.Event)) (string, string, error) {
		if p.ThinkLevel != "" && p.Agent.AuthMode == config.AuthModeOAuth {
			emit(events.Event{Type: events.TypeThinking, Data: "thinking at level " + p.ThinkLevel})
		}
		args, _ := json.Marshal(map[string]string{"text": p.Message})
		toolID := "echo-" + p.RunID
		emit(events.Event{Type: events.TypeToolCall, ToolID: toolID, ToolName: "echo", Arguments: args})
		emit(events.Event{Type: events.TypeToolStart, ToolName: "echo"})
		emit(events.Event{Type: events.TypeToolEnd, ToolName: "echo"})

		var out strings.Builder
		words := strings.Fields(p.Message)
		for i, w := range words {
			if h.echo > 0 {
				select {
				case <-ctx.Done():
					return out.String(), "", ctx.Err()
				case <-time.After(h.echo):
				}
			} else if err := ctx.Err(); err != nil {
				return out.String(), "", err
			}
			chunk := w
			if i > 0 {
				chunk = " " + w
			}
			out.WriteString(chunk)
			emit(events.Event{Type: events.TypeText, Data: chunk})
		}
		return out.String(), "", nil
	}
}

// cliRunner runs the agent's CLI once per message, resuming the session's
// CLI conversation when one is recorded.
func (h *Hub) cliRunner(p *Prepared) runFunc {
	return func(ctx context.Context, emit func(events.Event)) (string, string, error) {
		if _, ok := agent.Lookup(p.Agent.Runner); !ok {
			return "", "", fmt.Errorf("agent %s: %w: %q", p.Agent.ID, agent.ErrUnsupportedCLI, p.Agent.Runner)
		}
		entry, err := h.sessions.GetByID(ctx, p.Agent.ID, p.SessionID)
		if err != nil {
			return "", "", err
		}

		reasoning := ""
		if p.Agent.AuthMode == config.AuthModeOAuth {
			reasoning = p.ThinkLevel
			if reasoning == "" {
				reasoning = entry.ThinkLevel
			}
		}
		extraArgs, extraEnv := agent.LaunchArgs(p.Agent.Runner, p.Agent.Model, reasoning)
		override := h.cfg.CLI(p.Agent.Runner)
		env := map[string]string{"AGENTHUB_AGENT_ID": p.Agent.ID, "AGENTHUB_SESSION_ID": p.SessionID}
		for k, v := range extraEnv {
			env[k] = v
		}
		for k, v := range override.Env {
			env[k] = v
		}

		workDir := ""
		if h.workDir != nil {
			workDir = h.workDir(p.Agent.ID)
			if err := os.MkdirAll(workDir, 0o755); err != nil {
				return "", "", fmt.Errorf("creating agent workdir: %w", err)
			}
		}

		tools := make(map[string]string)
		res, err := agent.Run(ctx, agent.Config{
			CLI:      p.Agent.Runner,
			Command:  override.Command,
			Args:     append(extraArgs, override.Args...),
			Env:      env,
			WorkDir:  workDir,
			Prompt:   p.Message,
			ResumeID: entry.CLISessionID,
			PTY:      override.PTY,
		}, func(ev stream.Event) {
			for _, out := range chatEvents(ev, tools) {
				emit(out)
			}
		})
		if err != nil {
			return "", "", err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res.Output, res.CLISessionID, ctxErr
		}
		if res.ExitCode != 0 || res.IsError {
			debug.LogKV("hub", "cli run failed", "agent", p.Agent.ID, "exit_code", res.ExitCode, "stderr_len", len(res.Stderr))
			return res.Output, res.CLISessionID, cliFailure(p.Agent.Runner, res)
		}
		return res.Output, res.CLISessionID, nil
	}
}

// chatEvents maps a normalized CLI event onto run events. tools remembers
// tool names by id so results can be labeled.
func chatEvents(ev stream.Event, tools map[string]string) []events.Event {
	switch ev.Kind {
	case stream.KindText:
		if ev.Text == "" {
			return nil
		}
		return []events.Event{{Type: events.TypeText, Data: ev.Text}}
	case stream.KindThinking:
		return []events.Event{{Type: events.TypeThinking, Data: ev.Text}}
	case stream.KindToolCall:
		tools[ev.ToolID] = ev.ToolName
		return []events.Event{
			{Type: events.TypeToolCall, ToolID: ev.ToolID, ToolName: ev.ToolName, Arguments: ev.Input},
			{Type: events.TypeToolStart, ToolName: ev.ToolName},
		}
	case stream.KindToolResult:
		name := ev.ToolName
		if name == "" {
			name = tools[ev.ToolID]
		}
		return []events.Event{{Type: events.TypeToolEnd, ToolName: name, IsError: ev.IsError}}
	}
	return nil
}

func cliFailure(cli string, res *agent.Result) error {
	detail := strings.TrimSpace(res.Stderr)
	if res.IsError && strings.TrimSpace(res.Output) != "" {
		detail = strings.TrimSpace(res.Output)
	}
	if i := strings.LastIndexByte(detail, '\n'); i >= 0 {
		detail = detail[i+1:]
	}
	if detail == "" {
		return fmt.Errorf("%s exited with status %d", cli, res.ExitCode)
	}
	return fmt.Errorf("%s exited with status %d: %s", cli, res.ExitCode, detail)
}
