package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/agusx1211/agenthub/internal/events"
	"github.com/agusx1211/agenthub/internal/gateway"
	"github.com/agusx1211/agenthub/internal/theme"
)

var sendCmd = &cobra.Command{
	Use:   "send <agent-id> <message...>",
	Short: "Send a chat message and stream the run",
	Long: `Send a message to an agent over the chat WebSocket and print the run's
events until it finishes. "/abort" and "/new" work as in any other client.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	addClientFlags(sendCmd)
	sendCmd.Flags().String("session", "", "Session key (default \"main\")")
	sendCmd.Flags().String("think", "", "Think level for agents that support it")
	sendCmd.Flags().Bool("json", false, "Print raw event frames")
	rootCmd.AddCommand(sendCmd)
}

// wireEvent is an event frame as the gateway writes it.
type wireEvent struct {
	Type      string           `json:"type"`
	Data      string           `json:"data,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Arguments json.RawMessage  `json:"arguments,omitempty"`
	ToolName  string           `json:"toolName,omitempty"`
	IsError   bool             `json:"isError,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	Message   string           `json:"message,omitempty"`
	Meta      *events.DoneMeta `json:"meta,omitempty"`
}

func runSend(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	sessionKey, _ := cmd.Flags().GetString("session")
	think, _ := cmd.Flags().GetString("think")
	raw, _ := cmd.Flags().GetBool("json")

	ctx := contextOf(cmd)
	conn, _, err := websocket.Dial(ctx, client.wsURL("/ws", nil), nil)
	if err != nil {
		return fmt.Errorf("connecting to hub: %w", err)
	}
	defer conn.CloseNow()

	frame := gateway.Frame{
		Type:       gateway.FrameSend,
		AgentID:    args[0],
		SessionKey: sessionKey,
		Message:    strings.Join(args[1:], " "),
		ThinkLevel: think,
	}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}

	runErr := streamRun(ctx, conn, os.Stdout, raw)
	conn.Close(websocket.StatusNormalClosure, "")
	return runErr
}

// streamRun prints frames until the run's terminal frame. An error frame is
// returned as an error.
func streamRun(ctx context.Context, conn *websocket.Conn, w io.Writer, raw bool) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading from hub: %w", err)
		}
		var ev wireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decoding frame: %w", err)
		}
		if raw {
			fmt.Fprintln(w, string(data))
		} else {
			printEvent(w, ev)
		}
		switch ev.Type {
		case events.TypeDone:
			return nil
		case events.TypeError:
			return fmt.Errorf("run failed: %s", ev.Message)
		}
	}
}

func printEvent(w io.Writer, ev wireEvent) {
	st := theme.EventStyle(ev.Type)
	switch ev.Type {
	case events.TypeText:
		fmt.Fprint(w, styled(st, ev.Data))
	case events.TypeThinking:
		fmt.Fprint(w, styled(st, ev.Data))
	case events.TypeToolCall:
		fmt.Fprintln(w, styled(st, fmt.Sprintf("\n> %s %s", ev.Name, compactJSON(ev.Arguments))))
	case events.TypeToolStart:
		fmt.Fprintln(w, styled(st, "  running "+ev.ToolName))
	case events.TypeToolEnd:
		status := "ok"
		if ev.IsError {
			status = "failed"
		}
		fmt.Fprintln(w, styled(st, "  "+ev.ToolName+" "+status))
	case events.TypeSessionReset:
		fmt.Fprintln(w, styled(st, "session reset, new session "+ev.SessionID))
	case events.TypeDone:
		line := "\ndone"
		if ev.Meta != nil {
			line += " in " + formatDuration(ev.Meta.DurationMs)
			if ev.Meta.Queued {
				line += " (queued)"
			}
		}
		fmt.Fprintln(w, styled(st, line))
	case events.TypeError:
		// Returned by streamRun and printed by Execute.
		fmt.Fprintln(w)
	}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf strings.Builder
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return string(raw)
	}
	return strings.TrimSpace(buf.String())
}
