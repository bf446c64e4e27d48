package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/agusx1211/agenthub/internal/events"
	"github.com/agusx1211/agenthub/internal/theme"
)

var logsCmd = &cobra.Command{
	Use:   "logs <project-id> <slug>",
	Short: "Print a subagent log",
	Args:  cobra.ExactArgs(2),
	RunE:  runLogs,
}

func init() {
	addClientFlags(logsCmd)
	logsCmd.Flags().Int("since", 0, "Start from this cursor")
	logsCmd.Flags().BoolP("follow", "f", false, "Keep streaming new events")
	logsCmd.Flags().Bool("json", false, "Print raw events")
	rootCmd.AddCommand(logsCmd)
}

type logPage struct {
	ID     string            `json:"id"`
	Cursor int               `json:"cursor"`
	Events []events.LogEvent `json:"events"`
}

type logFrame struct {
	Cursor int             `json:"cursor"`
	Event  events.LogEvent `json:"event"`
	ID     string          `json:"id"`
}

func runLogs(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	since, _ := cmd.Flags().GetInt("since")
	follow, _ := cmd.Flags().GetBool("follow")
	raw, _ := cmd.Flags().GetBool("json")
	if since < 0 {
		return fmt.Errorf("--since must not be negative")
	}

	ctx := contextOf(cmd)
	path := "/projects/" + url.PathEscape(args[0]) + "/subagents/" + url.PathEscape(args[1]) + "/logs"
	query := url.Values{"since": {strconv.Itoa(since)}}

	if !follow {
		var page logPage
		if err := client.do(ctx, "GET", path, query, nil, &page); err != nil {
			return err
		}
		for _, ev := range page.Events {
			printLogEvent(os.Stdout, ev, raw)
		}
		return nil
	}

	conn, _, err := websocket.Dial(ctx, client.wsURL(path+"/ws", query), nil)
	if err != nil {
		return fmt.Errorf("connecting to hub: %w", err)
	}
	defer conn.CloseNow()
	for {
		var frame logFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("reading log stream: %w", err)
		}
		printLogEvent(os.Stdout, frame.Event, raw)
	}
}

func printLogEvent(w io.Writer, ev events.LogEvent, raw bool) {
	if raw {
		data, _ := json.Marshal(ev)
		fmt.Fprintln(w, string(data))
		return
	}
	prefix := styled(theme.Dim, fmt.Sprintf("%4d %s", ev.Index, ev.Timestamp.Local().Format("15:04:05")))
	label := ev.Type
	if ev.Tool != nil && ev.Tool.Name != "" {
		label += " " + ev.Tool.Name
	}
	text := strings.TrimRight(ev.Text, "\n")
	fmt.Fprintf(w, "%s %s %s\n", prefix, styled(theme.EventStyle(ev.Type), "["+label+"]"), text)
}
