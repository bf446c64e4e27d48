package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agusx1211/agenthub/internal/buildinfo"
	"github.com/agusx1211/agenthub/internal/config"
	"github.com/agusx1211/agenthub/internal/detect"
	"github.com/agusx1211/agenthub/internal/theme"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List active agents",
	Args:  cobra.NoArgs,
	RunE:  runAgents,
}

var subagentsCmd = &cobra.Command{
	Use:     "subagents <project-id>",
	Aliases: []string{"ps"},
	Short:   "List a project's subagents",
	Args:    cobra.ExactArgs(1),
	RunE:    runSubagents,
}

var clisCmd = &cobra.Command{
	Use:   "clis",
	Short: "Show which subagent CLIs are installed",
	Args:  cobra.NoArgs,
	RunE:  runCLIs,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		bi := buildinfo.Current()
		fmt.Printf("agenthub %s\n", bi.Short())
		fmt.Printf("built:   %s\n", bi.BuildDate)
		fmt.Printf("go:      %s\n", bi.GoVersion)
	},
}

func init() {
	addClientFlags(agentsCmd)
	addClientFlags(subagentsCmd)
	subagentsCmd.Flags().Bool("archived", false, "Include archived subagents")
	rootCmd.AddCommand(agentsCmd, subagentsCmd, clisCmd, versionCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	var agents []config.Agent
	if err := client.do(contextOf(cmd), "GET", "/agents", nil, nil, &agents); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tRUNNER\tMODEL\tROLE")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Runner, a.Model, a.Role)
	}
	return tw.Flush()
}

// runCLIs scans locally rather than asking the hub, so it works before the
// hub is started.
func runCLIs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLI\tVERSION\tPATH")
	for _, c := range detect.Scan(contextOf(cmd), cfg.CLI) {
		if !c.Installed {
			fmt.Fprintf(tw, "%s\t-\t%s\n", c.Name, styled(theme.Dim, "not found ("+c.Command+")"))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Version, c.Path)
	}
	return tw.Flush()
}

type subagentRow struct {
	Slug          string `json:"slug"`
	CLI           string `json:"cli"`
	Mode          string `json:"mode"`
	Status        string `json:"status"`
	DisplayStatus string `json:"displayStatus"`
	Archived      bool   `json:"archived"`
	LastError     string `json:"lastError"`
}

func runSubagents(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	query := url.Values{}
	if archived, _ := cmd.Flags().GetBool("archived"); archived {
		query.Set("archived", "1")
	}
	var rows []subagentRow
	if err := client.do(contextOf(cmd), "GET", "/projects/"+url.PathEscape(args[0])+"/subagents", query, nil, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println(styled(theme.Dim, "No subagents."))
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tCLI\tMODE\tERROR\tSTATUS")
	for _, r := range rows {
		status := r.DisplayStatus
		if status == "" {
			status = r.Status
		}
		slug := r.Slug
		if r.Archived {
			slug += " (archived)"
		}
		if colorOutput {
			status = theme.SubagentStatus(status)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", slug, r.CLI, r.Mode, truncate(r.LastError, 60), status)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
