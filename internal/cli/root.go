package cli

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agusx1211/agenthub/internal/buildinfo"
	"github.com/agusx1211/agenthub/internal/config"
	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/theme"
)

var rootCmd = &cobra.Command{
	Use:   "agenthub",
	Short: "Agent run orchestration hub",
	Long: `agenthub routes chat messages to agents, manages CLI subagents and
ralph loops, and streams everything over HTTP and WebSocket.

Getting Started:
  agenthub serve                         Start the hub
  agenthub agents                        List configured agents
  agenthub send main "hello"             Chat with an agent
  agenthub logs my-project fix-tests -f  Follow a subagent log`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.agenthub/debug/")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ~/.agenthub/config.yaml)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintln(os.Stderr, styled(theme.Dim, "[debug] logging to "+logPath))
		bi := buildinfo.Current()
		debug.LogKV("cli", "agenthub starting",
			"version", bi.Version,
			"commit", bi.CommitHash,
			"build_date", bi.BuildDate,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintln(os.Stderr, styled(theme.Error, "Error: "+err.Error()))
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

var colorOutput = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

type renderer interface {
	Render(strs ...string) string
}

// styled renders s with st when stdout is a terminal.
func styled(st renderer, s string) string {
	if !colorOutput {
		return s
	}
	return st.Render(s)
}
