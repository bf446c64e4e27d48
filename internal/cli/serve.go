package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/mattn/go-isatty"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/agusx1211/agenthub/internal/config"
	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/hub"
	"github.com/agusx1211/agenthub/internal/policy"
	"github.com/agusx1211/agenthub/internal/ralph"
	"github.com/agusx1211/agenthub/internal/runqueue"
	"github.com/agusx1211/agenthub/internal/schedule"
	"github.com/agusx1211/agenthub/internal/session"
	"github.com/agusx1211/agenthub/internal/store"
	"github.com/agusx1211/agenthub/internal/subagent"
	"github.com/agusx1211/agenthub/internal/theme"
	"github.com/agusx1211/agenthub/internal/webserver"
)

const mdnsServiceType = "_agenthub._tcp"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hub",
	Long:  `Start the HTTP/WebSocket server, the run queue, the subagent manager and the scheduler.`,
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (default from config)")
	serveCmd.Flags().String("host", "", "Host to bind to (default from config)")
	serveCmd.Flags().Bool("expose", false, "Bind to 0.0.0.0 for LAN access and require an auth token")
	serveCmd.Flags().String("auth-token", "", "Require Bearer token for API access")
	serveCmd.Flags().Bool("mdns", false, "Advertise server on local network via mDNS/Bonjour")
	serveCmd.Flags().Bool("qr", false, "Print a QR code of the server URL")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("auth-token") {
		cfg.AuthToken, _ = cmd.Flags().GetString("auth-token")
	}
	expose, _ := cmd.Flags().GetBool("expose")
	enableMDNS, _ := cmd.Flags().GetBool("mdns")
	showQR, _ := cmd.Flags().GetBool("qr")
	if expose {
		cfg.Host = "0.0.0.0"
		if cfg.AuthToken == "" {
			cfg.AuthToken = generateToken()
			fmt.Fprintf(os.Stderr, "Generated auth token: %s\n", cfg.AuthToken)
		}
		fmt.Fprintln(os.Stderr, "Warning: Exposing hub on all interfaces.")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := startHub(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.server.Start(); err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			fmt.Fprintf(os.Stderr, "Port %d is already in use.\n", cfg.Port)
			fmt.Fprintf(os.Stderr, "Try: agenthub serve --port %d\n", cfg.Port+1)
		}
		return fmt.Errorf("starting web server: %w", err)
	}

	url := "http://" + app.server.Addr()
	fmt.Println(styled(theme.Title, "agenthub listening on ") + url)
	fmt.Printf("Agents: %d active, projects: %d\n", len(cfg.ActiveAgents()), len(cfg.Projects))
	if cfg.AuthToken != "" {
		fmt.Println("Auth token required for API access.")
	}
	if (showQR || expose) && isatty.IsTerminal(os.Stdout.Fd()) {
		if err := printQRCode(url); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to render QR code: %v\n", err)
		}
	}

	if expose || enableMDNS {
		_, port := splitHostPort(app.server.Addr())
		server, err := startMDNSService("agenthub", port, url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to start mDNS advertisement: %v\n", err)
		} else {
			defer server.Shutdown()
		}
	}

	<-ctx.Done()
	debug.LogKV("cli", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down web server: %w", err)
	}
	return nil
}

// hubApp holds every long-lived component of a running hub.
type hubApp struct {
	store     *store.Store
	queue     *runqueue.Queue
	subagents *subagent.Manager
	ralph     *ralph.Controller
	schedules *schedule.Scheduler
	server    *webserver.Server
}

func startHub(ctx context.Context, cfg *config.Config) (*hubApp, error) {
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	engine, err := policy.NewEngine(ctx, cfg.DefaultAgentPolicy)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("compiling default agent policy: %w", err)
	}

	queue := runqueue.New()
	h := hub.New(hub.Options{
		Config:   cfg,
		Sessions: session.NewRegistry(st),
		Queue:    queue,
		WorkDir:  agentWorkDir(cfg.DataDir),
	})
	mgr := subagent.NewManager(subagent.Options{
		Store:          st,
		Projects:       cfg.Project,
		CLIs:           cfg.CLI,
		InterruptGrace: cfg.InterruptGrace,
	})
	report, err := mgr.Reconcile(ctx, cfg.Projects)
	if err != nil {
		debug.LogKV("cli", "reconcile failed", "error", err)
	} else if len(report.Orphaned) > 0 || report.RemovedWorktrees > 0 {
		fmt.Fprintf(os.Stderr, "Reconciled %d orphaned subagents, removed %d stale worktrees\n",
			len(report.Orphaned), report.RemovedWorktrees)
	}

	loops := ralph.New(mgr, cfg.Project)
	sched := schedule.New(st, h, time.Local)
	if err := sched.Start(ctx); err != nil {
		loops.Close()
		mgr.Close(ctx)
		st.Close()
		return nil, fmt.Errorf("starting scheduler: %w", err)
	}

	srv := webserver.New(webserver.Deps{
		Config:    cfg,
		Hub:       h,
		Subagents: mgr,
		Ralph:     loops,
		Schedules: sched,
		Policy:    engine,
	}, webserver.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		AuthToken: cfg.AuthToken,
	})

	return &hubApp{
		store:     st,
		queue:     queue,
		subagents: mgr,
		ralph:     loops,
		schedules: sched,
		server:    srv,
	}, nil
}

// close stops components in dependency order: nothing new is scheduled,
// loops stop spawning, processes are interrupted, queued runs drain.
func (a *hubApp) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.schedules.Stop(ctx); err != nil {
		debug.LogKV("cli", "scheduler stop failed", "error", err)
	}
	a.ralph.Close()
	if err := a.subagents.Close(ctx); err != nil {
		debug.LogKV("cli", "subagent manager close failed", "error", err)
	}
	if err := a.queue.Close(ctx); err != nil {
		debug.LogKV("cli", "run queue close failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		debug.LogKV("cli", "store close failed", "error", err)
	}
}

func agentWorkDir(dataDir string) func(agentID string) string {
	return func(agentID string) string {
		dir := filepath.Join(dataDir, "agents", agentID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			debug.LogKV("cli", "creating agent workdir failed", "agent", agentID, "error", err)
		}
		return dir
	}
}

func generateToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func startMDNSService(name string, port int, url string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	host, _ := os.Hostname()
	txtRecords := []string{
		fmt.Sprintf("host=%s", host),
		fmt.Sprintf("url=%s", url),
	}
	service, err := mdns.NewMDNSService(name, mdnsServiceType, "local", "", port, nil, txtRecords)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{Zone: service})
}

func printQRCode(url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Println(code.ToString(false))
	return nil
}

func splitHostPort(addr string) (string, int) {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return host, 0
	}
	return host, port
}
