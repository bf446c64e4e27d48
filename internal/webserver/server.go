package webserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agusx1211/agenthub/internal/config"
	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/gateway"
	"github.com/agusx1211/agenthub/internal/hub"
	"github.com/agusx1211/agenthub/internal/policy"
	"github.com/agusx1211/agenthub/internal/ralph"
	"github.com/agusx1211/agenthub/internal/schedule"
	"github.com/agusx1211/agenthub/internal/subagent"
)

// Options configures web server behavior.
type Options struct {
	Host      string
	Port      int
	AuthToken string
}

// Deps are the components the server exposes.
type Deps struct {
	Config    *config.Config
	Hub       *hub.Hub
	Subagents *subagent.Manager
	Ralph     *ralph.Controller
	Schedules *schedule.Scheduler
	Policy    *policy.Engine
}

// Server hosts the HTTP API and the chat WebSocket gateway.
type Server struct {
	cfg       *config.Config
	hub       *hub.Hub
	subagents *subagent.Manager
	ralph     *ralph.Controller
	schedules *schedule.Scheduler
	policy    *policy.Engine

	httpServer *http.Server
	host       string
	port       int
}

// New constructs a server. Start binds it.
func New(deps Deps, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port < 0 {
		port = config.DefaultPort
	}

	srv := &Server{
		cfg:       deps.Config,
		hub:       deps.Hub,
		subagents: deps.Subagents,
		ralph:     deps.Ralph,
		schedules: deps.Schedules,
		policy:    deps.Policy,
		host:      host,
		port:      port,
	}

	mux := http.NewServeMux()
	srv.setupRoutes(mux)

	handler := corsMiddleware(logMiddleware(recoverMiddleware(authMiddleware(strings.TrimSpace(opts.AuthToken), mux))))
	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Handler returns the root handler with middleware applied.
func (srv *Server) Handler() http.Handler {
	return srv.httpServer.Handler
}

// Start starts the server in a background goroutine and returns immediately.
// Port 0 binds an ephemeral port; Addr reports it afterwards.
func (srv *Server) Start() error {
	if srv.httpServer == nil {
		return fmt.Errorf("webserver not initialized")
	}
	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		srv.port = tcpAddr.Port
		srv.httpServer.Addr = srv.Addr()
	}

	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.LogKV("webserver", "server stopped with error", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.httpServer == nil {
		return nil
	}
	return srv.httpServer.Shutdown(ctx)
}

// Addr returns the bound host:port address.
func (srv *Server) Addr() string {
	return net.JoinHostPort(srv.host, strconv.Itoa(srv.port))
}

// Port returns the bound port.
func (srv *Server) Port() int {
	return srv.port
}

func (srv *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", srv.handleHealth)

	mux.HandleFunc("GET /agents", srv.handleListAgents)
	mux.HandleFunc("POST /agents/{id}/messages", srv.handleSendMessage)
	mux.Handle("GET /ws", gateway.New(srv.hub))

	mux.HandleFunc("GET /clis", srv.handleListCLIs)

	mux.HandleFunc("GET /projects", srv.handleListProjects)
	mux.HandleFunc("GET /projects/{id}/default-agent", srv.handleDefaultAgent)

	mux.HandleFunc("GET /projects/{id}/subagents", srv.handleListSubagents)
	mux.HandleFunc("POST /projects/{id}/subagents", srv.handleSpawnSubagent)
	mux.HandleFunc("GET /projects/{id}/subagents/{slug}", srv.handleGetSubagent)
	mux.HandleFunc("POST /projects/{id}/subagents/{slug}/interrupt", srv.handleInterruptSubagent)
	mux.HandleFunc("POST /projects/{id}/subagents/{slug}/kill", srv.handleKillSubagent)
	mux.HandleFunc("POST /projects/{id}/subagents/{slug}/archive", srv.handleArchiveSubagent)
	mux.HandleFunc("POST /projects/{id}/subagents/{slug}/unarchive", srv.handleUnarchiveSubagent)
	mux.HandleFunc("GET /projects/{id}/subagents/{slug}/logs", srv.handleSubagentLogs)
	mux.HandleFunc("GET /projects/{id}/subagents/{slug}/logs/ws", srv.handleSubagentLogsWebSocket)
	mux.HandleFunc("POST /projects/{id}/ralph-loop", srv.handleSpawnRalphLoop)

	mux.HandleFunc("GET /schedules", srv.handleListSchedules)
	mux.HandleFunc("POST /schedules", srv.handleCreateSchedule)
	mux.HandleFunc("GET /schedules/{id}", srv.handleGetSchedule)
	mux.HandleFunc("PATCH /schedules/{id}", srv.handleUpdateSchedule)
	mux.HandleFunc("DELETE /schedules/{id}", srv.handleDeleteSchedule)
	mux.HandleFunc("POST /schedules/{id}/run", srv.handleRunSchedule)
}
