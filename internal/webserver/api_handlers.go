package webserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/agusx1211/agenthub/internal/agent"
	"github.com/agusx1211/agenthub/internal/buildinfo"
	"github.com/agusx1211/agenthub/internal/config"
	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/detect"
	"github.com/agusx1211/agenthub/internal/hub"
	"github.com/agusx1211/agenthub/internal/policy"
	"github.com/agusx1211/agenthub/internal/schedule"
	"github.com/agusx1211/agenthub/internal/session"
	"github.com/agusx1211/agenthub/internal/store"
	"github.com/agusx1211/agenthub/internal/subagent"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		debug.LogKV("webserver", "failed to encode json response", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// isConflict matches conflicts by sentinel and by the "conflict:" message
// prefix, which is how conflicts cross package boundaries as plain text.
func isConflict(err error) bool {
	return errors.Is(err, store.ErrConflict) || strings.HasPrefix(err.Error(), "conflict:")
}

// statusFor maps a component error to an HTTP status.
func statusFor(err error) int {
	switch {
	case isConflict(err):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, hub.ErrAgentNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, policy.ErrNoAgent):
		return http.StatusNotFound
	case errors.Is(err, subagent.ErrInvalid),
		errors.Is(err, hub.ErrInvalid),
		errors.Is(err, session.ErrInvalid),
		errors.Is(err, schedule.ErrInvalid),
		errors.Is(err, agent.ErrUnsupportedCLI):
		return http.StatusBadRequest
	case errors.Is(err, subagent.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		debug.LogKV("webserver", "request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.Current()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": info.Version,
		"commit":  info.CommitHash,
	})
}

func (srv *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := srv.cfg.ActiveAgents()
	if agents == nil {
		agents = []config.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

type sendMessageRequest struct {
	Message    string `json:"message"`
	SessionID  string `json:"sessionId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	ThinkLevel string `json:"thinkLevel,omitempty"`
	// Async returns once the run is admitted instead of waiting for it.
	Async bool `json:"async,omitempty"`
}

type runResult struct {
	Output     string `json:"output"`
	DurationMs int64  `json:"durationMs"`
}

type sendMessageResponse struct {
	RunID      string     `json:"runId"`
	SessionID  string     `json:"sessionId"`
	SessionKey string     `json:"sessionKey"`
	Queued     bool       `json:"queued"`
	Aborted    int        `json:"aborted,omitempty"`
	Reset      bool       `json:"reset,omitempty"`
	Result     *runResult `json:"result,omitempty"`
}

func (srv *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, err := srv.hub.Agent(agentID); err != nil {
		writeErr(w, err)
		return
	}
	var req sendMessageRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	acc, err := srv.hub.Submit(r.Context(), hub.RunRequest{
		AgentID:    agentID,
		Message:    req.Message,
		SessionID:  req.SessionID,
		SessionKey: req.SessionKey,
		ThinkLevel: req.ThinkLevel,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := sendMessageResponse{
		RunID:      acc.RunID,
		SessionID:  acc.SessionID,
		SessionKey: acc.SessionKey,
		Queued:     acc.Queued,
		Aborted:    acc.Aborted,
		Reset:      acc.Reset,
	}
	if req.Async || acc.Immediate() {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	res, err := acc.Wait(r.Context())
	if err != nil {
		// Run failures surface their message verbatim.
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp.Result = &runResult{Output: res.Output, DurationMs: res.Duration.Milliseconds()}
	writeJSON(w, http.StatusOK, resp)
}

// handleListCLIs reports which subagent CLIs are installed on the host.
func (srv *Server) handleListCLIs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, detect.Scan(r.Context(), srv.cfg.CLI))
}

func (srv *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects := srv.cfg.Projects
	if projects == nil {
		projects = []config.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (srv *Server) project(w http.ResponseWriter, r *http.Request) (config.Project, bool) {
	id := r.PathValue("id")
	p, ok := srv.cfg.Project(id)
	if !ok {
		writeError(w, http.StatusNotFound, "project \""+id+"\" not found")
		return config.Project{}, false
	}
	return p, true
}

func (srv *Server) handleDefaultAgent(w http.ResponseWriter, r *http.Request) {
	p, ok := srv.project(w, r)
	if !ok {
		return
	}
	chosen, err := srv.policy.ChooseDefaultAgent(r.Context(), p.Status, srv.cfg.Agents)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chosen)
}
