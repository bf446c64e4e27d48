package webserver

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/agusx1211/agenthub/internal/events"
	"github.com/agusx1211/agenthub/internal/ralph"
	"github.com/agusx1211/agenthub/internal/store"
	"github.com/agusx1211/agenthub/internal/subagent"
)

// subagentView is a record plus the status a UI should show for it. For a
// ralph supervisor that is the aggregate of its group.
type subagentView struct {
	subagent.Subagent
	DisplayStatus string `json:"displayStatus"`
}

func (srv *Server) handleListSubagents(w http.ResponseWriter, r *http.Request) {
	p, ok := srv.project(w, r)
	if !ok {
		return
	}
	includeArchived := queryBool(r, "archived")
	recs, err := srv.subagents.List(r.Context(), p.ID, includeArchived)
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]subagentView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, subagentView{Subagent: rec, DisplayStatus: ralph.GroupStatus(rec, recs)})
	}
	writeJSON(w, http.StatusOK, views)
}

func (srv *Server) handleSpawnSubagent(w http.ResponseWriter, r *http.Request) {
	p, ok := srv.project(w, r)
	if !ok {
		return
	}
	var req subagent.SpawnRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.ProjectID = p.ID
	rec, err := srv.subagents.Spawn(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (srv *Server) handleGetSubagent(w http.ResponseWriter, r *http.Request) {
	p, ok := srv.project(w, r)
	if !ok {
		return
	}
	rec, err := srv.subagents.Get(r.Context(), p.ID, r.PathValue("slug"))
	if err != nil {
		writeErr(w, err)
		return
	}
	view := subagentView{Subagent: *rec, DisplayStatus: rec.Status}
	if rec.Role == store.RoleSupervisor && rec.GroupKey != "" {
		if _, status, err := srv.ralph.Describe(r.Context(), rec.GroupKey); err == nil {
			view.DisplayStatus = status
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (srv *Server) handleInterruptSubagent(w http.ResponseWriter, r *http.Request) {
	p, ok := srv.project(w, r)
	if !ok {
		return
	}
	slug := r.PathValue("slug")
	if err := srv.subagents.Interrupt(r.Context(), p.ID, slug); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "slug": slug})
}

func (srv *Server) handleKillSubagent(w http.ResponseWriter, r *http.Request) {
	p, ok := srv.project(w, r)
	if !ok {
		return
	}
	slug := r.PathValue("slug")
	if err := srv.subagents.Kill(r.Context(), p.ID, slug); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "slug": slug})
}

func (srv *Server) handleArchiveSubagent(w http.ResponseWriter, r *http.Request) {
	p, ok := srv.project(w, r)
	if !ok {
		return
	}
	rec, err := srv.subagents.Archive(r.Context(), p.ID, r.PathValue("slug"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (srv *Server) handleUnarchiveSubagent(w http.ResponseWriter, r *http.Request) {
	p, ok := srv.project(w, r)
	if !ok {
		return
	}
	rec, err := srv.subagents.Unarchive(r.Context(), p.ID, r.PathValue("slug"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// parseSince reads the since cursor. It must be a non-negative finite
// number; fractions are truncated.
func parseSince(r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		return 0, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func (srv *Server) handleSubagentLogs(w http.ResponseWriter, r *http.Request) {
	p, ok := srv.project(w, r)
	if !ok {
		return
	}
	since, ok := parseSince(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "since must be a non-negative number")
		return
	}
	page, err := srv.subagents.Logs(r.Context(), p.ID, r.PathValue("slug"), since)
	if err != nil {
		writeErr(w, err)
		return
	}
	if page.Events == nil {
		page.Events = []events.LogEvent{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (srv *Server) handleSpawnRalphLoop(w http.ResponseWriter, r *http.Request) {
	p, ok := srv.project(w, r)
	if !ok {
		return
	}
	var req ralph.Request
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.ProjectID = p.ID
	group, err := srv.ralph.Spawn(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func queryBool(r *http.Request, key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key))) {
	case "1", "true", "yes":
		return true
	}
	return false
}
