package webserver

import (
	"net/http"

	"github.com/agusx1211/agenthub/internal/schedule"
	"github.com/agusx1211/agenthub/internal/store"
)

func (srv *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := srv.schedules.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (srv *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var rec store.ScheduleRecord
	if !decodeJSONBody(w, r, &rec) {
		return
	}
	created, err := srv.schedules.Create(r.Context(), rec)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (srv *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := srv.schedules.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (srv *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var patch schedule.Patch
	if !decodeJSONBody(w, r, &patch) {
		return
	}
	updated, err := srv.schedules.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (srv *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := srv.schedules.Delete(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

// handleRunSchedule fires a schedule immediately. The run outcome is stored
// on the schedule; a failed run still answers 200 with lastError set.
func (srv *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := srv.schedules.Trigger(r.Context(), r.PathValue("id"))
	if s == nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
