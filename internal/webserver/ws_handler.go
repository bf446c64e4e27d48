package webserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/events"
	"github.com/agusx1211/agenthub/internal/subagent"
)

// logFrame is one pushed log event together with the cursor to resume from.
type logFrame struct {
	Cursor int             `json:"cursor"`
	Event  events.LogEvent `json:"event"`
	ID     string          `json:"id"`
}

// handleSubagentLogsWebSocket pushes a subagent's log from ?since onwards
// and keeps following it until the client goes away.
func (srv *Server) handleSubagentLogsWebSocket(w http.ResponseWriter, r *http.Request) {
	p, ok := srv.project(w, r)
	if !ok {
		return
	}
	since, ok := parseSince(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "since must be a non-negative number")
		return
	}
	sub, err := srv.subagents.Subscribe(r.Context(), p.ID, r.PathValue("slug"), since)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer sub.Close()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the peer closes.
	ctx := ws.CloseRead(r.Context())

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, subagent.ErrSubscriptionClosed) {
				ws.Close(websocket.StatusNormalClosure, "log closed")
			} else if ctx.Err() == nil {
				debug.LogKV("webserver", "log stream failed", "record", sub.RecordID(), "error", err)
				ws.Close(websocket.StatusInternalError, err.Error())
			}
			return
		}

		writeCtx, writeCancel := context.WithTimeout(ctx, 15*time.Second)
		err = wsjson.Write(writeCtx, ws, logFrame{Cursor: sub.Cursor(), Event: ev, ID: sub.RecordID()})
		writeCancel()
		if err != nil {
			debug.LogKV("webserver", "log stream write failed", "record", sub.RecordID(), "error", err)
			return
		}
	}
}
