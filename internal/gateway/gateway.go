// Package gateway serves chat runs over WebSocket.
//
// A client sends {"type":"send","agentId",...} frames. Each frame is admitted
// through the hub in arrival order and the events of its run are relayed
// until done or error. Exchanges are relayed one after another, so frames of
// two runs never interleave on the wire; an abort sent mid-exchange is still
// admitted immediately and ends the running exchange with an error frame.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/agusx1211/agenthub/internal/bus"
	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/events"
	"github.com/agusx1211/agenthub/internal/hub"
)

// FrameSend is the only client frame type.
const FrameSend = "send"

// Frame is a client request.
type Frame struct {
	Type       string `json:"type"`
	AgentID    string `json:"agentId"`
	SessionKey string `json:"sessionKey,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Message    string `json:"message"`
	ThinkLevel string `json:"thinkLevel,omitempty"`
}

const (
	writeTimeout = 15 * time.Second
	maxPending   = 32
	readLimit    = 1 << 20
)

// Server is an http.Handler for the chat WebSocket.
type Server struct {
	hub *hub.Hub
	// OriginPatterns are passed to websocket.Accept. Empty allows any origin.
	OriginPatterns []string
}

// New creates a gateway over h.
func New(h *hub.Hub) *Server {
	return &Server{hub: h}
}

// exchange is one admitted request waiting to be relayed. A non-nil err is
// relayed as a single error frame.
type exchange struct {
	runID string
	acc   *hub.Accepted
	sub   *bus.Subscription[hub.Topic, events.Event]
	err   error
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: s.OriginPatterns}
	if len(s.OriginPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		debug.LogKV("gateway", "accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	debug.LogKV("gateway", "client connected", "remote", r.RemoteAddr)

	pending := make(chan exchange, maxPending)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		defer cancel()
		s.relay(ctx, conn, pending)
	}()

	s.readLoop(ctx, conn, pending)
	cancel()
	close(pending)
	<-relayDone
	conn.Close(websocket.StatusNormalClosure, "")
	debug.LogKV("gateway", "client disconnected", "remote", r.RemoteAddr)
}

// readLoop admits frames until the connection fails or ctx ends.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, pending chan<- exchange) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				debug.LogKV("gateway", "connection error", "error", err)
			}
			return
		}
		ex := s.admit(ctx, typ, data)
		select {
		case pending <- ex:
		case <-ctx.Done():
			if ex.sub != nil {
				ex.sub.Unsubscribe()
			}
			return
		}
	}
}

// admit validates one frame and enqueues its run. The subscription is taken
// before the run is admitted so no event is missed.
func (s *Server) admit(ctx context.Context, typ websocket.MessageType, data []byte) exchange {
	if typ != websocket.MessageText {
		return exchange{err: errors.New("binary frames are not supported")}
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return exchange{err: fmt.Errorf("invalid frame: %v", err)}
	}
	if f.Type != FrameSend {
		return exchange{err: fmt.Errorf("unsupported frame type %q", f.Type)}
	}
	if strings.TrimSpace(f.AgentID) == "" {
		return exchange{err: errors.New("agentId is required")}
	}

	p, err := s.hub.Prepare(ctx, hub.RunRequest{
		AgentID:    f.AgentID,
		Message:    f.Message,
		SessionID:  f.SessionID,
		SessionKey: f.SessionKey,
		ThinkLevel: f.ThinkLevel,
	})
	if err != nil {
		return exchange{err: err}
	}
	sub := s.hub.Subscribe(p.Topic())
	acc, err := s.hub.Enqueue(ctx, p)
	if err != nil {
		sub.Unsubscribe()
		return exchange{err: err}
	}
	debug.LogKV("gateway", "run admitted", "run", acc.RunID, "agent", f.AgentID, "session", acc.SessionID, "queued", acc.Queued)
	return exchange{runID: acc.RunID, acc: acc, sub: sub}
}

// relay writes exchanges in admission order.
func (s *Server) relay(ctx context.Context, conn *websocket.Conn, pending <-chan exchange) {
	failed := false
	for ex := range pending {
		if failed {
			if ex.sub != nil {
				ex.sub.Unsubscribe()
			}
			continue
		}
		if err := s.relayOne(ctx, conn, ex); err != nil {
			if ctx.Err() == nil {
				debug.LogKV("gateway", "connection error", "run", ex.runID, "error", err)
			}
			failed = true
		}
	}
}

// relayOne writes the events of one run until its terminal frame. The bus
// drops events for a full subscriber, so once the run has finished the
// buffered events are flushed and a dropped terminal event is rebuilt from
// the run's outcome.
func (s *Server) relayOne(ctx context.Context, conn *websocket.Conn, ex exchange) error {
	if ex.err != nil {
		return write(ctx, conn, events.Event{Type: events.TypeError, Message: ex.err.Error()})
	}
	defer ex.sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ex.sub.C():
			if !ok {
				return errors.New("event stream closed")
			}
			if done, err := s.relayEvent(ctx, conn, ex, ev); done || err != nil {
				return err
			}
		case <-ex.acc.Done():
			return s.flush(ctx, conn, ex)
		}
	}
}

// flush relays what is left in the subscription of a finished run.
func (s *Server) flush(ctx context.Context, conn *websocket.Conn, ex exchange) error {
	for {
		select {
		case ev, ok := <-ex.sub.C():
			if !ok {
				return errors.New("event stream closed")
			}
			if done, err := s.relayEvent(ctx, conn, ex, ev); done || err != nil {
				return err
			}
		default:
			debug.LogKV("gateway", "terminal event dropped, using run outcome", "run", ex.runID, "dropped", ex.sub.Dropped())
			return write(ctx, conn, ex.acc.Terminal())
		}
	}
}

// relayEvent writes ev if it belongs to the exchange and reports whether it
// ended the exchange.
func (s *Server) relayEvent(ctx context.Context, conn *websocket.Conn, ex exchange, ev events.Event) (bool, error) {
	if ev.RunID != ex.runID {
		return false, nil
	}
	if err := write(ctx, conn, ev); err != nil {
		return true, err
	}
	if !ev.Terminal() {
		return false, nil
	}
	if n := ex.sub.Dropped(); n > 0 {
		debug.LogKV("gateway", "events dropped for slow client", "run", ex.runID, "dropped", n)
	}
	return true, nil
}

func write(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, ev)
}
