package controlplane

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/agentgate/internal/agentevent"
)

// upgrader is shared by both WebSocket endpoints. Origin checking is
// left to whatever reverse proxy terminates TLS in front of this
// process, the same trust boundary the teacher's HTTP server assumes.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

// runStreamFrame is the wire shape of one /runs/{run_id}/stream message,
// a flattened projection of agentevent.NormalizedCliEvent. Only the
// fields relevant to Type are populated.
type runStreamFrame struct {
	Type string `json:"type"`

	// started
	Resume *agentevent.ResumeToken `json:"resume,omitempty"`

	// action
	ID     string                 `json:"id,omitempty"`
	Kind   agentevent.ActionKind  `json:"kind,omitempty"`
	Title  string                 `json:"title,omitempty"`
	Phase  agentevent.ActionPhase `json:"phase,omitempty"`
	OK     *bool                  `json:"ok,omitempty"`
	Detail map[string]any         `json:"detail,omitempty"`

	// delta
	Seq  int    `json:"seq,omitempty"`
	TsMs int64  `json:"ts_ms,omitempty"`
	Text string `json:"text,omitempty"`

	// completed
	Answer string            `json:"answer,omitempty"`
	Usage  *agentevent.Usage `json:"usage,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func toRunStreamFrame(e agentevent.NormalizedCliEvent) runStreamFrame {
	switch e.Kind {
	case agentevent.NCStarted:
		return runStreamFrame{Type: "started", Resume: e.Resume}
	case agentevent.NCAction:
		return runStreamFrame{
			Type: "action", ID: e.ActionID, Kind: e.ActionKind,
			Title: e.Title, Phase: e.Phase, OK: e.OK, Detail: e.Detail,
		}
	case agentevent.NCDelta:
		return runStreamFrame{Type: "delta", Seq: e.Seq, TsMs: e.TsMs, Text: e.Text}
	case agentevent.NCCompletedOK:
		ok := true
		return runStreamFrame{Type: "completed", OK: &ok, Answer: e.Answer, Usage: e.Usage, Resume: e.Resume2}
	case agentevent.NCCompletedErr:
		ok := false
		return runStreamFrame{Type: "completed", OK: &ok, Answer: e.PartialAnswer, Error: e.ErrMsg}
	default:
		return runStreamFrame{Type: string(e.Kind)}
	}
}

// handleRunStream upgrades to a WebSocket and fans out every
// NormalizedCliEvent frame for run_id until the run completes, the
// client disconnects, or the server shuts down. Checks the run is
// still active before upgrading, so an unknown or already-finished
// run id gets a plain JSON 404 instead of an upgrade followed by an
// immediate close.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_PARAMS", "run_id is required")
		return
	}
	if _, ok := s.cfg.Runs.ProcessByRunID(runID); !ok {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "no active run with that id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Warn("run stream upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.cfg.Fanout.Subscribe(runID)
	defer cancel()

	for e := range events {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(toRunStreamFrame(e)); err != nil {
			return
		}
		if e.Kind == agentevent.NCCompletedOK || e.Kind == agentevent.NCCompletedErr {
			return
		}
	}
}

// operationalEventFrame mirrors events.Event's JSON shape directly;
// declared here so this package's wire contract doesn't depend on
// internal/events' Go struct tags remaining stable.
type operationalEventFrame struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// handleEvents upgrades to a WebSocket and streams every operational
// event published on the gateway's shared events.Bus until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Warn("events stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.cfg.Events.Subscribe(64)
	defer s.cfg.Events.Unsubscribe(ch)

	for e := range ch {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		frame := operationalEventFrame{Timestamp: e.Timestamp, Source: e.Source, Kind: e.Kind, Data: e.Data}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}
