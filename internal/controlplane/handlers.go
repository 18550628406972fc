package controlplane

import (
	"net/http"
	"time"

	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/runbus"
	"github.com/nugget/agentgate/internal/sessionkey"
)

// agentRequest is the wire shape of POST /agent.
type agentRequest struct {
	SessionKey string            `json:"session_key"`
	AgentID    string            `json:"agent_id"`
	Prompt     string            `json:"prompt"`
	QueueMode  string            `json:"queue_mode,omitempty"`
	EngineID   string            `json:"engine_id,omitempty"`
	CWD        string            `json:"cwd,omitempty"`
	ToolPolicy string            `json:"tool_policy,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
}

type agentResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_PARAMS", err.Error())
		return
	}
	if req.SessionKey == "" || req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_PARAMS", "session_key and prompt are required")
		return
	}

	mode := agentevent.QueueCollect
	if req.QueueMode != "" {
		mode = agentevent.QueueMode(req.QueueMode)
	}

	runID, err := s.cfg.Submitter.Submit(agentevent.RunRequest{
		Origin:     "controlplane",
		SessionKey: sessionkey.Key(req.SessionKey),
		AgentID:    req.AgentID,
		Prompt:     req.Prompt,
		QueueMode:  mode,
		EngineID:   req.EngineID,
		CWD:        req.CWD,
		ToolPolicy: req.ToolPolicy,
		Meta:       req.Meta,
		Tags:       req.Tags,
	})
	if err != nil {
		s.writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, agentResponse{RunID: runID}, s.cfg.Logger)
}

// agentWaitRequest is the wire shape of POST /agent/wait: either
// submit-and-wait (Prompt set) or wait-on-an-existing-run (RunID set).
type agentWaitRequest struct {
	agentRequest
	RunID     string `json:"run_id,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

type agentWaitResponse struct {
	RunID  string                `json:"run_id"`
	OK     bool                  `json:"ok"`
	Answer string                `json:"answer,omitempty"`
	Error  string                `json:"error,omitempty"`
	Usage  *agentevent.Usage     `json:"usage,omitempty"`
	Resume *agentevent.ResumeToken `json:"resume,omitempty"`
	TimedOut bool                `json:"timed_out,omitempty"`
}

func (s *Server) handleAgentWait(w http.ResponseWriter, r *http.Request) {
	var req agentWaitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_PARAMS", err.Error())
		return
	}

	runID := req.RunID
	if runID == "" {
		if req.SessionKey == "" || req.Prompt == "" {
			s.writeError(w, http.StatusBadRequest, "INVALID_PARAMS", "run_id, or session_key and prompt, are required")
			return
		}
		mode := agentevent.QueueCollect
		if req.QueueMode != "" {
			mode = agentevent.QueueMode(req.QueueMode)
		}
		submitted, err := s.cfg.Submitter.Submit(agentevent.RunRequest{
			Origin:     "controlplane",
			SessionKey: sessionkey.Key(req.SessionKey),
			AgentID:    req.AgentID,
			Prompt:     req.Prompt,
			QueueMode:  mode,
			EngineID:   req.EngineID,
			CWD:        req.CWD,
			ToolPolicy: req.ToolPolicy,
			Meta:       req.Meta,
			Tags:       req.Tags,
		})
		if err != nil {
			s.writeClassifiedError(w, err)
			return
		}
		runID = submitted
	}

	timeout := s.cfg.WaitTimeout
	if req.TimeoutMs > 0 {
		if d := time.Duration(req.TimeoutMs) * time.Millisecond; d < timeout {
			timeout = d
		}
	}

	ch, cancel := s.cfg.Bus.Subscribe(runID)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case n, ok := <-ch:
			if !ok {
				s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "run bus closed before completion")
				return
			}
			if n.Kind != runbus.KindRunCompleted {
				continue
			}
			writeJSON(w, http.StatusOK, agentWaitResponse{
				RunID:  runID,
				OK:     n.OK,
				Answer: n.Answer,
				Error:  n.Err,
				Usage:  n.Usage,
				Resume: n.Resume,
			}, s.cfg.Logger)
			return
		case <-timer.C:
			writeJSON(w, http.StatusOK, agentWaitResponse{RunID: runID, TimedOut: true}, s.cfg.Logger)
			return
		}
	}
}

type chatAbortRequest struct {
	SessionKey string `json:"session_key,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleChatAbort(w http.ResponseWriter, r *http.Request) {
	var req chatAbortRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_PARAMS", err.Error())
		return
	}

	runID := req.RunID
	if runID == "" {
		if req.SessionKey == "" {
			s.writeError(w, http.StatusBadRequest, "INVALID_PARAMS", "run_id or session_key is required")
			return
		}
		active, ok := s.cfg.Runs.FindActiveBySession(sessionkey.Key(req.SessionKey))
		if !ok {
			s.writeError(w, http.StatusNotFound, "NOT_FOUND", "no active run for session")
			return
		}
		runID = active
	}

	reason := req.Reason
	if reason == "" {
		reason = "chat.abort"
	}
	s.cfg.Runs.CancelByRunID(runID, reason)
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "canceling"}, s.cfg.Logger)
}

type sessionsCompactRequest struct {
	SessionKey string `json:"session_key"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleSessionsCompact(w http.ResponseWriter, r *http.Request) {
	var req sessionsCompactRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_PARAMS", err.Error())
		return
	}
	if req.SessionKey == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_PARAMS", "session_key is required")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}
	if err := s.cfg.Store.MarkPendingCompaction(req.SessionKey, reason); err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_key": req.SessionKey, "status": "pending_compaction"}, s.cfg.Logger)
}

type sendRequest struct {
	ChannelID      string               `json:"channel_id"`
	AccountID      string               `json:"account_id,omitempty"`
	Peer           agentevent.PeerRef   `json:"peer"`
	Kind           string               `json:"kind,omitempty"`
	Text           string               `json:"text,omitempty"`
	MessageID      string               `json:"message_id,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	ReplyTo        string               `json:"reply_to,omitempty"`
}

type sendResponse struct {
	Ref       string `json:"ref"`
	Duplicate bool   `json:"duplicate"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_PARAMS", err.Error())
		return
	}
	if req.ChannelID == "" || req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_PARAMS", "channel_id and text are required")
		return
	}
	if s.cfg.Channels == nil {
		s.writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "no channel delivery configured")
		return
	}

	kind := agentevent.PayloadText
	if req.Kind != "" {
		kind = agentevent.PayloadKind(req.Kind)
	}

	result, err := s.cfg.Channels.Enqueue(agentevent.OutboundPayload{
		ChannelID:      req.ChannelID,
		AccountID:      req.AccountID,
		Peer:           req.Peer,
		Kind:           kind,
		Text:           req.Text,
		MessageID:      req.MessageID,
		IdempotencyKey: req.IdempotencyKey,
		ReplyTo:        req.ReplyTo,
	})
	if err != nil {
		s.writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sendResponse{Ref: result.Ref, Duplicate: result.Duplicate}, s.cfg.Logger)
}
