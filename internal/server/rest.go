package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/wilsonherrera77/ai-bridge-cli/internal/bus"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/logging"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/metrics"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/orchestrator"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/registry"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/workflow"
)

const defaultMessageCount = 50

// SessionService is the orchestration surface the REST layer drives.
type SessionService interface {
	StartOrchestration(ctx context.Context, objective string) (string, error)
	SessionStatus(sessionID string) (orchestrator.Session, error)
	Sessions() ([]string, error)
	Pause(sessionID string) error
	Resume(sessionID string) error
	Stop(sessionID string) error
}

// AgentDirectory lists the managed agent transports.
type AgentDirectory interface {
	List() []registry.Info
}

// MessageLog exposes recorded bus traffic.
type MessageLog interface {
	RecentMessages(count int, sessionID string) []*bus.Message
	Statistics() bus.Stats
}

// WorkflowStatus exposes the current workflow execution.
type WorkflowStatus interface {
	Execution() (workflow.Execution, bool)
	DetectBlockers() []workflow.Blocker
}

type restHandlers struct {
	sessions SessionService
	agents   AgentDirectory
	messages MessageLog
	workflow WorkflowStatus
	metrics  *metrics.Registry
	logger   *logging.Logger
}

type startSessionRequest struct {
	Objective string `json:"objective"`
}

type startSessionResponse struct {
	SessionID string `json:"session_id"`
}

type sessionListResponse struct {
	Sessions []string `json:"sessions"`
}

type workflowResponse struct {
	Execution workflow.Execution `json:"execution"`
	Blockers  []workflow.Blocker `json:"blockers,omitempty"`
}

type messagesResponse struct {
	Messages   []*bus.Message `json:"messages"`
	Statistics bus.Stats      `json:"statistics"`
}

func (h *restHandlers) startSession(w http.ResponseWriter, r *http.Request) *apiError {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: "invalid request body"}
	}
	if strings.TrimSpace(req.Objective) == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "objective is required"}
	}

	id, err := h.sessions.StartOrchestration(r.Context(), req.Objective)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionActive) {
			return &apiError{Status: http.StatusConflict, Message: err.Error()}
		}
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
	writeJSON(w, http.StatusCreated, startSessionResponse{SessionID: id})
	return nil
}

func (h *restHandlers) listSessions(w http.ResponseWriter, r *http.Request) *apiError {
	ids, err := h.sessions.Sessions()
	if err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Sessions: ids})
	return nil
}

func (h *restHandlers) sessionStatus(w http.ResponseWriter, r *http.Request) *apiError {
	session, err := h.sessions.SessionStatus(r.PathValue("id"))
	if err != nil {
		return sessionError(err)
	}
	writeJSON(w, http.StatusOK, session)
	return nil
}

func (h *restHandlers) pauseSession(w http.ResponseWriter, r *http.Request) *apiError {
	return h.lifecycle(w, r, h.sessions.Pause)
}

func (h *restHandlers) resumeSession(w http.ResponseWriter, r *http.Request) *apiError {
	return h.lifecycle(w, r, h.sessions.Resume)
}

func (h *restHandlers) stopSession(w http.ResponseWriter, r *http.Request) *apiError {
	return h.lifecycle(w, r, h.sessions.Stop)
}

func (h *restHandlers) lifecycle(w http.ResponseWriter, r *http.Request, action func(string) error) *apiError {
	id := r.PathValue("id")
	if err := action(id); err != nil {
		return sessionError(err)
	}
	session, err := h.sessions.SessionStatus(id)
	if err != nil {
		return sessionError(err)
	}
	writeJSON(w, http.StatusOK, session)
	return nil
}

func sessionError(err error) *apiError {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownSession), errors.Is(err, orchestrator.ErrNoSession):
		return &apiError{Status: http.StatusNotFound, Message: err.Error()}
	default:
		return &apiError{Status: http.StatusConflict, Message: err.Error()}
	}
}

func (h *restHandlers) listAgents(w http.ResponseWriter, r *http.Request) *apiError {
	infos := h.agents.List()
	if infos == nil {
		infos = []registry.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
	return nil
}

func (h *restHandlers) listMessages(w http.ResponseWriter, r *http.Request) *apiError {
	count := defaultMessageCount
	if raw := r.URL.Query().Get("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return &apiError{Status: http.StatusBadRequest, Message: "count must be a positive integer"}
		}
		count = parsed
	}
	messages := h.messages.RecentMessages(count, r.URL.Query().Get("session_id"))
	if messages == nil {
		messages = []*bus.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{
		Messages:   messages,
		Statistics: h.messages.Statistics(),
	})
	return nil
}

func (h *restHandlers) workflowStatus(w http.ResponseWriter, r *http.Request) *apiError {
	exec, ok := h.workflow.Execution()
	if !ok {
		return &apiError{Status: http.StatusNotFound, Message: "no active workflow"}
	}
	writeJSON(w, http.StatusOK, workflowResponse{
		Execution: exec,
		Blockers:  h.workflow.DetectBlockers(),
	})
	return nil
}

func (h *restHandlers) prometheus(w http.ResponseWriter, r *http.Request) *apiError {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := h.metrics.WritePrometheus(w); err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
	return nil
}
