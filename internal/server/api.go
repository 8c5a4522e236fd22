package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/logger"
	"github.com/life-stream-dev/ghosttap-server/internal/metrics"
	"github.com/life-stream-dev/ghosttap-server/internal/session"
)

type createTaskRequest struct {
	UserID      string `json:"user_id"`
	Goal        string `json:"goal"`
	CallbackURL string `json:"callback_url"`
}

type createTaskResponse struct {
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	DeviceConnected bool   `json:"device_connected"`
}

type taskSummary struct {
	SessionID         string           `json:"session_id"`
	UserID            string           `json:"user_id"`
	Goal              string           `json:"goal"`
	Status            string           `json:"status"`
	Reason            string           `json:"reason,omitempty"`
	Result            string           `json:"result,omitempty"`
	Steps             int              `json:"steps"`
	Metrics           metrics.Snapshot `json:"metrics"`
	AwaitingReconnect bool             `json:"awaiting_reconnect"`
	LastDeviceError   string           `json:"last_device_error,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

func summaryOf(s session.Session) taskSummary {
	return taskSummary{
		SessionID:         s.ID,
		UserID:            s.UserID,
		Goal:              s.Goal,
		Status:            string(s.Status),
		Reason:            s.Reason,
		Result:            s.Result,
		Steps:             s.Metrics.StepCount,
		Metrics:           s.Metrics,
		AwaitingReconnect: s.AwaitingReconnect,
		LastDeviceError:   s.LastDeviceError,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON object")
		return
	}
	switch {
	case req.UserID == "":
		writeError(w, http.StatusBadRequest, "missing_field", "user_id is required")
		return
	case req.Goal == "":
		writeError(w, http.StatusBadRequest, "missing_field", "goal is required")
		return
	}

	created, connected, err := s.orchestrator.StartTask(req.UserID, req.Goal, req.CallbackURL)
	if err != nil {
		logger.ErrorF("Fail to create task for %s, details: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal", "fail to create task")
		return
	}
	writeJSON(w, http.StatusCreated, createTaskResponse{
		SessionID:       created.ID,
		Status:          string(created.Status),
		DeviceConnected: connected,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	found, err := s.sessions.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryOf(found))
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history, err := s.sessions.History(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "history": history})
}

// handleCancelTask 运维侧主动取消任务
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ended, err := s.sessions.End(id, session.StatusCancelled, session.ReasonOperatorStop)
	if errors.Is(err, session.ErrSessionNotFound) {
		if existing, ok := s.sessions.Get(id); ok {
			writeError(w, http.StatusConflict, "already_finished", "task is already "+string(existing.Status))
			return
		}
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summaryOf(ended))
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	logger.ErrorF("Fail to query task, details: %v", err)
	writeError(w, http.StatusInternalServerError, "internal", "fail to query task")
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Count(),
		"sessions":    s.sessions.Count(),
	})
}
