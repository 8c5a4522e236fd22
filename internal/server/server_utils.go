package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/life-stream-dev/ghosttap-server/internal/logger"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnF("Fail to write response, details: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}

func handleReadError(connID string, err error) {
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		logger.InfoF("[%s] Client close connection", connID)
	case errors.Is(err, context.Canceled):
		logger.InfoF("[%s] Connection closed by server", connID)
	case status != -1:
		logger.WarnF("[%s] Client close connection with status %d", connID, status)
	default:
		logger.WarnF("[%s] Error occured while reading message, details: %v", connID, err)
	}
}
