package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guestsvalencia/sandra-live/pkg/gateway/live/protocol"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message, reqID string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   message,
		RequestID: reqID,
	}})
}

func writeWSError(conn *websocket.Conn, code, message string, closeAfter bool) {
	_ = conn.WriteJSON(protocol.ServerError{
		Type:    protocol.TypeError,
		Code:    code,
		Message: message,
		Close:   closeAfter,
	})
	if closeAfter {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
			time.Now().Add(2*time.Second))
	}
}
