package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/guestsvalencia/sandra-live/pkg/core/llm"
	"github.com/guestsvalencia/sandra-live/pkg/core/voice/stt"
	"github.com/guestsvalencia/sandra-live/pkg/core/voice/tts"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/config"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/lifecycle"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/live/protocol"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/live/session"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/live/sessions"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/metrics"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/mw"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/ratelimit"
)

// LiveHandler owns the /v1/live websocket endpoint. It performs the
// authenticate handshake, then hands the connection to a session.
type LiveHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	Metrics   *metrics.Metrics
	Limiter   *ratelimit.Limiter

	Completer llm.Completer
	TTS       tts.Provider
	STT       stt.Provider
	Mirror    session.Mirror
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", reqID)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeJSONError(w, http.StatusServiceUnavailable, "draining", "gateway is draining", reqID)
		return
	}
	if !h.originAllowed(r) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "origin is not allowed", reqID)
		return
	}
	if h.Sessions != nil && h.Config.MaxSessions > 0 && h.Sessions.Count() >= h.Config.MaxSessions {
		h.Metrics.RecordError("handler", "session_capacity")
		writeJSONError(w, http.StatusServiceUnavailable, "capacity", "session capacity reached", reqID)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.MaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxJSONMessageBytes)
	}

	handshakeTimeout := h.Config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		writeWSError(conn, "not_authenticated", "failed to read authenticate frame", true)
		return
	}
	if messageType != websocket.TextMessage {
		writeWSError(conn, "not_authenticated", "first frame must be authenticate", true)
		return
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		writeWSError(conn, "not_authenticated", "invalid authenticate frame", true)
		return
	}
	auth, ok := decoded.(protocol.ClientAuthenticate)
	if !ok {
		writeWSError(conn, "not_authenticated", "first frame must be authenticate", true)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	userID := auth.UserID
	sessionID := "s_" + uuid.NewString()
	roomID := "user_" + userID
	startAt := time.Now()

	if h.Limiter != nil {
		decision := h.Limiter.AcquireSession(userID, startAt)
		if !decision.Allowed {
			h.Metrics.RecordError("handler", "user_rate_limited")
			writeWSError(conn, "capacity", "too many sessions for this user, retry later", true)
			return
		}
		defer decision.Permit.Release()
	}

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.Logger,
		Completer: h.Completer,
		TTS:       h.TTS,
		STT:       h.STT,
		Metrics:   h.Metrics,
		SessionID: sessionID,
		UserID:    userID,
		RoomID:    roomID,
		Mirror:    h.Mirror,
		Broadcast: h.roomBroadcast(roomID, sessionID),
		Config: session.Config{
			MaxJSONMessageBytes:  h.Config.MaxJSONMessageBytes,
			MaxAudioChunkBytes:   h.Config.MaxAudioChunkBytes,
			PingInterval:         h.Config.WSPingInterval,
			WriteTimeout:         h.Config.WSWriteTimeout,
			ReadTimeout:          h.Config.WSReadTimeout,
			MaxSessionDuration:   h.Config.MaxSessionDuration,
			TurnTimeout:          h.Config.TurnTimeout,
			TTSChunkBytes:        h.Config.TTSChunkBytes,
			AudioAckEveryN:       h.Config.AudioAckEveryN,
			MinAudioCompleteness: h.Config.MinAudioCompleteness,
			OutboundQueueSize:    h.Config.OutboundQueueSize,
			Voice:                h.Config.Voice,
			Language:             h.Config.Language,
			AudioFormat:          h.Config.AudioFormat,
			SampleRate:           h.Config.SampleRate,
			SystemPrompt:         h.Config.SystemPrompt,
			Greeting:             h.Config.Greeting,
			MaxReplyTokens:       h.Config.MaxReplyTokens,
		},
	})
	if err != nil {
		writeWSError(conn, "internal", "failed to initialize live session", true)
		return
	}

	unregister := func() {}
	if h.Sessions != nil {
		unregister = h.Sessions.Register(sessionID, sessions.Handle{
			RoomID:  roomID,
			Cancel:  func() { s.Cancel("draining", "server is shutting down") },
			Warn:    s.Warn,
			Deliver: s.DeliverRoomFrame,
		})
	}
	defer unregister()

	h.Metrics.RecordSessionStart()
	status := "closed"
	if err := s.Run(r.Context()); err != nil {
		status = "error"
		if h.Logger != nil {
			h.Logger.Warn("live session ended with error",
				"session_id", sessionID, "user_id", userID, "request_id", reqID, "error", err)
		}
	}
	h.Metrics.RecordSessionEnd(status, time.Since(startAt))
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.AllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.AllowedOrigins[origin]
	return ok
}

// roomBroadcast fans a state frame out to the user's other devices.
func (h LiveHandler) roomBroadcast(roomID, sessionID string) func(v any) {
	if h.Sessions == nil {
		return nil
	}
	return func(v any) {
		payload, err := json.Marshal(v)
		if err != nil {
			return
		}
		h.Sessions.Broadcast(roomID, sessionID, payload)
	}
}
