package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/guestsvalencia/sandra-live/pkg/gateway/config"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/lifecycle"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		SessionsActive int      `json:"sessions_active"`
		MirrorEnabled  bool     `json:"mirror_enabled"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "gateway is draining")
	}
	if h.Config.MaxSessions <= 0 {
		issues = append(issues, "max_sessions must be > 0")
	}
	if h.Config.TurnTimeout <= 0 {
		issues = append(issues, "turn timeout must be > 0")
	}
	if h.Config.MaxSessionDuration <= 0 {
		issues = append(issues, "max session duration must be > 0")
	}
	if h.Sessions != nil && h.Config.MaxSessions > 0 && h.Sessions.Count() >= h.Config.MaxSessions {
		issues = append(issues, "session capacity reached")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		SessionsActive: h.Sessions.Count(),
		MirrorEnabled:  h.Config.RedisAddr != "",
		Issues:         issues,
	})
}

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusNotFound, "not_found", "not found", "")
}
