package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/guestsvalencia/sandra-live/pkg/gateway/config"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/lifecycle"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/live/sessions"
)

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 || rec.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func readyConfig() config.Config {
	return config.Config{
		MaxSessions:        100,
		TurnTimeout:        30 * time.Second,
		MaxSessionDuration: 30 * time.Minute,
	}
}

func TestReadyHandler_OK(t *testing.T) {
	h := ReadyHandler{
		Config:    readyConfig(),
		Lifecycle: &lifecycle.Lifecycle{},
		Sessions:  sessions.NewTracker(),
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != 200 {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK       bool `json:"ok"`
		Draining bool `json:"draining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.Draining {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestReadyHandler_DrainingIsNotReady(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	h := ReadyHandler{
		Config:    readyConfig(),
		Lifecycle: lc,
		Sessions:  sessions.NewTracker(),
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != 503 {
		t.Fatalf("status=%d, want 503 while draining", rec.Code)
	}
}

func TestNotFoundHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NotFoundHandler{}.ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))
	if rec.Code != 404 {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != "not_found" {
		t.Fatalf("resp=%+v", resp)
	}
}
