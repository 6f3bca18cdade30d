package stt

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDeepgram_TranscribeParsesFirstAlternative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token dg-key" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		if got := r.URL.Query().Get("language"); got != "es" {
			t.Errorf("language = %q, want es", got)
		}
		if got := r.URL.Query().Get("encoding"); got != "linear16" {
			t.Errorf("encoding = %q, want linear16", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "pcm-bytes" {
			t.Errorf("body = %q", string(body))
		}
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":"hola sandra","confidence":0.93}]}]}}`))
	}))
	defer srv.Close()

	p := NewDeepgram("dg-key").WithBaseURL(srv.URL)
	tr, err := p.Transcribe(context.Background(), bytes.NewReader([]byte("pcm-bytes")), TranscribeOptions{
		Model: "nova-2", Format: "pcm", SampleRate: 16000,
	})
	if err != nil {
		t.Fatalf("Transcribe error = %v", err)
	}
	if tr.Text != "hola sandra" {
		t.Fatalf("text=%q", tr.Text)
	}
	if tr.Confidence != 0.93 {
		t.Fatalf("confidence=%v", tr.Confidence)
	}
}

func TestDeepgram_EmptyChannelsYieldsEmptyTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":{"channels":[]}}`))
	}))
	defer srv.Close()

	p := NewDeepgram("dg-key").WithBaseURL(srv.URL)
	tr, err := p.Transcribe(context.Background(), bytes.NewReader(nil), TranscribeOptions{})
	if err != nil {
		t.Fatalf("Transcribe error = %v", err)
	}
	if tr.Text != "" {
		t.Fatalf("text=%q, want empty", tr.Text)
	}
}

func TestStub_ReturnsFixedText(t *testing.T) {
	p := NewStub()
	tr, err := p.Transcribe(context.Background(), bytes.NewReader([]byte("audio")), TranscribeOptions{Language: "es"})
	if err != nil {
		t.Fatalf("Transcribe error = %v", err)
	}
	if tr.Text == "" {
		t.Fatalf("expected placeholder text")
	}
	if tr.Confidence != 0.95 {
		t.Fatalf("confidence=%v, want 0.95", tr.Confidence)
	}
}
