package stt

import (
	"context"
	"io"
)

// StubProvider returns a fixed transcript without calling any service.
// It keeps the capture pipeline exercisable when no STT backend is
// configured.
type StubProvider struct {
	Text string
}

// NewStub creates a stub STT provider with the default placeholder text.
func NewStub() *StubProvider {
	return &StubProvider{Text: "[Audio transcription would go here]"}
}

// Name returns the provider identifier.
func (s *StubProvider) Name() string { return "stub" }

// Transcribe drains the audio and returns the fixed text.
func (s *StubProvider) Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if audio != nil {
		_, _ = io.Copy(io.Discard, audio)
	}
	return &Transcript{
		Text:       s.Text,
		Confidence: 0.95,
		Language:   opts.Language,
	}, nil
}
