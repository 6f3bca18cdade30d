// Package stt provides the speech-to-text contract used when a capture
// episode is turned into a user utterance.
package stt

import (
	"context"
	"io"
)

// Provider is the interface for speech-to-text services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Transcribe converts assembled audio to text.
	Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error)
}

// TranscribeOptions configures transcription.
type TranscribeOptions struct {
	Model      string // Provider-specific model
	Language   string // ISO language code
	Format     string // Audio format hint (wav, webm, pcm, ...)
	SampleRate int    // Audio sample rate in Hz
}

// Transcript is the result of transcription.
type Transcript struct {
	Text       string
	Confidence float64
	Language   string
}
