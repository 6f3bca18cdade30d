// Package tts provides the text-to-speech contract used by the speech
// synthesis streamer.
package tts

import "context"

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts text to audio in one shot.
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error)

	// SynthesizeStream converts text to streaming audio. Canceling ctx
	// aborts the underlying provider request mid-stream.
	SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice      string  // Voice identifier
	Speed      float64 // Speed multiplier (0.6-1.5, default 1.0)
	Language   string  // Language code
	Format     string  // Output format: "wav", "mp3", or "pcm"
	SampleRate int     // Sample rate in Hz
}

// Synthesis is the result of one-shot synthesis.
type Synthesis struct {
	Audio  []byte
	Format string
}

// SynthesisStream delivers provider audio as it arrives.
type SynthesisStream struct {
	chunks chan []byte
	err    error
	done   chan struct{}
}

// NewSynthesisStream creates a new synthesis stream.
func NewSynthesisStream() *SynthesisStream {
	return &SynthesisStream{
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// Chunks returns the channel of audio chunks. The channel is closed when
// the provider finishes sending.
func (s *SynthesisStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err blocks until the stream is closed, then returns any error.
func (s *SynthesisStream) Err() error {
	<-s.done
	return s.err
}

// Close closes the stream. Safe to call more than once.
func (s *SynthesisStream) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

// SetError records the stream error. Must be called before Close.
func (s *SynthesisStream) SetError(err error) {
	s.err = err
}

// Send delivers a chunk. Returns false if the stream is closed.
func (s *SynthesisStream) Send(chunk []byte) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// FinishSending closes the chunks channel to signal completion.
func (s *SynthesisStream) FinishSending() {
	close(s.chunks)
}
