package session

import (
	"context"
	"encoding/base64"
	"strconv"

	"github.com/guestsvalencia/sandra-live/pkg/core/voice/tts"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/live/protocol"
)

// ttsResult is posted to the session loop when a synthesis stream
// finishes, fails, or is cut short by a barge-in.
type ttsResult struct {
	turnID    uint64
	streamID  string
	chunks    int64
	completed bool
	canceled  bool
	err       error
}

// speak drives one synthesis stream to the client. It runs on its own
// goroutine; the session loop owns state and learns the outcome through
// ttsDoneCh. Provider output is re-sliced into fixed-size frames so
// cancellation granularity does not depend on provider chunking.
func (s *LiveSession) speak(ctx context.Context, turnID uint64, streamID, text string) {
	defer s.wg.Done()

	result := ttsResult{turnID: turnID, streamID: streamID}
	defer func() {
		select {
		case s.ttsDoneCh <- result:
		case <-s.ctx.Done():
		}
	}()

	stream, err := s.deps.TTS.SynthesizeStream(ctx, text, tts.SynthesizeOptions{
		Voice:      s.cfg.Voice,
		Language:   s.cfg.Language,
		Format:     s.cfg.AudioFormat,
		SampleRate: s.cfg.SampleRate,
	})
	if err != nil {
		result.err = err
		return
	}
	defer stream.Close()

	if !s.sendNormal(protocol.ServerAudioStart{Type: protocol.TypeAudioStart, StreamID: streamID}, streamID) {
		result.canceled = true
		return
	}

	chunkBytes := s.cfg.TTSChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = 4096
	}

	var carry []byte
	var seq int64

	emit := func(frame []byte) bool {
		if s.isStreamCanceled(streamID) {
			return false
		}
		ok := s.sendNormal(protocol.ServerAudioChunk{
			Type:     protocol.TypeAudioChunkOut,
			StreamID: streamID,
			Seq:      seq,
			DataB64:  base64.StdEncoding.EncodeToString(frame),
		}, streamID)
		if ok {
			seq++
			result.chunks++
			s.deps.Metrics.RecordAudio("out", len(frame))
		}
		return ok
	}

	for chunk := range stream.Chunks() {
		carry = append(carry, chunk...)
		for len(carry) >= chunkBytes {
			if ctx.Err() != nil || s.isStreamCanceled(streamID) {
				result.canceled = true
				return
			}
			frame := carry[:chunkBytes]
			carry = carry[chunkBytes:]
			if !emit(frame) {
				result.canceled = true
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			result.canceled = true
			return
		}
		result.err = err
		return
	}

	if len(carry) > 0 {
		if ctx.Err() != nil || s.isStreamCanceled(streamID) {
			result.canceled = true
			return
		}
		if !emit(carry) {
			result.canceled = true
			return
		}
	}

	if !s.sendNormal(protocol.ServerAudioEnd{Type: protocol.TypeAudioEndOut, StreamID: streamID, Chunks: result.chunks}, streamID) {
		result.canceled = true
		return
	}
	result.completed = true
}

// nextStreamID derives a per-session synthesis stream identifier. Stream
// IDs only need to be unique within one connection.
func (s *LiveSession) nextStreamID() string {
	s.streamSeq++
	return "tts_" + s.deps.SessionID + "_" + strconv.FormatUint(s.streamSeq, 10)
}
