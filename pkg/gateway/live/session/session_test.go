package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guestsvalencia/sandra-live/pkg/core/llm"
	"github.com/guestsvalencia/sandra-live/pkg/core/voice/stt"
	"github.com/guestsvalencia/sandra-live/pkg/core/voice/tts"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/live/protocol"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/metrics"
)

type fakeCompleter struct {
	reply   string
	err     error
	calls   int
	lastReq llm.CompletionRequest
}

func (f *fakeCompleter) Name() string { return "fake" }

func (f *fakeCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeTTS struct {
	audio []byte
	err   error
}

func (f *fakeTTS) Name() string { return "fake" }

func (f *fakeTTS) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.Synthesis, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &tts.Synthesis{Audio: f.audio, Format: opts.Format}, nil
}

func (f *fakeTTS) SynthesizeStream(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.SynthesisStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	stream := tts.NewSynthesisStream()
	go func() {
		defer stream.Close()
		defer stream.FinishSending()
		stream.Send(f.audio)
	}()
	return stream, nil
}

func newTestSession(t *testing.T, completer llm.Completer, provider tts.Provider) *LiveSession {
	t.Helper()
	if completer == nil {
		completer = &fakeCompleter{reply: "ok"}
	}
	if provider == nil {
		provider = &fakeTTS{audio: []byte("audio-bytes")}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := &LiveSession{
		deps: Dependencies{
			Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
			Completer: completer,
			TTS:       provider,
			STT:       stt.NewStub(),
			SessionID: "s_test",
			UserID:    "u_test",
			RoomID:    "user_u_test",
			Now:       time.Now,
		},
		cfg: Config{
			MaxAudioChunkBytes:  defaultMaxAudioChunkBytes,
			TurnTimeout:         5 * time.Second,
			TTSChunkBytes:       4,
			AudioAckEveryN:      defaultAudioAckEveryN,
			OutboundQueueSize:   defaultOutboundQueueSize,
			SystemPrompt:        "test prompt",
			Greeting:            "hola",
			MaxReplyTokens:      64,
			Language:            "es",
			AudioFormat:         "mp3",
			SampleRate:          44100,
			MaxJSONMessageBytes: defaultMaxJSONMessageBytes,
		},
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		ctx:         ctx,
		cancel:      cancel,
		inboundCh:   make(chan inboundEvent, 64),
		completedCh: make(chan completionResult, 4),
		ttsDoneCh:   make(chan ttsResult, 4),
		sttDoneCh:   make(chan sttResult, 4),
		roomCh:      make(chan []byte, 16),
		outPriority: make(chan outboundFrame, 64),
		outNormal:   make(chan outboundFrame, 256),
		callStatus:  CallActive,
		turnStatus:  TurnIdle,
		transcript:  newTranscript(),
		capture:     newCaptureBuffer(),
	}
	s.canceledStreams.Store([]string(nil))
	return s
}

func drainFrames(ch chan outboundFrame) []map[string]any {
	var out []map[string]any
	for {
		select {
		case frame := <-ch:
			var decoded map[string]any
			if err := json.Unmarshal(frame.payload, &decoded); err == nil {
				out = append(out, decoded)
			}
		default:
			return out
		}
	}
}

func frameTypes(frames []map[string]any) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		if typ, ok := f["type"].(string); ok {
			out = append(out, typ)
		}
	}
	return out
}

func hasFrameType(frames []map[string]any, typ string) bool {
	for _, t := range frameTypes(frames) {
		if t == typ {
			return true
		}
	}
	return false
}

func TestSession_RejectsOverlappingTurn(t *testing.T) {
	s := newTestSession(t, nil, nil)
	s.turnStatus = TurnAwaitingReply
	s.turnID = 3

	s.startTurn("second utterance", time.Now())

	if s.turnID != 3 {
		t.Fatalf("turnID=%d, want unchanged 3", s.turnID)
	}
	frames := drainFrames(s.outPriority)
	if len(frames) != 1 || frames[0]["code"] != "turn_in_progress" {
		t.Fatalf("priority frames=%v, want one turn_in_progress error", frames)
	}
}

func TestSession_TurnWhileSpeakingBargesIn(t *testing.T) {
	s := newTestSession(t, nil, nil)
	s.turnStatus = TurnSpeaking
	s.activeStreamID = "tts_s_test_1"
	_, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel

	s.startTurn("new utterance", time.Now())

	if !s.isStreamCanceled("tts_s_test_1") {
		t.Fatalf("previous stream not poisoned")
	}
	if s.turnStatus != TurnAwaitingReply {
		t.Fatalf("turnStatus=%v, want TurnAwaitingReply", s.turnStatus)
	}
	frames := drainFrames(s.outPriority)
	if !hasFrameType(frames, protocol.TypeInterrupted) {
		t.Fatalf("frames=%v, want sandra:interrupted", frameTypes(frames))
	}

	// The new turn's completion must arrive with the advanced epoch.
	select {
	case res := <-s.completedCh:
		if res.turnID != s.turnID {
			t.Fatalf("completion turnID=%d, want %d", res.turnID, s.turnID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no completion posted")
	}
}

func TestSession_DoubleBargeInIsNoOp(t *testing.T) {
	s := newTestSession(t, nil, nil)
	s.turnStatus = TurnSpeaking
	s.activeStreamID = "tts_s_test_1"

	if !s.bargeIn() {
		t.Fatalf("first barge-in rejected")
	}
	before := s.turnID
	if s.bargeIn() {
		t.Fatalf("second barge-in accepted, want no-op")
	}
	if s.turnID != before {
		t.Fatalf("turnID advanced by no-op barge-in")
	}

	interrupts := 0
	for _, typ := range frameTypes(drainFrames(s.outPriority)) {
		if typ == protocol.TypeInterrupted {
			interrupts++
		}
	}
	if interrupts != 1 {
		t.Fatalf("interrupted frames=%d, want 1", interrupts)
	}
}

func TestSession_CompletionFailureLeavesTranscriptUnchanged(t *testing.T) {
	s := newTestSession(t, nil, nil)
	s.transcript.appendUser("hola", time.Now())
	s.transcript.appendAgent("buenas", time.Now())
	s.turnStatus = TurnAwaitingReply
	s.turnID = 5
	s.pendingUser = llm.Message{Role: llm.RoleUser, Content: "lost utterance"}

	s.handleCompletion(completionResult{turnID: 5, err: errors.New("model unavailable")})

	if s.transcript.len() != 2 {
		t.Fatalf("transcript len=%d, want 2", s.transcript.len())
	}
	if s.turnStatus != TurnIdle {
		t.Fatalf("turnStatus=%v, want TurnIdle", s.turnStatus)
	}
	if s.pendingUser.Content != "" {
		t.Fatalf("pending user message not discarded")
	}
	frames := drainFrames(s.outPriority)
	if len(frames) != 1 || frames[0]["code"] != "reply_generation_failed" {
		t.Fatalf("priority frames=%v, want reply_generation_failed", frames)
	}
}

func TestSession_StaleCompletionDropped(t *testing.T) {
	s := newTestSession(t, nil, nil)
	s.turnStatus = TurnIdle
	s.turnID = 7

	s.handleCompletion(completionResult{turnID: 6, text: "stale reply"})

	if s.transcript.len() != 0 {
		t.Fatalf("stale completion committed to transcript")
	}
	if s.turnStatus != TurnIdle {
		t.Fatalf("turnStatus=%v, want TurnIdle", s.turnStatus)
	}
	if frames := drainFrames(s.outNormal); len(frames) != 0 {
		t.Fatalf("stale completion produced frames: %v", frameTypes(frames))
	}
}

func TestSession_CompletionCommitsAndSpeaks(t *testing.T) {
	s := newTestSession(t, nil, &fakeTTS{audio: []byte("abcdefgh")})
	s.turnStatus = TurnAwaitingReply
	s.turnID = 1
	s.pendingUser = llm.Message{Role: llm.RoleUser, Content: "hola", Timestamp: time.Now()}

	s.handleCompletion(completionResult{turnID: 1, text: "¿en qué puedo ayudarte?"})

	if s.transcript.len() != 2 {
		t.Fatalf("transcript len=%d, want user and agent entries", s.transcript.len())
	}
	if s.turnStatus != TurnSpeaking {
		t.Fatalf("turnStatus=%v, want TurnSpeaking", s.turnStatus)
	}

	var res ttsResult
	select {
	case res = <-s.ttsDoneCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("synthesis never finished")
	}
	if !res.completed || res.err != nil {
		t.Fatalf("synthesis result=%+v, want completed", res)
	}
	// 8 audio bytes re-sliced into 4-byte frames.
	if res.chunks != 2 {
		t.Fatalf("chunks=%d, want 2", res.chunks)
	}

	frames := drainFrames(s.outNormal)
	types := frameTypes(frames)
	var audioTypes []string
	for _, typ := range types {
		switch typ {
		case protocol.TypeAudioStart, protocol.TypeAudioChunkOut, protocol.TypeAudioEndOut:
			audioTypes = append(audioTypes, typ)
		}
	}
	want := []string{
		protocol.TypeAudioStart,
		protocol.TypeAudioChunkOut,
		protocol.TypeAudioChunkOut,
		protocol.TypeAudioEndOut,
	}
	if len(audioTypes) != len(want) {
		t.Fatalf("audio frames=%v, want %v", audioTypes, want)
	}
	for i := range want {
		if audioTypes[i] != want[i] {
			t.Fatalf("audio frames=%v, want %v", audioTypes, want)
		}
	}

	s.handleSynthesisDone(res)
	if s.turnStatus != TurnIdle {
		t.Fatalf("turnStatus=%v after synthesis, want TurnIdle", s.turnStatus)
	}
}

func TestSession_SynthesisFailureKeepsReplyText(t *testing.T) {
	s := newTestSession(t, nil, nil)
	s.transcript.appendUser("hola", time.Now())
	s.transcript.appendAgent("respuesta", time.Now())
	s.turnStatus = TurnSpeaking
	s.turnID = 2
	s.activeStreamID = "tts_s_test_2"

	s.handleSynthesisDone(ttsResult{turnID: 2, streamID: "tts_s_test_2", err: errors.New("provider down")})

	if s.transcript.len() != 2 {
		t.Fatalf("synthesis failure rolled back transcript")
	}
	if s.turnStatus != TurnIdle {
		t.Fatalf("turnStatus=%v, want TurnIdle", s.turnStatus)
	}
	frames := drainFrames(s.outPriority)
	if len(frames) != 1 || frames[0]["code"] != "synthesis_failed" {
		t.Fatalf("priority frames=%v, want synthesis_failed", frames)
	}
}

func TestSession_AudioCaptureFlowsIntoTurn(t *testing.T) {
	s := newTestSession(t, &fakeCompleter{reply: "te escucho"}, nil)

	s.handleClientMessage(protocol.ClientAudioStreamStart{Type: protocol.TypeAudioStreamStart})
	if s.turnStatus != TurnCapturing {
		t.Fatalf("turnStatus=%v, want TurnCapturing", s.turnStatus)
	}

	for _, chunk := range []protocol.ClientAudioChunk{
		{Type: protocol.TypeAudioChunk, Sequence: 1, DataB64: "Yg=="},
		{Type: protocol.TypeAudioChunk, Sequence: 0, DataB64: "YQ=="},
	} {
		s.handleClientMessage(chunk)
	}
	s.handleClientMessage(protocol.ClientAudioEnd{Type: protocol.TypeAudioEnd, Total: 2})

	var res sttResult
	select {
	case res = <-s.sttDoneCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("transcription never finished")
	}
	if res.err != nil {
		t.Fatalf("transcription error: %v", res.err)
	}

	s.handleTranscription(res)
	if s.turnStatus != TurnAwaitingReply {
		t.Fatalf("turnStatus=%v, want TurnAwaitingReply", s.turnStatus)
	}
	frames := drainFrames(s.outNormal)
	if !hasFrameType(frames, protocol.TypeTranscription) {
		t.Fatalf("frames=%v, want audio:transcription", frameTypes(frames))
	}
	if !hasFrameType(frames, protocol.TypeAudioEndAck) {
		t.Fatalf("frames=%v, want audio:end:ack", frameTypes(frames))
	}

	select {
	case <-s.completedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("no completion posted for transcribed turn")
	}
}

func TestSession_CallEndStopsSpeech(t *testing.T) {
	s := newTestSession(t, nil, nil)
	s.turnStatus = TurnSpeaking
	s.activeStreamID = "tts_s_test_9"

	s.handleClientMessage(protocol.ClientCallEnd{Type: protocol.TypeCallEnd})

	if s.callStatus != CallEnded {
		t.Fatalf("callStatus=%v, want CallEnded", s.callStatus)
	}
	if s.turnStatus != TurnIdle {
		t.Fatalf("turnStatus=%v, want TurnIdle", s.turnStatus)
	}
	if !s.isStreamCanceled("tts_s_test_9") {
		t.Fatalf("active stream not poisoned on call end")
	}
	frames := drainFrames(s.outPriority)
	if !hasFrameType(frames, protocol.TypeCallEnded) {
		t.Fatalf("frames=%v, want call:ended", frameTypes(frames))
	}
}

func TestSession_GreetingStaysOutOfTranscript(t *testing.T) {
	completer := &fakeCompleter{reply: "claro"}
	s := newTestSession(t, completer, nil)
	s.callStatus = CallAuthenticated

	s.handleClientMessage(protocol.ClientCallStart{Type: protocol.TypeCallStart})
	if s.transcript.len() != 0 {
		t.Fatalf("transcript len=%d after call start, want 0", s.transcript.len())
	}

	// The user speaks over the greeting; the first completion request
	// must open with the user utterance, not the greeting.
	s.startTurn("hola", time.Now())
	var res completionResult
	select {
	case res = <-s.completedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("no completion posted")
	}
	if len(completer.lastReq.Messages) == 0 {
		t.Fatalf("completion request had no messages")
	}
	if got := completer.lastReq.Messages[0]; got.Role != llm.RoleUser || got.Content != "hola" {
		t.Fatalf("first completion message=%+v, want the user utterance", got)
	}

	s.handleCompletion(res)
	entries := s.transcript.snapshot()
	if len(entries) != 2 {
		t.Fatalf("transcript len=%d after one turn, want a user/agent pair", len(entries))
	}
	if entries[0].Role != llm.RoleUser || entries[0].Content != "hola" {
		t.Fatalf("transcript[0]=%+v, want the user utterance", entries[0])
	}
	if entries[1].Role != llm.RoleAgent || entries[1].Content != "claro" {
		t.Fatalf("transcript[1]=%+v, want the agent reply", entries[1])
	}
}

func TestSession_BargeInDuringReplyClearsTypingHint(t *testing.T) {
	s := newTestSession(t, nil, nil)
	s.turnStatus = TurnAwaitingReply
	s.turnID = 2
	s.pendingUser = llm.Message{Role: llm.RoleUser, Content: "hola"}

	if !s.bargeIn() {
		t.Fatalf("barge-in rejected while a reply was being generated")
	}

	typingOff := false
	for _, f := range drainFrames(s.outNormal) {
		if f["type"] != protocol.TypeTyping {
			continue
		}
		if typing, _ := f["typing"].(bool); typing {
			t.Fatalf("typing hint still on after barge-in")
		}
		typingOff = true
	}
	if !typingOff {
		t.Fatalf("no typing-off frame after interrupting the pending reply")
	}
}

func TestSession_RecordsTurnMetrics(t *testing.T) {
	m := metrics.New("sandra_session_test")
	s := newTestSession(t, nil, &fakeTTS{audio: []byte("abcdefgh")})
	s.deps.Metrics = m
	s.turnStatus = TurnAwaitingReply
	s.turnID = 1
	s.turnStartedAt = time.Now().Add(-time.Second)
	s.pendingUser = llm.Message{Role: llm.RoleUser, Content: "hola", Timestamp: time.Now()}

	s.handleCompletion(completionResult{turnID: 1, text: "respuesta"})
	var res ttsResult
	select {
	case res = <-s.ttsDoneCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("synthesis never finished")
	}
	s.handleSynthesisDone(res)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`sandra_session_test_turns_total{outcome="ok"} 1`,
		"sandra_session_test_synthesis_chunks_total 2",
		`sandra_session_test_audio_bytes_total{direction="out"} 8`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q\n%s", want, body)
		}
	}
}

func TestSession_CanceledStreamSetIsBounded(t *testing.T) {
	s := newTestSession(t, nil, nil)
	for i := 0; i < maxCanceledStreams+10; i++ {
		s.streamSeq = uint64(i)
		s.cancelStreamAudio(s.nextStreamID())
	}
	ids, _ := s.canceledStreams.Load().([]string)
	if len(ids) != maxCanceledStreams {
		t.Fatalf("canceled set size=%d, want %d", len(ids), maxCanceledStreams)
	}
	// The oldest entries age out, the newest stay poisoned.
	if s.isStreamCanceled("tts_s_test_1") {
		t.Fatalf("oldest stream still poisoned")
	}
	if !s.isStreamCanceled(ids[len(ids)-1]) {
		t.Fatalf("newest stream not poisoned")
	}
}
