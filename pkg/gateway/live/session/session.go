// Package session owns the per-connection state machine of a live voice
// call. One goroutine runs the loop and is the only writer of session
// state; the read loop, turn goroutines, and the synthesis streamer post
// results back through channels and never touch state directly.
package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guestsvalencia/sandra-live/pkg/core/llm"
	"github.com/guestsvalencia/sandra-live/pkg/core/voice/stt"
	"github.com/guestsvalencia/sandra-live/pkg/core/voice/tts"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/live/protocol"
	"github.com/guestsvalencia/sandra-live/pkg/gateway/metrics"
)

const (
	defaultMaxJSONMessageBytes = 256 << 10
	defaultMaxAudioChunkBytes  = 64 << 10
	defaultPingInterval        = 20 * time.Second
	defaultWriteTimeout        = 5 * time.Second
	defaultReadTimeout         = 60 * time.Second
	defaultMaxSessionDuration  = 30 * time.Minute
	defaultTurnTimeout         = 30 * time.Second
	defaultTTSChunkBytes       = 4096
	defaultAudioAckEveryN      = 10
	defaultOutboundQueueSize   = 256
	defaultMaxReplyTokens      = 1024

	maxCanceledStreams = 64
)

const (
	defaultLanguage    = "es"
	defaultAudioFormat = "mp3"
	defaultSampleRate  = 44100

	defaultGreeting = "¡Hola! Soy Sandra, tu asistente inteligente. ¿En qué puedo ayudarte hoy?"

	defaultSystemPrompt = "Eres Sandra, una asistente de voz cálida y eficiente. " +
		"Respondes siempre en español, con frases cortas pensadas para ser " +
		"leídas en voz alta."
)

// Config tunes one live session. Zero values fall back to defaults in
// New.
type Config struct {
	MaxJSONMessageBytes  int64
	MaxAudioChunkBytes   int
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	MaxSessionDuration   time.Duration
	TurnTimeout          time.Duration
	TTSChunkBytes        int
	AudioAckEveryN       int64
	MinAudioCompleteness float64
	OutboundQueueSize    int

	Voice          string
	Language       string
	AudioFormat    string
	SampleRate     int
	SystemPrompt   string
	Greeting       string
	MaxReplyTokens int
}

// StateSnapshot is the externally visible state of a session, mirrored
// to the optional store and broadcast to sibling devices in the room.
type StateSnapshot struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	RoomID        string    `json:"room_id"`
	CallStatus    string    `json:"call_status"`
	TurnStatus    string    `json:"turn_status"`
	TranscriptLen int       `json:"transcript_len"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Mirror persists session snapshots outside the process. Implementations
// must tolerate being called after the session has ended.
type Mirror interface {
	Save(ctx context.Context, snap StateSnapshot) error
	Delete(ctx context.Context, sessionID string) error
}

// Dependencies wires one session. Conn, Completer, and TTS are
// required; Mirror, Broadcast, STT, and Metrics are optional.
type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	Completer llm.Completer
	TTS       tts.Provider
	STT       stt.Provider
	Metrics   *metrics.Metrics

	SessionID string
	UserID    string
	RoomID    string

	Config    Config
	Mirror    Mirror
	Broadcast func(v any)
	Now       func() time.Time
}

type outboundFrame struct {
	payload       []byte
	isStreamAudio bool
	streamID      string
}

type inboundEvent struct {
	msg any
	err error
}

type completionResult struct {
	turnID uint64
	text   string
	err    error
}

type sttResult struct {
	text       string
	confidence float64
	err        error
}

// LiveSession is one websocket voice call.
type LiveSession struct {
	deps Dependencies
	cfg  Config
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inboundCh   chan inboundEvent
	completedCh chan completionResult
	ttsDoneCh   chan ttsResult
	sttDoneCh   chan sttResult
	roomCh      chan []byte

	outPriority chan outboundFrame
	outNormal   chan outboundFrame

	// canceledStreams holds the poisoned synthesis stream IDs; the
	// writer goroutine consults it per frame.
	canceledStreams atomic.Value // []string

	callStatus CallStatus
	turnStatus TurnStatus
	transcript *transcript
	capture    *captureBuffer

	turnID         uint64
	turnCancel     context.CancelFunc
	turnStartedAt  time.Time
	pendingUser    llm.Message
	activeStreamID string
	streamSeq      uint64
}

// New builds a session around an already-authenticated connection.
func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, errors.New("session: websocket connection is required")
	}
	if deps.Completer == nil {
		return nil, errors.New("session: completer is required")
	}
	if deps.TTS == nil {
		return nil, errors.New("session: tts provider is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, errors.New("session: session id is required")
	}
	if strings.TrimSpace(deps.UserID) == "" {
		return nil, errors.New("session: user id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.STT == nil {
		deps.STT = stt.NewStub()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	cfg := deps.Config
	if cfg.MaxJSONMessageBytes <= 0 {
		cfg.MaxJSONMessageBytes = defaultMaxJSONMessageBytes
	}
	if cfg.MaxAudioChunkBytes <= 0 {
		cfg.MaxAudioChunkBytes = defaultMaxAudioChunkBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.MaxSessionDuration <= 0 {
		cfg.MaxSessionDuration = defaultMaxSessionDuration
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if cfg.TTSChunkBytes <= 0 {
		cfg.TTSChunkBytes = defaultTTSChunkBytes
	}
	if cfg.AudioAckEveryN == 0 {
		cfg.AudioAckEveryN = defaultAudioAckEveryN
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = defaultOutboundQueueSize
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = defaultAudioFormat
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Greeting == "" {
		cfg.Greeting = defaultGreeting
	}
	if cfg.MaxReplyTokens <= 0 {
		cfg.MaxReplyTokens = defaultMaxReplyTokens
	}

	s := &LiveSession{
		deps: deps,
		cfg:  cfg,
		log: deps.Logger.With(
			slog.String("session_id", deps.SessionID),
			slog.String("user_id", deps.UserID),
		),
		inboundCh:   make(chan inboundEvent, 64),
		completedCh: make(chan completionResult, 4),
		ttsDoneCh:   make(chan ttsResult, 4),
		sttDoneCh:   make(chan sttResult, 4),
		roomCh:      make(chan []byte, 16),
		outPriority: make(chan outboundFrame, 64),
		outNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		callStatus:  CallAuthenticated,
		turnStatus:  TurnIdle,
		transcript:  newTranscript(),
		capture:     newCaptureBuffer(),
	}
	s.canceledStreams.Store([]string(nil))
	return s, nil
}

// Run owns the session until the connection drops, the client ends the
// call and disconnects, or ctx is canceled. It always returns with the
// connection closed and all session goroutines drained.
func (s *LiveSession) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	writer := &outboundWriter{
		ws:         s.deps.Conn,
		ctx:        s.ctx,
		cfg:        s.cfg,
		priority:   s.outPriority,
		normal:     s.outNormal,
		isCanceled: s.isStreamCanceled,
	}
	writerDone := make(chan error, 1)
	go func() { writerDone <- writer.Run() }()

	s.wg.Add(1)
	go s.readLoop()

	sessionTimer := time.NewTimer(s.cfg.MaxSessionDuration)
	defer sessionTimer.Stop()

	s.sendPriority(protocol.ServerAuthenticated{
		Type:      protocol.TypeAuthenticated,
		SessionID: s.deps.SessionID,
		UserID:    s.deps.UserID,
		RoomID:    s.deps.RoomID,
	})
	s.publishState()

	var runErr error

loop:
	for {
		select {
		case <-s.ctx.Done():
			break loop

		case <-sessionTimer.C:
			s.log.Info("session reached max duration")
			s.sendError("session_expired", "session exceeded maximum duration", true)
			break loop

		case ev := <-s.inboundCh:
			if ev.err != nil {
				var decodeErr *protocol.DecodeError
				if errors.As(ev.err, &decodeErr) {
					s.sendError(decodeErr.Code, decodeErr.Error(), false)
					continue
				}
				if !websocket.IsCloseError(ev.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
					!errors.Is(ev.err, context.Canceled) {
					runErr = ev.err
				}
				break loop
			}
			if done := s.handleClientMessage(ev.msg); done {
				break loop
			}

		case res := <-s.completedCh:
			s.handleCompletion(res)

		case res := <-s.ttsDoneCh:
			s.handleSynthesisDone(res)

		case res := <-s.sttDoneCh:
			s.handleTranscription(res)

		case payload := <-s.roomCh:
			s.enqueue(s.outNormal, outboundFrame{payload: payload})

		case err := <-writerDone:
			writerDone = nil
			if err != nil && runErr == nil {
				runErr = fmt.Errorf("session writer: %w", err)
			}
			break loop
		}
	}

	s.cancel()
	_ = s.deps.Conn.Close()
	s.wg.Wait()
	if writerDone != nil {
		<-writerDone
	}
	s.mirrorDelete()
	return runErr
}

// Warn pushes a non-fatal error frame to the client. Safe to call from
// other goroutines.
func (s *LiveSession) Warn(code, message string) error {
	s.sendError(code, message, false)
	return nil
}

// Cancel tells the session to shut down with an error frame. Safe to
// call from other goroutines; the tracker uses it during drain.
func (s *LiveSession) Cancel(code, message string) {
	s.sendError(code, message, true)
	if s.cancel != nil {
		s.cancel()
	}
}

// DeliverRoomFrame hands an already-encoded frame from a sibling device
// in the same room to this session's writer. Best effort; a slow
// session drops the frame rather than blocking the sender.
func (s *LiveSession) DeliverRoomFrame(payload []byte) {
	select {
	case s.roomCh <- payload:
	default:
	}
}

func (s *LiveSession) readLoop() {
	defer s.wg.Done()

	conn := s.deps.Conn
	conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.postInbound(inboundEvent{err: err})
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			s.postInbound(inboundEvent{err: err})
			continue
		}
		s.postInbound(inboundEvent{msg: msg})
	}
}

func (s *LiveSession) postInbound(ev inboundEvent) {
	select {
	case s.inboundCh <- ev:
	case <-s.ctx.Done():
	}
}

// handleClientMessage dispatches one decoded frame. Returns true when
// the session should shut down.
func (s *LiveSession) handleClientMessage(msg any) bool {
	now := s.deps.Now()

	switch m := msg.(type) {
	case protocol.ClientAuthenticate:
		// Identity was fixed during the handshake.
		s.rejectTransition("authenticate", "session is already authenticated")

	case protocol.ClientCallStart:
		if s.callStatus == CallActive {
			s.rejectTransition("call:start", "call is already active")
			return false
		}
		s.transcript.clear()
		s.capture.reset()
		s.callStatus = CallActive
		s.turnStatus = TurnIdle
		// The greeting is spoken but never committed: the transcript
		// holds user/agent turn pairs only, and the model requires the
		// first message to carry the user role.
		s.sendPriority(protocol.ServerCallStarted{Type: protocol.TypeCallStarted, Message: s.cfg.Greeting})
		s.speakText(s.cfg.Greeting)
		s.log.Info("call started")

	case protocol.ClientCallEnd:
		if s.callStatus != CallActive {
			s.rejectTransition("call:end", "no active call")
			return false
		}
		s.interruptSpeech()
		s.capture.reset()
		s.callStatus = CallEnded
		s.turnStatus = TurnIdle
		s.sendPriority(protocol.ServerCallEnded{Type: protocol.TypeCallEnded})
		s.publishState()
		s.log.Info("call ended", slog.Int("transcript_len", s.transcript.len()))

	case protocol.ClientUserMessage:
		if s.callStatus != CallActive {
			s.rejectTransition("user:message", "no active call")
			return false
		}
		s.startTurn(m.Text, now)

	case protocol.ClientAudioStreamStart:
		if s.callStatus != CallActive {
			s.rejectTransition("audio:stream", "no active call")
			return false
		}
		if s.turnStatus == TurnSpeaking || s.turnStatus == TurnAwaitingReply {
			s.bargeIn()
		}
		s.capture.begin(now)
		s.turnStatus = TurnCapturing
		s.publishState()

	case protocol.ClientAudioChunk:
		s.handleAudioChunk(m, now)

	case protocol.ClientAudioEnd:
		s.handleAudioEnd(m)

	case protocol.ClientBargeIn:
		accepted := s.bargeIn()
		s.sendPriority(protocol.ServerBargeInAck{Type: protocol.TypeBargeInAck, Accepted: accepted})

	case protocol.ClientPing:
		s.enqueueJSON(s.outNormal, protocol.ServerPong{Type: protocol.TypePong}, "")

	default:
		s.sendError("unsupported", "unsupported message type", false)
	}
	return false
}

func (s *LiveSession) handleAudioChunk(m protocol.ClientAudioChunk, now time.Time) {
	if s.callStatus != CallActive || s.turnStatus != TurnCapturing {
		// Orphan chunk; the capture buffer would drop it anyway.
		s.log.Debug("dropping audio chunk outside capture", slog.Int64("sequence", m.Sequence))
		return
	}

	data, err := base64.StdEncoding.DecodeString(m.DataB64)
	if err != nil {
		s.sendError("bad_request", "audio:chunk.data_b64 is not valid base64", false)
		return
	}
	if len(data) > s.cfg.MaxAudioChunkBytes {
		s.sendError("chunk_too_large", "audio chunk exceeds the size limit", false)
		return
	}

	if !s.capture.ingest(m.Sequence, data, now) {
		return
	}
	s.deps.Metrics.RecordAudio("in", len(data))
	if n := s.cfg.AudioAckEveryN; n > 0 && s.capture.count()%n == 0 {
		s.enqueueJSON(s.outNormal, protocol.ServerAudioChunkAck{
			Type:     protocol.TypeAudioChunkAck,
			Sequence: m.Sequence,
		}, "")
	}
}

func (s *LiveSession) handleAudioEnd(m protocol.ClientAudioEnd) {
	if s.callStatus != CallActive || s.turnStatus != TurnCapturing {
		s.rejectTransition("audio:end", "no capture in progress")
		return
	}

	episode, ok := s.capture.end(m.Total, s.cfg.MinAudioCompleteness)
	s.enqueueJSON(s.outNormal, protocol.ServerAudioEndAck{
		Type:       protocol.TypeAudioEndAck,
		ChunkCount: episode.chunkCount,
	}, "")

	if !ok {
		s.sendError("incomplete_audio", "too many audio chunks were lost", false)
		s.turnStatus = TurnIdle
		s.publishState()
		return
	}
	if len(episode.data) == 0 {
		s.turnStatus = TurnIdle
		s.publishState()
		return
	}

	s.turnStatus = TurnIdle
	s.publishState()
	s.wg.Add(1)
	go s.transcribe(episode)
}

func (s *LiveSession) transcribe(episode assembledAudio) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TurnTimeout)
	defer cancel()

	transcript, err := s.deps.STT.Transcribe(ctx, bytes.NewReader(episode.data), stt.TranscribeOptions{
		Language:   s.cfg.Language,
		Format:     s.cfg.AudioFormat,
		SampleRate: s.cfg.SampleRate,
	})

	res := sttResult{err: err}
	if err == nil {
		res.text = transcript.Text
		res.confidence = transcript.Confidence
	}
	select {
	case s.sttDoneCh <- res:
	case <-s.ctx.Done():
	}
}

func (s *LiveSession) handleTranscription(res sttResult) {
	if res.err != nil {
		s.log.Warn("transcription failed", slog.String("error", res.err.Error()))
		s.sendError("transcription_failed", "could not transcribe the audio", false)
		s.deps.Metrics.RecordTranscription("error")
		return
	}
	s.deps.Metrics.RecordTranscription("ok")
	if strings.TrimSpace(res.text) == "" {
		return
	}
	s.enqueueJSON(s.outNormal, protocol.ServerTranscription{
		Type:       protocol.TypeTranscription,
		Text:       res.text,
		Confidence: res.confidence,
	}, "")
	if s.callStatus != CallActive {
		return
	}
	s.startTurn(res.text, s.deps.Now())
}

// startTurn launches the model call for one user utterance. At most one
// turn pipeline runs per session; a turn arriving while a reply is being
// generated is rejected, one arriving while the agent is speaking
// interrupts the speech first.
func (s *LiveSession) startTurn(text string, now time.Time) {
	switch s.turnStatus {
	case TurnAwaitingReply:
		s.sendError("turn_in_progress", "a reply is already being generated", false)
		return
	case TurnSpeaking:
		s.bargeIn()
	case TurnCapturing:
		s.capture.reset()
	}

	s.turnID++
	turnID := s.turnID
	s.pendingUser = llm.Message{Role: llm.RoleUser, Content: text, Timestamp: now}
	s.turnStartedAt = now
	s.turnStatus = TurnAwaitingReply
	s.publishState()

	s.enqueueJSON(s.outNormal, protocol.ServerTyping{Type: protocol.TypeTyping, Typing: true}, "")

	turnCtx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel

	req := llm.CompletionRequest{
		System:    s.cfg.SystemPrompt,
		Messages:  s.transcript.snapshotWith(s.pendingUser),
		MaxTokens: s.cfg.MaxReplyTokens,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancelTimeout := context.WithTimeout(turnCtx, s.cfg.TurnTimeout)
		defer cancelTimeout()

		reply, err := s.deps.Completer.Complete(ctx, req)
		select {
		case s.completedCh <- completionResult{turnID: turnID, text: reply, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *LiveSession) handleCompletion(res completionResult) {
	if res.turnID != s.turnID {
		s.log.Debug("dropping stale completion", slog.Uint64("turn_id", res.turnID))
		return
	}

	s.enqueueJSON(s.outNormal, protocol.ServerTyping{Type: protocol.TypeTyping, Typing: false}, "")

	if res.err != nil {
		s.log.Warn("reply generation failed", slog.String("error", res.err.Error()))
		s.sendError("reply_generation_failed", "could not generate a reply", false)
		s.deps.Metrics.RecordTurn("reply_failed", 0)
		s.deps.Metrics.RecordError("session", "reply_generation_failed")
		s.releaseTurn()
		s.pendingUser = llm.Message{}
		s.turnStatus = TurnIdle
		s.publishState()
		return
	}

	now := s.deps.Now()
	s.transcript.appendUser(s.pendingUser.Content, s.pendingUser.Timestamp)
	s.transcript.appendAgent(res.text, now)
	s.pendingUser = llm.Message{}

	s.enqueueJSON(s.outNormal, protocol.ServerResponse{Type: protocol.TypeResponse, Text: res.text}, "")
	s.speakText(res.text)
}

// speakText hands the reply to the synthesis streamer. The transcript
// entry is already committed; a synthesis failure never rolls it back.
func (s *LiveSession) speakText(text string) {
	s.releaseTurn()
	turnCtx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel

	s.turnID++
	s.activeStreamID = s.nextStreamID()
	s.turnStatus = TurnSpeaking
	s.publishState()

	s.wg.Add(1)
	go s.speak(turnCtx, s.turnID, s.activeStreamID, text)
}

func (s *LiveSession) handleSynthesisDone(res ttsResult) {
	if res.turnID != s.turnID {
		return
	}

	s.activeStreamID = ""
	s.releaseTurn()

	switch {
	case res.canceled:
		// The barge-in path already reported the interruption.
	case res.err != nil:
		s.log.Warn("synthesis failed",
			slog.String("stream_id", res.streamID),
			slog.String("error", res.err.Error()))
		s.sendError("synthesis_failed", "could not synthesize the reply audio", false)
		s.deps.Metrics.RecordTurn("synthesis_failed", 0)
		s.deps.Metrics.RecordError("session", "synthesis_failed")
	default:
		s.log.Debug("synthesis complete",
			slog.String("stream_id", res.streamID),
			slog.Int64("chunks", res.chunks))
		// The greeting is spoken outside any turn; only user turns
		// carry a start time.
		if !s.turnStartedAt.IsZero() {
			s.deps.Metrics.RecordTurn("ok", s.deps.Now().Sub(s.turnStartedAt))
			s.turnStartedAt = time.Time{}
		}
		s.deps.Metrics.RecordSynthesisChunks(res.chunks)
	}

	if s.turnStatus == TurnSpeaking {
		s.turnStatus = TurnIdle
		s.publishState()
	}
}

// bargeIn interrupts the in-flight turn. Returns false when there is
// nothing to interrupt, which makes a repeated barge-in a no-op.
func (s *LiveSession) bargeIn() bool {
	if s.turnStatus != TurnAwaitingReply && s.turnStatus != TurnSpeaking {
		return false
	}

	s.turnStatus = TurnInterrupted
	s.interruptSpeech()
	s.pendingUser = llm.Message{}
	s.turnStatus = TurnIdle
	s.publishState()
	s.deps.Metrics.RecordBargeIn()
	return true
}

// interruptSpeech poisons the active stream and cancels the turn
// pipeline without touching turn state.
func (s *LiveSession) interruptSpeech() {
	// Advance the epoch so in-flight completion and synthesis results
	// are recognized as stale.
	s.turnID++

	// A pending user message means a completion was still in flight;
	// its typing frame will never arrive, so retract the hint here.
	if s.pendingUser.Role != "" {
		s.enqueueJSON(s.outNormal, protocol.ServerTyping{Type: protocol.TypeTyping, Typing: false}, "")
		s.pendingUser = llm.Message{}
	}

	if streamID := s.activeStreamID; streamID != "" {
		s.cancelStreamAudio(streamID)
		s.sendPriority(protocol.ServerInterrupted{Type: protocol.TypeInterrupted, StreamID: streamID})
		s.activeStreamID = ""
		s.log.Info("speech interrupted", slog.String("stream_id", streamID))
	}
	s.releaseTurn()
}

func (s *LiveSession) releaseTurn() {
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
}

func (s *LiveSession) rejectTransition(event, detail string) {
	s.log.Debug("ignoring invalid transition",
		slog.String("event", event),
		slog.String("call_status", s.callStatus.String()),
		slog.String("turn_status", s.turnStatus.String()))
	s.sendError("invalid_state", detail, false)
}

// cancelStreamAudio poisons a synthesis stream ID. The set is bounded;
// a session only ever has a handful of live streams.
func (s *LiveSession) cancelStreamAudio(streamID string) {
	if streamID == "" {
		return
	}
	current, _ := s.canceledStreams.Load().([]string)
	for _, id := range current {
		if id == streamID {
			return
		}
	}
	next := make([]string, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, streamID)
	if len(next) > maxCanceledStreams {
		next = next[len(next)-maxCanceledStreams:]
	}
	s.canceledStreams.Store(next)
}

func (s *LiveSession) isStreamCanceled(streamID string) bool {
	if streamID == "" {
		return false
	}
	current, _ := s.canceledStreams.Load().([]string)
	for _, id := range current {
		if id == streamID {
			return true
		}
	}
	return false
}

func (s *LiveSession) snapshot() StateSnapshot {
	return StateSnapshot{
		SessionID:     s.deps.SessionID,
		UserID:        s.deps.UserID,
		RoomID:        s.deps.RoomID,
		CallStatus:    s.callStatus.String(),
		TurnStatus:    s.turnStatus.String(),
		TranscriptLen: s.transcript.len(),
		UpdatedAt:     s.deps.Now(),
	}
}

// publishState pushes the session state to the client, the room, and
// the mirror store.
func (s *LiveSession) publishState() {
	snap := s.snapshot()
	update := protocol.ServerStateUpdate{
		Type:       protocol.TypeStateUpdate,
		CallStatus: snap.CallStatus,
		TurnStatus: snap.TurnStatus,
	}
	s.enqueueJSON(s.outNormal, update, "")

	if s.deps.Broadcast != nil {
		s.deps.Broadcast(update)
	}
	if s.deps.Mirror != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.deps.Mirror.Save(ctx, snap); err != nil {
				s.log.Debug("state mirror save failed", slog.String("error", err.Error()))
			}
		}()
	}
}

func (s *LiveSession) mirrorDelete() {
	if s.deps.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.deps.Mirror.Delete(ctx, s.deps.SessionID); err != nil {
		s.log.Debug("state mirror delete failed", slog.String("error", err.Error()))
	}
}

func (s *LiveSession) sendError(code, message string, closeAfter bool) {
	s.sendPriority(protocol.ServerError{
		Type:    protocol.TypeError,
		Code:    code,
		Message: message,
		Close:   closeAfter,
	})
}

func (s *LiveSession) sendPriority(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error("encoding outbound frame", slog.String("error", err.Error()))
		return
	}
	s.enqueue(s.outPriority, outboundFrame{payload: payload})
}

// sendNormal blocks until the writer accepts the frame or the session
// ends. The synthesis streamer uses it so backpressure propagates to
// the provider read instead of dropping audio.
func (s *LiveSession) sendNormal(v any, streamID string) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error("encoding outbound frame", slog.String("error", err.Error()))
		return false
	}
	frame := outboundFrame{payload: payload, isStreamAudio: streamID != "", streamID: streamID}
	select {
	case s.outNormal <- frame:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// enqueueJSON is the loop-side enqueue. Best effort: the loop must
// never block on a slow client, so a full queue drops the frame.
func (s *LiveSession) enqueueJSON(ch chan outboundFrame, v any, streamID string) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error("encoding outbound frame", slog.String("error", err.Error()))
		return
	}
	s.enqueue(ch, outboundFrame{payload: payload, isStreamAudio: streamID != "", streamID: streamID})
}

func (s *LiveSession) enqueue(ch chan outboundFrame, frame outboundFrame) {
	select {
	case ch <- frame:
	default:
		s.log.Warn("outbound queue full, dropping frame")
	}
}
