package live

import "sync"

// CoordinatorState is the client's local view of whose turn it is.
type CoordinatorState int

const (
	// StateListening means the microphone is hot and no reply is pending.
	StateListening CoordinatorState = iota
	// StateWaitingForReply means a user turn was sent and the agent has
	// not started speaking yet.
	StateWaitingForReply
	// StatePlayingReply means agent audio is playing.
	StatePlayingReply
	// StateInterrupted means a local barge-in stopped playback and the
	// server has not acknowledged it yet.
	StateInterrupted
)

// String returns a human-readable state name.
func (s CoordinatorState) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateWaitingForReply:
		return "WAITING_FOR_REPLY"
	case StatePlayingReply:
		return "PLAYING_REPLY"
	case StateInterrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// Coordinator mirrors the server's turn state on the client. It owns the
// VAD, the capture chunker, the playback queue, and the avatar driver,
// and it implements the two-phase barge-in: when local VAD fires during
// agent playback it stops the speaker immediately and signals the
// server, but it only returns to listening once the server's
// acknowledgment arrives. The server stays authoritative; the local stop
// is an optimistic head start.
//
// Methods are safe for concurrent use: the microphone pump, the speaker
// loop, and the transport reader may call in from different goroutines.
type Coordinator struct {
	config CoordinatorConfig

	vad      *EnergyVAD
	chunker  *CaptureChunker
	playback *PlaybackQueue
	avatar   *AvatarDriver

	mu             sync.Mutex
	state          CoordinatorState
	capturing      bool
	activeStreamID string
	bargeInPending bool

	// Callbacks for signals the application forwards to the server or
	// the audio device.
	onStateChange  func(from, to CoordinatorState)
	onBargeIn      func()
	onCaptureChunk func(chunk CaptureChunk)
	onPlaybackStop func(streamID string)
}

// NewCoordinator creates a coordinator in the listening state.
func NewCoordinator(config CoordinatorConfig) *Coordinator {
	def := DefaultCoordinatorConfig()
	if config.ChunkBytes <= 0 {
		config.ChunkBytes = def.ChunkBytes
	}
	if config.Audio == (AudioConfig{}) {
		config.Audio = def.Audio
	}
	if config.Avatar == (AvatarConfig{}) {
		config.Avatar = def.Avatar
	}
	return &Coordinator{
		config:   config,
		vad:      NewEnergyVAD(config.VAD),
		chunker:  NewCaptureChunker(config.ChunkBytes),
		playback: NewPlaybackQueue(),
		avatar:   NewAvatarDriver(config.Avatar),
	}
}

// SetCallbacks sets the signal callbacks. Call before feeding frames.
func (c *Coordinator) SetCallbacks(
	onStateChange func(from, to CoordinatorState),
	onBargeIn func(),
	onCaptureChunk func(chunk CaptureChunk),
	onPlaybackStop func(streamID string),
) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = onStateChange
	c.onBargeIn = onBargeIn
	c.onCaptureChunk = onCaptureChunk
	c.onPlaybackStop = onPlaybackStop
}

// State returns the current local state.
func (c *Coordinator) State() CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ProcessMicFrame ingests one frame of microphone PCM. It drives the
// VAD, triggers barge-in if the user starts talking over the agent, and
// slices the frame into upstream chunks while a capture episode is open.
func (c *Coordinator) ProcessMicFrame(pcm []byte) VADEvent {
	event := c.vad.ProcessFrame(pcm)

	if event == VADSpeechStart {
		c.BargeIn()
	}

	c.mu.Lock()
	capturing := c.capturing
	emit := c.onCaptureChunk
	c.mu.Unlock()

	if capturing {
		for _, chunk := range c.chunker.Write(pcm) {
			if emit != nil {
				emit(chunk)
			}
		}
	}
	return event
}

// StartCapture opens a capture episode. The caller sends the episode
// start signal to the server; subsequent mic frames flow out through the
// capture chunk callback. Returns false outside the listening state.
func (c *Coordinator) StartCapture() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateListening || c.capturing {
		return false
	}
	c.chunker.Reset()
	c.capturing = true
	return true
}

// EndCapture closes the capture episode, flushes the trailing partial
// chunk, and moves to waiting for the reply. Returns the number of
// chunks emitted this episode.
func (c *Coordinator) EndCapture() (int64, bool) {
	c.mu.Lock()
	if !c.capturing {
		c.mu.Unlock()
		return 0, false
	}
	c.capturing = false
	emit := c.onCaptureChunk
	c.mu.Unlock()

	if tail, ok := c.chunker.Flush(); ok && emit != nil {
		emit(tail)
	}

	c.transition(StateListening, StateWaitingForReply)
	return c.chunker.Count(), true
}

// BeginTextTurn records that a typed user message was sent, moving to
// waiting for the reply. Returns false if a turn is already in flight.
func (c *Coordinator) BeginTextTurn() bool {
	return c.transition(StateListening, StateWaitingForReply)
}

// BargeIn performs the optimistic local half of an interruption: stop
// playback now, poison the active stream, and signal the server. The
// state stays interrupted until HandleBargeInAck. A barge-in outside
// agent playback is a no-op and returns false.
func (c *Coordinator) BargeIn() bool {
	c.mu.Lock()
	if c.state != StatePlayingReply {
		c.mu.Unlock()
		return false
	}
	from := c.state
	c.state = StateInterrupted
	c.bargeInPending = true
	streamID := c.activeStreamID
	onStateChange := c.onStateChange
	onBargeIn := c.onBargeIn
	onPlaybackStop := c.onPlaybackStop
	c.mu.Unlock()

	if streamID != "" {
		c.playback.CancelStream(streamID)
	}
	c.avatar.Reset()

	if onPlaybackStop != nil {
		onPlaybackStop(streamID)
	}
	if onStateChange != nil {
		onStateChange(from, StateInterrupted)
	}
	if onBargeIn != nil {
		onBargeIn()
	}
	return true
}

// HandleBargeInAck consumes the server's barge-in acknowledgment and
// releases the coordinator back to listening. A rejected barge-in means
// the server had no turn to cancel, so listening is correct either way.
// Acks with no pending barge-in are ignored.
func (c *Coordinator) HandleBargeInAck(accepted bool) {
	c.mu.Lock()
	if !c.bargeInPending {
		c.mu.Unlock()
		return
	}
	c.bargeInPending = false
	c.mu.Unlock()

	c.transition(StateInterrupted, StateListening)
}

// HandleAudioStart consumes the start of a synthesis stream.
func (c *Coordinator) HandleAudioStart(streamID string) {
	c.mu.Lock()
	if c.state != StateWaitingForReply && c.state != StateListening {
		// Playback while interrupted or already playing: track the new
		// stream but do not regress a pending barge-in.
		c.activeStreamID = streamID
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StatePlayingReply
	c.activeStreamID = streamID
	onStateChange := c.onStateChange
	c.mu.Unlock()

	if onStateChange != nil {
		onStateChange(from, StatePlayingReply)
	}
}

// HandleAudioChunk queues one synthesis chunk for the speaker. Chunks of
// cancelled streams are dropped. Returns whether the chunk was queued.
func (c *Coordinator) HandleAudioChunk(streamID string, sequence int64, data []byte) bool {
	return c.playback.Push(PlaybackChunk{StreamID: streamID, Sequence: sequence, Data: data})
}

// HandleAudioEnd consumes the end of a synthesis stream. If that stream
// was playing, the coordinator returns to listening. Ends for stale or
// cancelled streams are ignored.
func (c *Coordinator) HandleAudioEnd(streamID string) {
	c.mu.Lock()
	if c.activeStreamID != streamID {
		c.mu.Unlock()
		return
	}
	c.activeStreamID = ""
	c.mu.Unlock()

	c.playback.FinishStream(streamID)
	c.avatar.Reset()
	c.transition(StatePlayingReply, StateListening)
}

// HandleInterrupted consumes the server's authoritative interruption
// notice and drops any queued audio for the cancelled stream. The local
// state usually moved already via BargeIn; a server-initiated interrupt
// during playback also returns to listening.
func (c *Coordinator) HandleInterrupted(streamID string) {
	if streamID != "" {
		c.playback.CancelStream(streamID)
	}
	c.avatar.Reset()

	c.mu.Lock()
	if c.activeStreamID == streamID {
		c.activeStreamID = ""
	}
	c.mu.Unlock()

	c.transition(StatePlayingReply, StateListening)
}

// HandleReplyFailed consumes a turn failure so the client does not wait
// forever for audio that will never come.
func (c *Coordinator) HandleReplyFailed() {
	c.transition(StateWaitingForReply, StateListening)
}

// PlayNext pops the next queued chunk for the speaker and feeds the
// avatar driver with its energy.
func (c *Coordinator) PlayNext() (PlaybackChunk, bool) {
	chunk, ok := c.playback.Next()
	if ok {
		c.avatar.Observe(chunk.Data)
	}
	return chunk, ok
}

// MouthScale returns the avatar mouth scale for the current frame.
func (c *Coordinator) MouthScale() float64 {
	return c.avatar.MouthScale()
}

// PendingPlayback returns how many chunks are queued for the speaker.
func (c *Coordinator) PendingPlayback() int {
	return c.playback.Len()
}

// Reset returns the coordinator to a fresh listening state, for call end.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.state = StateListening
	c.capturing = false
	c.activeStreamID = ""
	c.bargeInPending = false
	c.mu.Unlock()

	c.vad.Reset()
	c.chunker.Reset()
	c.playback.Clear()
	c.avatar.Reset()
}

// transition moves from one specific state to another, firing the state
// change callback. Returns false if the coordinator was not in from.
func (c *Coordinator) transition(from, to CoordinatorState) bool {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return false
	}
	c.state = to
	onStateChange := c.onStateChange
	c.mu.Unlock()

	if onStateChange != nil {
		onStateChange(from, to)
	}
	return true
}
