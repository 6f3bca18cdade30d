package live

import (
	"math"
	"sync"
)

// CalculateRMSEnergy computes the root-mean-square energy of PCM audio.
// Input is assumed to be 16-bit signed little-endian PCM.
// Returns a value between 0.0 and 1.0.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		// Little-endian 16-bit signed integer
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// Normalize to -1.0 to 1.0
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// CaptureChunk is one sequence-numbered fragment of a capture episode.
type CaptureChunk struct {
	Sequence int64
	Data     []byte
}

// CaptureChunker slices microphone audio into fixed-size chunks with
// monotonically increasing sequence numbers. One chunker covers one
// capture episode; Reset starts the next episode at sequence zero.
type CaptureChunker struct {
	mu         sync.Mutex
	chunkBytes int
	carry      []byte
	sequence   int64
}

// NewCaptureChunker creates a chunker emitting chunkBytes-sized chunks.
func NewCaptureChunker(chunkBytes int) *CaptureChunker {
	if chunkBytes <= 0 {
		chunkBytes = 4096
	}
	return &CaptureChunker{chunkBytes: chunkBytes}
}

// Write appends audio and returns the complete chunks it produced.
// A trailing remainder shorter than the chunk size is held back until
// more audio arrives or Flush is called.
func (c *CaptureChunker) Write(data []byte) []CaptureChunk {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.carry = append(c.carry, data...)

	var chunks []CaptureChunk
	for len(c.carry) >= c.chunkBytes {
		chunk := make([]byte, c.chunkBytes)
		copy(chunk, c.carry[:c.chunkBytes])
		c.carry = c.carry[c.chunkBytes:]
		chunks = append(chunks, CaptureChunk{Sequence: c.sequence, Data: chunk})
		c.sequence++
	}
	return chunks
}

// Flush returns the held-back remainder as a final short chunk, if any.
// Call this at capture end, before sending the end-of-capture signal.
func (c *CaptureChunker) Flush() (CaptureChunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.carry) == 0 {
		return CaptureChunk{}, false
	}
	chunk := CaptureChunk{Sequence: c.sequence, Data: c.carry}
	c.sequence++
	c.carry = nil
	return chunk, true
}

// Count returns how many chunks have been emitted this episode.
func (c *CaptureChunker) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// Reset discards pending audio and restarts sequence numbering.
func (c *CaptureChunker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carry = nil
	c.sequence = 0
}

// PlaybackChunk is one frame of synthesized agent audio queued for the
// speaker.
type PlaybackChunk struct {
	StreamID string
	Sequence int64
	Data     []byte
}

// PlaybackQueue buffers synthesized audio between the transport and the
// speaker. Cancelling a stream drops its queued chunks immediately and
// poisons the id, so a chunk that was already in flight on the wire is
// discarded on arrival instead of played.
type PlaybackQueue struct {
	mu       sync.Mutex
	chunks   []PlaybackChunk
	canceled map[string]struct{}
}

// NewPlaybackQueue creates an empty playback queue.
func NewPlaybackQueue() *PlaybackQueue {
	return &PlaybackQueue{canceled: make(map[string]struct{})}
}

// Push enqueues a chunk for playback. Chunks of cancelled streams are
// dropped. Returns whether the chunk was accepted.
func (q *PlaybackQueue) Push(chunk PlaybackChunk) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.canceled[chunk.StreamID]; ok {
		return false
	}
	q.chunks = append(q.chunks, chunk)
	return true
}

// Next pops the oldest queued chunk.
func (q *PlaybackQueue) Next() (PlaybackChunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.chunks) == 0 {
		return PlaybackChunk{}, false
	}
	chunk := q.chunks[0]
	q.chunks = q.chunks[1:]
	return chunk, true
}

// CancelStream drops the queued chunks of streamID and refuses any that
// arrive later.
func (q *PlaybackQueue) CancelStream(streamID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.canceled[streamID] = struct{}{}
	kept := q.chunks[:0]
	for _, chunk := range q.chunks {
		if chunk.StreamID != streamID {
			kept = append(kept, chunk)
		}
	}
	q.chunks = kept
}

// FinishStream forgets a completed stream id so the poison set does not
// grow without bound across a long call.
func (q *PlaybackQueue) FinishStream(streamID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.canceled, streamID)
}

// Len returns the number of queued chunks.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// Clear empties the queue and the poison set.
func (q *PlaybackQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chunks = nil
	q.canceled = make(map[string]struct{})
}

// AvatarDriver maps agent playback energy to a mouth scale for lip sync.
// Feed it each played chunk; read MouthScale on every animation frame.
type AvatarDriver struct {
	mu       sync.Mutex
	config   AvatarConfig
	smoothed float64
}

// NewAvatarDriver creates a driver with the given animation parameters.
func NewAvatarDriver(config AvatarConfig) *AvatarDriver {
	return &AvatarDriver{config: config}
}

// Observe feeds one chunk of played PCM audio and returns the updated
// mouth scale.
func (d *AvatarDriver) Observe(pcm []byte) float64 {
	rms := CalculateRMSEnergy(pcm)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.smoothed = d.config.SmoothingFactor*d.smoothed + (1-d.config.SmoothingFactor)*rms
	return d.scaleLocked()
}

// MouthScale returns the current mouth scale without new input.
func (d *AvatarDriver) MouthScale() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scaleLocked()
}

// Reset closes the mouth, for call end or interruption.
func (d *AvatarDriver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.smoothed = 0
}

func (d *AvatarDriver) scaleLocked() float64 {
	scale := d.config.MinMouthScale + d.smoothed*d.config.AmplificationFactor*(d.config.MaxMouthScale-d.config.MinMouthScale)
	if scale > d.config.MaxMouthScale {
		scale = d.config.MaxMouthScale
	}
	if scale < d.config.MinMouthScale {
		scale = d.config.MinMouthScale
	}
	return scale
}
