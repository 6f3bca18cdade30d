package session

import (
	"sort"
	"time"
)

// captureBuffer collects the sequence-numbered fragments of one capture
// episode. Arrival order is untrusted; end restores order by sequence
// number. Fragments arriving outside an active episode are dropped, never
// buffered.
type captureBuffer struct {
	active     bool
	fragments  map[int64][]byte
	receivedAt map[int64]time.Time
	received   int64
	maxSeq     int64
}

// assembledAudio is one finished capture episode.
type assembledAudio struct {
	data         []byte
	chunkCount   int64
	completeness float64
}

func newCaptureBuffer() *captureBuffer {
	return &captureBuffer{maxSeq: -1}
}

func (c *captureBuffer) begin(at time.Time) {
	c.active = true
	c.fragments = make(map[int64][]byte)
	c.receivedAt = make(map[int64]time.Time)
	c.received = 0
	c.maxSeq = -1
	_ = at
}

// ingest stores one fragment. Returns false when no episode is active.
// A duplicate sequence number overwrites the earlier fragment.
func (c *captureBuffer) ingest(seq int64, data []byte, at time.Time) bool {
	if !c.active || seq < 0 {
		return false
	}
	if _, dup := c.fragments[seq]; !dup {
		c.received++
	}
	c.fragments[seq] = data
	c.receivedAt[seq] = at
	if seq > c.maxSeq {
		c.maxSeq = seq
	}
	return true
}

func (c *captureBuffer) count() int64 {
	return c.received
}

// end closes the episode and concatenates fragments in sequence order.
// Gaps are tolerated; completeness is received over expected, where
// expected comes from the client-reported total or, failing that, the
// highest sequence seen. The second return is false when completeness
// falls below minCompleteness (0 disables the check).
func (c *captureBuffer) end(total int64, minCompleteness float64) (assembledAudio, bool) {
	if !c.active {
		return assembledAudio{}, false
	}
	c.active = false

	seqs := make([]int64, 0, len(c.fragments))
	for seq := range c.fragments {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var size int
	for _, seq := range seqs {
		size += len(c.fragments[seq])
	}
	data := make([]byte, 0, size)
	for _, seq := range seqs {
		data = append(data, c.fragments[seq]...)
	}

	expected := total
	if expected <= 0 {
		expected = c.maxSeq + 1
	}
	completeness := 1.0
	if expected > 0 {
		completeness = float64(c.received) / float64(expected)
		if completeness > 1 {
			completeness = 1
		}
	}

	episode := assembledAudio{
		data:         data,
		chunkCount:   c.received,
		completeness: completeness,
	}
	c.fragments = nil
	c.receivedAt = nil

	if minCompleteness > 0 && completeness < minCompleteness {
		return episode, false
	}
	return episode, true
}

// reset discards any in-flight episode.
func (c *captureBuffer) reset() {
	c.active = false
	c.fragments = nil
	c.receivedAt = nil
	c.received = 0
	c.maxSeq = -1
}
