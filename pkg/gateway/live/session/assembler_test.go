package session

import (
	"testing"
	"time"
)

func TestCaptureBuffer_ReordersBySequence(t *testing.T) {
	c := newCaptureBuffer()
	now := time.Now()
	c.begin(now)

	for _, frag := range []struct {
		seq  int64
		data string
	}{
		{2, "C"},
		{0, "A"},
		{1, "B"},
	} {
		if !c.ingest(frag.seq, []byte(frag.data), now) {
			t.Fatalf("ingest seq=%d rejected", frag.seq)
		}
	}

	episode, ok := c.end(0, 0)
	if !ok {
		t.Fatalf("end rejected episode")
	}
	if string(episode.data) != "ABC" {
		t.Fatalf("assembled=%q, want ABC", episode.data)
	}
	if episode.chunkCount != 3 {
		t.Fatalf("chunkCount=%d, want 3", episode.chunkCount)
	}
}

func TestCaptureBuffer_IgnoresOrphanChunks(t *testing.T) {
	c := newCaptureBuffer()
	if c.ingest(0, []byte("x"), time.Now()) {
		t.Fatalf("ingest accepted without active episode")
	}
	if _, ok := c.end(0, 0); ok {
		t.Fatalf("end accepted without active episode")
	}
}

func TestCaptureBuffer_GapsAreTolerated(t *testing.T) {
	c := newCaptureBuffer()
	now := time.Now()
	c.begin(now)
	c.ingest(0, []byte("A"), now)
	c.ingest(4, []byte("E"), now)

	episode, ok := c.end(0, 0)
	if !ok {
		t.Fatalf("end rejected episode with gaps")
	}
	if string(episode.data) != "AE" {
		t.Fatalf("assembled=%q, want AE", episode.data)
	}
	// 2 received of 5 expected (max seq 4).
	if episode.completeness < 0.39 || episode.completeness > 0.41 {
		t.Fatalf("completeness=%v, want 0.4", episode.completeness)
	}
}

func TestCaptureBuffer_CompletenessThreshold(t *testing.T) {
	c := newCaptureBuffer()
	now := time.Now()
	c.begin(now)
	c.ingest(0, []byte("A"), now)

	episode, ok := c.end(10, 0.5)
	if ok {
		t.Fatalf("end accepted episode below threshold")
	}
	if episode.chunkCount != 1 {
		t.Fatalf("chunkCount=%d, want 1", episode.chunkCount)
	}

	c.begin(now)
	for i := int64(0); i < 8; i++ {
		c.ingest(i, []byte("x"), now)
	}
	if _, ok := c.end(10, 0.5); !ok {
		t.Fatalf("end rejected episode above threshold")
	}
}

func TestCaptureBuffer_DuplicateSequenceCountsOnce(t *testing.T) {
	c := newCaptureBuffer()
	now := time.Now()
	c.begin(now)
	c.ingest(0, []byte("old"), now)
	c.ingest(0, []byte("new"), now)

	if c.count() != 1 {
		t.Fatalf("count=%d, want 1", c.count())
	}
	episode, _ := c.end(0, 0)
	if string(episode.data) != "new" {
		t.Fatalf("assembled=%q, want later fragment to win", episode.data)
	}
}

func TestCaptureBuffer_ResetDiscardsEpisode(t *testing.T) {
	c := newCaptureBuffer()
	c.begin(time.Now())
	c.ingest(0, []byte("A"), time.Now())
	c.reset()
	if _, ok := c.end(0, 0); ok {
		t.Fatalf("end accepted after reset")
	}
}
