package session

import (
	"time"

	"github.com/guestsvalencia/sandra-live/pkg/core/llm"
)

// transcript is the append-only conversation log for one call. A reply
// pair is appended only after the turn completes, so entries are ordered
// by turn completion and a failed turn leaves the log untouched.
type transcript struct {
	entries []llm.Message
}

func newTranscript() *transcript {
	return &transcript{}
}

func (t *transcript) appendUser(text string, at time.Time) {
	t.entries = append(t.entries, llm.Message{Role: llm.RoleUser, Content: text, Timestamp: at})
}

func (t *transcript) appendAgent(text string, at time.Time) {
	t.entries = append(t.entries, llm.Message{Role: llm.RoleAgent, Content: text, Timestamp: at})
}

// snapshot returns a copy safe to hand to a turn goroutine.
func (t *transcript) snapshot() []llm.Message {
	out := make([]llm.Message, len(t.entries))
	copy(out, t.entries)
	return out
}

// snapshotWith returns a copy with one pending entry appended. The
// pending entry is not committed to the transcript.
func (t *transcript) snapshotWith(pending llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(t.entries)+1)
	out = append(out, t.entries...)
	out = append(out, pending)
	return out
}

func (t *transcript) len() int {
	return len(t.entries)
}

func (t *transcript) clear() {
	t.entries = nil
}
