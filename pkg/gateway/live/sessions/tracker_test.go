package sessions

import (
	"context"
	"testing"
	"time"
)

func TestTracker_RegisterUnregister(t *testing.T) {
	tr := NewTracker()
	unregister := tr.Register("s1", Handle{})
	if tr.Count() != 1 {
		t.Fatalf("Count=%d, want 1", tr.Count())
	}
	unregister()
	unregister()
	if tr.Count() != 0 {
		t.Fatalf("Count=%d after unregister, want 0", tr.Count())
	}
}

func TestTracker_ReplacingSessionCancelsOld(t *testing.T) {
	tr := NewTracker()
	oldCanceled := 0
	newCanceled := 0
	tr.Register("s1", Handle{Cancel: func() { oldCanceled++ }})
	tr.Register("s1", Handle{Cancel: func() { newCanceled++ }})

	if oldCanceled != 1 {
		t.Fatalf("old session canceled %d times, want 1", oldCanceled)
	}
	if newCanceled != 0 {
		t.Fatalf("replacement session canceled %d times, want 0", newCanceled)
	}
	if tr.Count() != 1 {
		t.Fatalf("Count=%d, want 1 after duplicate registration", tr.Count())
	}
}

func TestTracker_BroadcastSkipsSender(t *testing.T) {
	tr := NewTracker()
	got := make(map[string][]byte)
	for _, id := range []string{"s1", "s2", "s3"} {
		id := id
		tr.Register(id, Handle{
			RoomID:  "user_u1",
			Deliver: func(payload []byte) { got[id] = payload },
		})
	}
	tr.Register("other", Handle{
		RoomID:  "user_u2",
		Deliver: func(payload []byte) { got["other"] = payload },
	})

	sent := tr.Broadcast("user_u1", "s1", []byte(`{"x":1}`))
	if sent != 2 {
		t.Fatalf("sent=%d, want 2", sent)
	}
	if _, ok := got["s1"]; ok {
		t.Fatalf("sender received its own broadcast")
	}
	if _, ok := got["other"]; ok {
		t.Fatalf("session outside the room received the broadcast")
	}
	if string(got["s2"]) != `{"x":1}` || string(got["s3"]) != `{"x":1}` {
		t.Fatalf("room members missed the broadcast: %v", got)
	}
}

func TestTracker_BroadcastAfterUnregister(t *testing.T) {
	tr := NewTracker()
	delivered := 0
	unregister := tr.Register("s1", Handle{
		RoomID:  "user_u1",
		Deliver: func([]byte) { delivered++ },
	})
	unregister()

	if sent := tr.Broadcast("user_u1", "", []byte(`{}`)); sent != 0 {
		t.Fatalf("sent=%d to an empty room, want 0", sent)
	}
	if delivered != 0 {
		t.Fatalf("unregistered session received a broadcast")
	}
}

func TestTracker_CancelAllAndWait(t *testing.T) {
	tr := NewTracker()
	canceled := 0
	var unregisters []func()
	for _, id := range []string{"s1", "s2"} {
		unregisters = append(unregisters, tr.Register(id, Handle{
			Cancel: func() { canceled++ },
		}))
	}

	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("CancelAll=%d, want 2", n)
	}
	if canceled != 2 {
		t.Fatalf("canceled=%d, want 2", canceled)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("Wait returned true with sessions still registered")
	}

	for _, unregister := range unregisters {
		unregister()
	}
	if !tr.Wait(context.Background()) {
		t.Fatalf("Wait failed after all sessions unregistered")
	}
}

func TestTracker_WarnAll(t *testing.T) {
	tr := NewTracker()
	var gotCode, gotMessage string
	tr.Register("s1", Handle{
		Warn: func(code, message string) error {
			gotCode, gotMessage = code, message
			return nil
		},
	})

	if n := tr.WarnAll("draining", "server is restarting"); n != 1 {
		t.Fatalf("WarnAll=%d, want 1", n)
	}
	if gotCode != "draining" || gotMessage != "server is restarting" {
		t.Fatalf("warn=(%q,%q)", gotCode, gotMessage)
	}
}
