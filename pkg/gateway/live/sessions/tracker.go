// Package sessions tracks live voice sessions for drain coordination,
// room fanout, and optional Redis state mirroring.
package sessions

import (
	"context"
	"sync"
)

// Handle is the tracker's view of one session. Cancel asks the session
// to shut down, Warn pushes a non-fatal error frame, and Deliver hands
// the session an encoded frame from a sibling device in its room.
type Handle struct {
	RoomID  string
	Cancel  func()
	Warn    func(code, message string) error
	Deliver func(payload []byte)
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	rooms    map[string]map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
		rooms:    make(map[string]map[string]*trackedSession),
	}
}

func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	if t.rooms == nil {
		t.rooms = make(map[string]map[string]*trackedSession)
	}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	if h.RoomID != "" {
		room := t.rooms[h.RoomID]
		if room == nil {
			room = make(map[string]*trackedSession)
			t.rooms[h.RoomID] = room
		}
		room[sessionID] = entry
	}
	t.wg.Add(1)
	t.mu.Unlock()

	// A duplicate registration replaces the previous connection; tell
	// the old session to shut down before dropping it.
	if old != nil {
		if old.handle.Cancel != nil {
			old.handle.Cancel()
		}
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		if roomID := entry.handle.RoomID; roomID != "" && t.rooms != nil {
			if room := t.rooms[roomID]; room != nil && room[sessionID] == entry {
				delete(room, sessionID)
				if len(room) == 0 {
					delete(t.rooms, roomID)
				}
			}
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Broadcast delivers an encoded frame to every session in a room except
// the sender. Returns the number of sessions reached.
func (t *Tracker) Broadcast(roomID, exceptSessionID string, payload []byte) (sent int) {
	if t == nil || roomID == "" || len(payload) == 0 {
		return 0
	}

	var delivers []func([]byte)
	t.mu.Lock()
	for sessionID, entry := range t.rooms[roomID] {
		if sessionID == exceptSessionID || entry == nil || entry.handle.Deliver == nil {
			continue
		}
		delivers = append(delivers, entry.handle.Deliver)
	}
	t.mu.Unlock()

	for _, deliver := range delivers {
		deliver(payload)
		sent++
	}
	return sent
}

func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
