package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guestsvalencia/sandra-live/pkg/gateway/live/session"
)

const defaultMirrorTTL = time.Hour

// RedisStore mirrors session state snapshots into Redis so other
// processes (dashboards, support tooling) can see live calls. It is an
// optional session.Mirror; the gateway runs fine without it.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultMirrorTTL
	}
	return &RedisStore{
		client: client,
		prefix: "sandra:session:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisStore) Save(ctx context.Context, snap session.StateSnapshot) error {
	if s == nil || s.client == nil {
		return nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(snap.SessionID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session snapshot: %w", err)
	}
	return nil
}

// Load reads one mirrored snapshot. Returns nil when the session is not
// mirrored or has expired.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (*session.StateSnapshot, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	payload, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session snapshot: %w", err)
	}
	var snap session.StateSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode session snapshot: %w", err)
	}
	return &snap, nil
}
