// Package ratelimit bounds how fast and how wide a single user can open
// live voice sessions. The global session cap protects the process; this
// limiter protects it from one user.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	// DialRPS and DialBurst throttle how often a user may open a new
	// session (token bucket). Zero disables the throttle.
	DialRPS   float64
	DialBurst int

	// MaxSessionsPerUser caps concurrently open sessions per user.
	// Zero disables the cap.
	MaxSessionsPerUser int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*userLimiter
}

type userLimiter struct {
	mu sync.Mutex

	tb tokenBucket

	sessionSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	rps      float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*userLimiter),
	}
}

// Permit represents one admitted session. Release it when the session
// ends.
type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireSession admits or refuses a new live session for userID.
func (l *Limiter) AcquireSession(userID string, now time.Time) Decision {
	if userID == "" {
		userID = "anonymous"
	}

	ul := l.getOrCreate(userID, now)
	ul.touch(now)

	// Dial rate (token bucket).
	if l.cfg.DialRPS > 0 && l.cfg.DialBurst > 0 {
		ok, retryAfter := ul.allowToken(now, l.cfg.DialRPS, l.cfg.DialBurst)
		if !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}

	// Concurrent session cap.
	if l.cfg.MaxSessionsPerUser > 0 {
		select {
		case ul.sessionSem <- struct{}{}:
			return Decision{
				Allowed: true,
				Permit:  &Permit{release: func() { <-ul.sessionSem }},
			}
		default:
			return Decision{Allowed: false, RetryAfter: 1}
		}
	}

	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

func (l *Limiter) getOrCreate(userID string, now time.Time) *userLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	if ul, ok := l.m[userID]; ok {
		return ul
	}
	ul := &userLimiter{
		sessionSem: make(chan struct{}, max(1, l.cfg.MaxSessionsPerUser)),
		lastSeen:   now,
	}
	l.m[userID] = ul
	return ul
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		v.mu.Lock()
		last := v.lastSeen
		v.mu.Unlock()
		if now.Sub(last) > ttl {
			delete(l.m, k)
		}
	}
}

func (ul *userLimiter) touch(now time.Time) {
	ul.mu.Lock()
	ul.lastSeen = now
	ul.mu.Unlock()
}

func (ul *userLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	if burst <= 0 || rps <= 0 {
		return true, 0
	}
	capacity := float64(burst)
	if ul.tb.capacity == 0 {
		ul.tb = tokenBucket{
			rps:      rps,
			capacity: capacity,
			tokens:   capacity,
			last:     now,
		}
	}

	// If config changes at runtime (rare), adapt.
	ul.tb.rps = rps
	ul.tb.capacity = capacity

	elapsed := now.Sub(ul.tb.last).Seconds()
	if elapsed > 0 {
		ul.tb.tokens = math.Min(ul.tb.capacity, ul.tb.tokens+(elapsed*ul.tb.rps))
		ul.tb.last = now
	}

	if ul.tb.tokens >= 1.0 {
		ul.tb.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - ul.tb.tokens
	seconds := needed / ul.tb.rps
	retryAfter := int(math.Ceil(seconds))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
