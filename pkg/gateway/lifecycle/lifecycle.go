// Package lifecycle holds the drain flag consulted during graceful
// shutdown. While draining, readiness probes report not-ready and the
// live endpoint refuses new voice calls; calls already in progress keep
// running until the shutdown grace period expires.
package lifecycle

import "sync/atomic"

// Lifecycle is shared by the readiness handler and the live websocket
// handler. The zero value is ready to use and reports not draining.
type Lifecycle struct {
	draining atomic.Bool
}

// SetDraining flips the drain flag. Safe for concurrent use; a nil
// receiver is a no-op.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

// IsDraining reports whether the process has begun shutting down.
func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
