// Package llm defines the completion-service contract used by the live
// turn pipeline, plus the Anthropic implementation.
package llm

import (
	"context"
	"time"
)

// Role tags a transcript entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one role-tagged transcript entry.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// CompletionRequest carries the full conversation context for one turn.
type CompletionRequest struct {
	System    string
	Messages  []Message
	MaxTokens int
}

// Completer generates one agent reply from a transcript.
// Implementations must honor ctx cancellation by aborting the underlying
// request, not just discarding its result.
type Completer interface {
	// Name returns the provider identifier.
	Name() string

	// Complete returns the reply text for the given transcript.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
