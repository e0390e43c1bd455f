package llm

import (
	"context"
	"errors"
	"fmt"
)

// Client is the interface the rest of the orchestrator uses to talk to
// the inference backend.
type Client interface {
	// Chat sends a chat completion request and returns the full response.
	Chat(ctx context.Context, model string, messages []Message, opts *ChatOptions) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. Content deltas are
	// delivered to callback as they arrive; the returned response
	// carries the accumulated content and final metadata.
	ChatStream(ctx context.Context, model string, messages []Message, opts *ChatOptions, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error
}

// StatusError is a non-2xx response from the backend. Unrecoverable
// for the call that produced it.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference API error %d: %s", e.Code, e.Body)
}

// IsTimeout reports whether err represents a deadline or cancellation,
// the condition fallback paths key on.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
