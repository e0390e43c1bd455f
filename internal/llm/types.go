// Package llm provides the inference backend client. The backend is an
// Ollama-compatible server hosting local models; it serves exactly one
// request at a time efficiently, so all calls in this process are
// funneled through the admission queue rather than hitting the client
// concurrently.
package llm

import "time"

// Message is one role-tagged chat message sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles used throughout the orchestrator.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Options are sampling parameters passed to the model.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ChatOptions carry per-call settings beyond the message list.
type ChatOptions struct {
	// Sampling, nil for model defaults.
	Sampling *Options

	// Format is an output-format hint. "json" asks the backend to
	// constrain the completion to valid JSON (structured-output calls:
	// routing classification, memory summarization).
	Format string
}

// ChatResponse is the final result of a chat call, streaming or not.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Content   string
	Done      bool

	// Token usage reported by the backend.
	InputTokens  int
	OutputTokens int

	// Timing (populated when the backend reports it).
	TotalDuration time.Duration
	EvalDuration  time.Duration
}

// StreamCallback receives incremental content deltas during a
// streaming chat call.
type StreamCallback func(token string)
