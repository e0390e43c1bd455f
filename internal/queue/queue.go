// Package queue implements the global inference admission queue: a
// single-concurrency FIFO gate in front of every call to the inference
// backend. The backend serves exactly one model at a time efficiently
// on constrained hardware; concurrent calls cause thrashing, not
// speedup.
//
// The gate is exposed as an [llm.Client] decorator. Components receive
// the wrapped client and nothing else, so bypassing the queue requires
// deliberately constructing a second client.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/weixian95/brain-at-home/internal/events"
	"github.com/weixian95/brain-at-home/internal/llm"
)

// CallRecord describes one completed inference call, for the usage ledger.
type CallRecord struct {
	Model          string
	Role           string // "turn", "classify", "enrich", ...
	RequestID      string
	ConversationID string
	InputTokens    int
	OutputTokens   int
	Duration       time.Duration
	Queued         time.Duration // time spent waiting for admission
	Err            error
}

// Recorder receives a CallRecord after every admitted call. It is
// invoked while the gate is still held, so implementations should
// return promptly.
type Recorder interface {
	RecordCall(ctx context.Context, rec CallRecord)
}

// gate is a FIFO binary semaphore. Go's sync.Mutex does not guarantee
// arrival order under contention, so waiters hold explicit places in line.
type gate struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func (g *gate) acquire(ctx context.Context) error {
	g.mu.Lock()
	if !g.busy {
		g.busy = true
		g.mu.Unlock()
		return nil
	}
	wait := make(chan struct{})
	g.waiters = append(g.waiters, wait)
	g.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		g.abandon(wait)
		return ctx.Err()
	}
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.waiters) == 0 {
		g.busy = false
		return
	}
	next := g.waiters[0]
	g.waiters = g.waiters[1:]
	close(next) // busy stays true, ownership transfers
}

func (g *gate) abandon(wait chan struct{}) {
	g.mu.Lock()
	for i, w := range g.waiters {
		if w == wait {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			g.mu.Unlock()
			return
		}
	}
	g.mu.Unlock()

	// release already handed the slot to us; pass it on.
	select {
	case <-wait:
		g.release()
	default:
	}
}

func (g *gate) depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.waiters)
	if g.busy {
		n++
	}
	return n
}

// Client wraps an llm.Client so that at most one call executes at any
// time across the whole process, served in FIFO admission order. A
// call's failure never blocks the next call; a caller cancelled while
// queued simply leaves the line.
type Client struct {
	inner    llm.Client
	gate     gate
	recorder Recorder
	bus      *events.Bus
	logger   *slog.Logger
}

// New wraps inner with the admission gate. recorder and bus may be nil.
func New(inner llm.Client, recorder Recorder, bus *events.Bus, logger *slog.Logger) *Client {
	return &Client{
		inner:    inner,
		recorder: recorder,
		bus:      bus,
		logger:   logger.With("component", "admission"),
	}
}

// Depth returns the number of calls admitted or waiting. Exposed for
// the stats endpoint.
func (c *Client) Depth() int {
	return c.gate.depth()
}

// Chat admits a non-streaming call through the gate.
func (c *Client) Chat(ctx context.Context, model string, messages []llm.Message, opts *llm.ChatOptions) (*llm.ChatResponse, error) {
	return c.admit(ctx, model, func() (*llm.ChatResponse, error) {
		return c.inner.Chat(ctx, model, messages, opts)
	})
}

// ChatStream admits a streaming call through the gate. The gate is
// held for the full duration of the stream: a half-finished generation
// still owns the backend.
func (c *Client) ChatStream(ctx context.Context, model string, messages []llm.Message, opts *llm.ChatOptions, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	return c.admit(ctx, model, func() (*llm.ChatResponse, error) {
		return c.inner.ChatStream(ctx, model, messages, opts, callback)
	})
}

// Ping bypasses the gate: it touches no model and must work even while
// a long generation holds the backend.
func (c *Client) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

func (c *Client) admit(ctx context.Context, model string, fn func() (*llm.ChatResponse, error)) (*llm.ChatResponse, error) {
	enqueued := time.Now()
	if err := c.gate.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.gate.release()

	queued := time.Since(enqueued)
	if queued > time.Second {
		c.logger.Debug("call waited for admission", "model", model, "queued", queued)
	}

	info := callInfo(ctx)
	c.bus.Publish(events.Event{
		Source: events.SourceQueue,
		Kind:   events.KindLLMCall,
		Data: map[string]any{
			"model":      model,
			"role":       info.Role,
			"request_id": info.RequestID,
			"queued_ms":  queued.Milliseconds(),
		},
	})

	start := time.Now()
	resp, err := fn()

	done := map[string]any{
		"model":       model,
		"role":        info.Role,
		"request_id":  info.RequestID,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if resp != nil {
		done["output_tokens"] = resp.OutputTokens
	}
	if err != nil {
		done["error"] = err.Error()
	}
	c.bus.Publish(events.Event{
		Source: events.SourceQueue,
		Kind:   events.KindLLMDone,
		Data:   done,
	})

	if c.recorder != nil {
		rec := CallRecord{
			Model:          model,
			Role:           info.Role,
			RequestID:      info.RequestID,
			ConversationID: info.ConversationID,
			Duration:       time.Since(start),
			Queued:         queued,
			Err:            err,
		}
		if resp != nil {
			rec.InputTokens = resp.InputTokens
			rec.OutputTokens = resp.OutputTokens
		}
		c.recorder.RecordCall(ctx, rec)
	}

	return resp, err
}

// CallInfo tags a context with the purpose of the inference calls made
// under it, so the ledger can attribute usage.
type CallInfo struct {
	Role           string
	RequestID      string
	ConversationID string
}

type callInfoKey struct{}

// WithCallInfo returns a context carrying info for usage attribution.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

func callInfo(ctx context.Context) CallInfo {
	if v, ok := ctx.Value(callInfoKey{}).(CallInfo); ok {
		return v
	}
	return CallInfo{Role: "unattributed"}
}
