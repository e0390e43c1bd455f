// Package events provides a publish/subscribe bus for operational
// observability. Events flow from the turn executor and the enrichment
// pipeline to subscribers (the WebSocket feed, tests). The bus is
// nil-safe: Publish on a nil *Bus is a no-op, so components need no
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceTurn identifies events from the turn executor.
	SourceTurn = "turn"
	// SourceEnrich identifies events from the background enrichment pipeline.
	SourceEnrich = "enrich"
	// SourceQueue identifies events from the inference admission queue.
	SourceQueue = "queue"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a turn.
	// Data: request_id, owner, conversation_id.
	KindTurnStart = "turn_start"
	// KindRoutingDecided signals the routing decision was made.
	// Data: request_id, use_web, source, reason.
	KindRoutingDecided = "routing_decided"
	// KindWebSearch signals a web-agent call completed.
	// Data: request_id, query, sources, ok.
	KindWebSearch = "web_search"
	// KindLLMCall signals an inference call was admitted through the gate.
	// Data: request_id, model, role, queued_ms.
	KindLLMCall = "llm_call"
	// KindLLMDone signals an inference call completed.
	// Data: request_id, model, role, duration_ms, output_tokens, error.
	KindLLMDone = "llm_done"
	// KindTurnComplete signals a turn finished and was persisted.
	// Data: request_id, conversation_id, elapsed_ms, replayed.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed signals a turn ended in the failed state.
	// Data: request_id, conversation_id, error.
	KindTurnFailed = "turn_failed"

	// KindEnrichDone signals one enrichment sub-task finished.
	// Data: conversation_id, task, applied.
	KindEnrichDone = "enrich_done"
	// KindEnrichFailed signals one enrichment sub-task failed.
	// Data: conversation_id, task, error.
	KindEnrichFailed = "enrich_failed"
)

// Event is a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a slow subscriber misses events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// New creates an event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Publish sends an event to all subscribers, stamping the timestamp if
// unset. Never blocks: a full subscriber channel drops the event for
// that subscriber. Safe on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving published events. The caller
// must Unsubscribe it eventually. bufSize controls the channel buffer;
// 64 is a reasonable default for WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel. A no-op
// for channels that are already unsubscribed.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
