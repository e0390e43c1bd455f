// Package store persists one durable record per (owner, conversation)
// pair as a JSON file, written atomically so readers never observe a
// partial record. Turn-critical fields (messages, idempotency index,
// lastMessageTs) are only mutated while the conversation's per-key
// lock is held; enrichment fields (title, topic, summary, facts) are
// merged in afterwards via load-merge-save.
package store

import "time"

// Message is one entry in a conversation's append-only transcript.
type Message struct {
	Role            string `json:"role"` // "user" or "assistant"
	Content         string `json:"content"`
	Timestamp       int64  `json:"ts"` // unix milliseconds, client-supplied or server-assigned
	ClientMessageID string `json:"client_message_id,omitempty"`
	Polished        bool   `json:"polished,omitempty"`
}

// Source is one web search result attached to an answer.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary,omitempty"`
}

// IdempotencyEntry caches a completed turn's result keyed by the
// client-supplied message id, so retransmission of the same logical
// message replays the answer instead of running a second turn.
// Entries are write-once; only polish mutates them afterwards.
type IdempotencyEntry struct {
	Answer    string   `json:"answer"`
	Sources   []Source `json:"sources,omitempty"`
	Timestamp int64    `json:"ts"`
	Polished  bool     `json:"polished,omitempty"`
}

// Record is the durable state of one conversation.
type Record struct {
	Owner          string `json:"owner"`
	ConversationID string `json:"conversation_id"`

	Title   string   `json:"title,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	Summary string   `json:"summary,omitempty"`
	Facts   []string `json:"facts,omitempty"` // insertion order = recency of assertion

	// Messages is append-only: entries are never reordered or removed
	// short of whole-record deletion. Every completed turn appends
	// exactly one user/assistant pair.
	Messages []Message `json:"messages"`

	LastMessageTs int64 `json:"last_message_ts"`
	LastUpdatedTs int64 `json:"last_updated_ts"`
	LastSummaryTs int64 `json:"last_summary_ts,omitempty"`
	LastTopicTs   int64 `json:"last_topic_ts,omitempty"`

	Idempotency map[string]IdempotencyEntry `json:"idempotency,omitempty"`
}

// NewRecord creates an empty record for a conversation's first turn.
func NewRecord(owner, conversationID string) *Record {
	return &Record{
		Owner:          owner,
		ConversationID: conversationID,
		Idempotency:    make(map[string]IdempotencyEntry),
	}
}

// Now returns the current time as a record timestamp.
func Now() int64 {
	return time.Now().UnixMilli()
}

// AppendTurn appends the user/assistant pair for one completed turn
// and records its idempotency entry. ts becomes the conversation's
// lastMessageTs unless that would move it backward (client clocks are
// trusted for ordering, but never rewound).
func (r *Record) AppendTurn(user, assistant Message, entry IdempotencyEntry) {
	r.Messages = append(r.Messages, user, assistant)
	if user.Timestamp > r.LastMessageTs {
		r.LastMessageTs = user.Timestamp
	}
	r.LastUpdatedTs = Now()
	if user.ClientMessageID != "" {
		if r.Idempotency == nil {
			r.Idempotency = make(map[string]IdempotencyEntry)
		}
		r.Idempotency[user.ClientMessageID] = entry
	}
}

// ReplayEntry returns the cached result for a client message id, if
// this exact message already completed a turn.
func (r *Record) ReplayEntry(clientMessageID string) (IdempotencyEntry, bool) {
	if clientMessageID == "" || r.Idempotency == nil {
		return IdempotencyEntry{}, false
	}
	e, ok := r.Idempotency[clientMessageID]
	return e, ok
}

// MessagesSince returns the messages strictly newer than ts, in order.
// Enrichment uses it to collect the unsummarized tail.
func (r *Record) MessagesSince(ts int64) []Message {
	for i, m := range r.Messages {
		if m.Timestamp > ts {
			return r.Messages[i:]
		}
	}
	return nil
}

// LastAssistantIndex returns the index of the most recent assistant
// message, or -1 if there is none.
func (r *Record) LastAssistantIndex() int {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "assistant" {
			return i
		}
	}
	return -1
}
