// Package turn drives one conversation turn end to end: per-key lock,
// idempotency replay, routing, optional search augmentation, the
// answer call, and atomic persistence. All client-visible stage events
// for a turn are produced by the single goroutine running Run, so they
// arrive strictly in stage order.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/weixian95/brain-at-home/internal/events"
	"github.com/weixian95/brain-at-home/internal/keylock"
	"github.com/weixian95/brain-at-home/internal/llm"
	"github.com/weixian95/brain-at-home/internal/prompts"
	"github.com/weixian95/brain-at-home/internal/queue"
	"github.com/weixian95/brain-at-home/internal/routing"
	"github.com/weixian95/brain-at-home/internal/store"
	"github.com/weixian95/brain-at-home/internal/textutil"
	"github.com/weixian95/brain-at-home/internal/webagent"
)

// ErrInvalidRequest marks client mistakes in the turn request itself,
// as opposed to upstream failures.
var ErrInvalidRequest = errors.New("invalid turn request")

// queryMaxWords bounds the lexical fallback search query.
const queryMaxWords = 8

// priorPromptWindow bounds how many earlier user prompts the routing
// classifier sees.
const priorPromptWindow = 5

// Request is one inbound turn.
type Request struct {
	Owner           string `json:"owner"`
	ConversationID  string `json:"conversation_id"`
	Prompt          string `json:"prompt"`
	ClientMessageID string `json:"client_message_id"`

	// Model overrides the configured answer model for this turn.
	Model string `json:"model,omitempty"`

	// ClientTimestamp is the client's unix-millisecond send time. Zero
	// means the server assigns one.
	ClientTimestamp int64 `json:"client_ts,omitempty"`

	// UseWeb is the required routing override. nil is an error: the
	// client must always choose.
	UseWeb *bool `json:"use_web"`
}

// Response is the result of a completed (or replayed) turn.
type Response struct {
	ConversationID string         `json:"conversation_id"`
	Answer         string         `json:"answer"`
	Sources        []store.Source `json:"sources,omitempty"`
	Replayed       bool           `json:"replayed,omitempty"`
}

// StageEvent is one unit of the streamed turn protocol. Only the
// orchestrator's own final event carries Done.
type StageEvent struct {
	Stage          string         `json:"stage"`
	Message        string         `json:"message,omitempty"`
	Delta          string         `json:"delta,omitempty"`
	UseWeb         *bool          `json:"use_web,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Query          string         `json:"query,omitempty"`
	Sources        []store.Source `json:"sources,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Answer         string         `json:"answer,omitempty"`
	Replayed       bool           `json:"replayed,omitempty"`
	Error          string         `json:"error,omitempty"`
	Done           bool           `json:"done,omitempty"`
}

// EmitFunc receives stage events during a streamed turn. nil means the
// caller wants a plain response and no events.
type EmitFunc func(ev StageEvent)

// Router decides local-vs-web for a prompt.
type Router interface {
	Decide(ctx context.Context, in routing.Input) (routing.Decision, error)
}

// Searcher is the web-agent surface the orchestrator needs.
type Searcher interface {
	SearchStream(ctx context.Context, query string, count int, onEvent webagent.EventCallback) ([]store.Source, error)
}

// Config holds the orchestrator's tunables.
type Config struct {
	// Model is the default answer model.
	Model string

	// ClassifierModel doubles as the search-query generator; empty
	// falls back to Model.
	ClassifierModel string

	// Budgets bound the assembled prompt.
	Budgets prompts.Budgets

	// ResultCount is how many web sources to request.
	ResultCount int

	// QueryTimeout bounds the search-query generation call.
	QueryTimeout time.Duration

	// AnswerTimeout bounds the non-streaming answer call. Streaming
	// answers are unbounded; the client disconnecting cancels them.
	AnswerTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Budgets.Summary <= 0 {
		c.Budgets.Summary = 400
	}
	if c.Budgets.Facts <= 0 {
		c.Budgets.Facts = 200
	}
	if c.Budgets.Recent <= 0 {
		c.Budgets.Recent = 1200
	}
	if c.Budgets.RecentTurns <= 0 {
		c.Budgets.RecentTurns = 12
	}
	if c.ResultCount <= 0 {
		c.ResultCount = 5
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 15 * time.Second
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = 2 * time.Minute
	}
	if c.ClassifierModel == "" {
		c.ClassifierModel = c.Model
	}
}

// Orchestrator runs turns. All cross-conversation coordination lives
// in the lock table and the admission queue it is built on.
type Orchestrator struct {
	locks    *keylock.Table
	store    *store.FileStore
	client   llm.Client
	router   Router
	searcher Searcher
	bus      *events.Bus
	logger   *slog.Logger
	config   Config

	// AfterTurn, when set, is called once per successfully persisted
	// turn, after the final event. Used to kick off enrichment.
	AfterTurn func(owner, conversationID string)
}

// New creates a turn orchestrator. client should already be wrapped by
// the admission queue; searcher may be nil when no web agent is
// configured (routing can still choose web, but augmentation degrades
// to zero sources).
func New(locks *keylock.Table, st *store.FileStore, client llm.Client, router Router, searcher Searcher, bus *events.Bus, logger *slog.Logger, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		locks:    locks,
		store:    st,
		client:   client,
		router:   router,
		searcher: searcher,
		bus:      bus,
		logger:   logger.With("component", "turn"),
		config:   cfg,
	}
}

// Run executes one turn. emit receives stage events when the caller
// requested streaming; pass nil for a plain response. The error return
// covers the primary answer path only: search failures degrade, and
// enrichment happens after Run returns.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit EmitFunc) (*Response, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	log := o.logger.With("request_id", requestID, "owner", req.Owner, "conversation", req.ConversationID)
	started := time.Now()

	ctx = queue.WithCallInfo(ctx, queue.CallInfo{
		Role:           "turn",
		RequestID:      requestID,
		ConversationID: req.ConversationID,
	})

	o.bus.Publish(events.Event{
		Source: events.SourceTurn,
		Kind:   events.KindTurnStart,
		Data: map[string]any{
			"request_id":      requestID,
			"owner":           req.Owner,
			"conversation_id": req.ConversationID,
		},
	})

	release, err := o.locks.Acquire(ctx, req.Owner+"/"+req.ConversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := o.store.LoadOrCreate(req.Owner, req.ConversationID)
	if err != nil {
		return nil, o.failed(requestID, req, err)
	}

	// Idempotency replay: this exact client message already completed
	// a turn, so hand back the cached result without touching a model.
	if entry, ok := rec.ReplayEntry(req.ClientMessageID); ok {
		log.Info("replaying idempotent turn", "client_message_id", req.ClientMessageID)
		resp := &Response{
			ConversationID: req.ConversationID,
			Answer:         entry.Answer,
			Sources:        entry.Sources,
			Replayed:       true,
		}
		if emit != nil {
			emit(StageEvent{
				Stage:          "complete",
				ConversationID: req.ConversationID,
				Answer:         entry.Answer,
				Sources:        entry.Sources,
				Replayed:       true,
				Done:           true,
			})
		}
		o.publishComplete(requestID, req, started, true)
		return resp, nil
	}

	// Routing.
	decision, err := o.router.Decide(ctx, routing.Input{
		Prompt:       req.Prompt,
		PriorPrompts: priorPrompts(rec),
		UseWeb:       req.UseWeb,
	})
	if err != nil {
		return nil, o.failed(requestID, req, err)
	}
	log.Debug("routing decided",
		"use_web", decision.UseWeb,
		"source", decision.Source,
		"reason", decision.Reason,
	)
	if emit != nil {
		useWeb := decision.UseWeb
		emit(StageEvent{Stage: "routing", UseWeb: &useWeb, Reason: decision.Reason})
	}
	o.bus.Publish(events.Event{
		Source: events.SourceTurn,
		Kind:   events.KindRoutingDecided,
		Data: map[string]any{
			"request_id": requestID,
			"use_web":    decision.UseWeb,
			"source":     decision.Source,
			"reason":     decision.Reason,
		},
	})

	// Search augmentation. Failure here never fails the turn: the
	// answer falls back to the model's own knowledge.
	var sources []store.Source
	if decision.UseWeb {
		sources = o.searchAugment(ctx, req, requestID, emit, log)
	}

	// Answering.
	answer, err := o.answer(ctx, rec, req, decision, sources, emit)
	if err != nil {
		if ctx.Err() != nil {
			// Client went away; nothing to finalize and nobody to tell.
			log.Info("turn cancelled", "error", ctx.Err())
			return nil, ctx.Err()
		}
		return nil, o.failed(requestID, req, err)
	}

	// Finalizing.
	ts := req.ClientTimestamp
	if ts == 0 {
		ts = store.Now()
	}
	user := store.Message{
		Role:            "user",
		Content:         req.Prompt,
		Timestamp:       ts,
		ClientMessageID: req.ClientMessageID,
	}
	assistant := store.Message{
		Role:      "assistant",
		Content:   answer,
		Timestamp: store.Now(),
	}
	rec.AppendTurn(user, assistant, store.IdempotencyEntry{
		Answer:    answer,
		Sources:   sources,
		Timestamp: assistant.Timestamp,
	})
	if err := o.store.Save(rec); err != nil {
		return nil, o.failed(requestID, req, fmt.Errorf("persist turn: %w", err))
	}

	if emit != nil {
		emit(StageEvent{
			Stage:          "complete",
			ConversationID: req.ConversationID,
			Answer:         answer,
			Sources:        sources,
			Done:           true,
		})
	}
	o.publishComplete(requestID, req, started, false)
	log.Info("turn complete",
		"use_web", decision.UseWeb,
		"sources", len(sources),
		"elapsed", time.Since(started),
	)

	if o.AfterTurn != nil {
		o.AfterTurn(req.Owner, req.ConversationID)
	}

	return &Response{
		ConversationID: req.ConversationID,
		Answer:         answer,
		Sources:        sources,
	}, nil
}

func validate(req Request) error {
	switch {
	case req.Owner == "":
		return fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	case req.ConversationID == "":
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Prompt) == "":
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	case req.ClientMessageID == "":
		return fmt.Errorf("%w: client_message_id is required", ErrInvalidRequest)
	}
	return nil
}

// searchAugment generates a query and runs the web agent, relaying its
// stage events with intermediate done flags forced off. Any failure
// degrades to zero sources.
func (o *Orchestrator) searchAugment(ctx context.Context, req Request, requestID string, emit EmitFunc, log *slog.Logger) []store.Source {
	query := o.searchQuery(ctx, req, requestID)
	if emit != nil {
		emit(StageEvent{Stage: "search_query", Query: query})
	}

	if o.searcher == nil {
		o.emitSearchFailure(req, requestID, emit, log, query, errors.New("no web agent configured"))
		return nil
	}

	var relay webagent.EventCallback
	if emit != nil {
		relay = func(ev webagent.StageEvent) {
			// The collaborator's done flag is never forwarded: only the
			// orchestrator's own final event may assert completion.
			emit(StageEvent{Stage: ev.Stage, Message: ev.Message, Sources: ev.Sources})
		}
	}

	sources, err := o.searcher.SearchStream(ctx, query, o.config.ResultCount, relay)
	if err != nil {
		o.emitSearchFailure(req, requestID, emit, log, query, err)
		return nil
	}

	o.bus.Publish(events.Event{
		Source: events.SourceTurn,
		Kind:   events.KindWebSearch,
		Data: map[string]any{
			"request_id": requestID,
			"query":      query,
			"sources":    len(sources),
			"ok":         true,
		},
	})
	return sources
}

func (o *Orchestrator) emitSearchFailure(req Request, requestID string, emit EmitFunc, log *slog.Logger, query string, err error) {
	log.Warn("web agent failed, continuing without sources", "query", query, "error", err)
	if emit != nil {
		emit(StageEvent{Stage: "web_agent_failed", Error: err.Error()})
	}
	o.bus.Publish(events.Event{
		Source: events.SourceTurn,
		Kind:   events.KindWebSearch,
		Data: map[string]any{
			"request_id": requestID,
			"query":      query,
			"ok":         false,
			"error":      err.Error(),
		},
	})
}

// searchQuery asks a small model to compress the prompt into a search
// query, falling back to the prompt's leading words when the call
// fails or returns nothing useful.
func (o *Orchestrator) searchQuery(ctx context.Context, req Request, requestID string) string {
	qctx, cancel := context.WithTimeout(ctx, o.config.QueryTimeout)
	defer cancel()
	qctx = queue.WithCallInfo(qctx, queue.CallInfo{
		Role:           "query",
		RequestID:      requestID,
		ConversationID: req.ConversationID,
	})

	resp, err := o.client.Chat(qctx, o.config.ClassifierModel,
		[]llm.Message{{Role: llm.RoleUser, Content: prompts.SearchQueryPrompt(req.Prompt)}},
		&llm.ChatOptions{Sampling: &llm.Options{Temperature: 0}})
	if err == nil {
		if q := firstLine(resp.Content); q != "" {
			return textutil.TruncateWords(q, queryMaxWords)
		}
	} else {
		o.logger.Debug("search query generation failed", "error", err)
	}
	return textutil.TruncateWords(req.Prompt, queryMaxWords)
}

// answer assembles the prompt and runs the main inference call,
// streaming deltas when the caller wants them.
func (o *Orchestrator) answer(ctx context.Context, rec *store.Record, req Request, decision routing.Decision, sources []store.Source, emit EmitFunc) (string, error) {
	history := make([]llm.Message, 0, len(rec.Messages))
	for _, m := range rec.Messages {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	refs := make([]prompts.SourceRef, 0, len(sources))
	for _, s := range sources {
		refs = append(refs, prompts.SourceRef{Title: s.Title, URL: s.URL, Summary: s.Summary})
	}

	messages := prompts.Assemble(prompts.AssembleInput{
		Summary:        rec.Summary,
		Facts:          rec.Facts,
		Topic:          rec.Topic,
		History:        history,
		Prompt:         req.Prompt,
		Sources:        refs,
		ExplicitSearch: decision.Explicit(),
	}, o.config.Budgets)

	model := req.Model
	if model == "" {
		model = o.config.Model
	}

	if emit == nil {
		actx, cancel := context.WithTimeout(ctx, o.config.AnswerTimeout)
		defer cancel()
		resp, err := o.client.Chat(actx, model, messages, nil)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}

	resp, err := o.client.ChatStream(ctx, model, messages, nil, func(token string) {
		emit(StageEvent{Stage: "answer", Delta: token})
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (o *Orchestrator) failed(requestID string, req Request, err error) error {
	o.bus.Publish(events.Event{
		Source: events.SourceTurn,
		Kind:   events.KindTurnFailed,
		Data: map[string]any{
			"request_id":      requestID,
			"conversation_id": req.ConversationID,
			"error":           err.Error(),
		},
	})
	return err
}

func (o *Orchestrator) publishComplete(requestID string, req Request, started time.Time, replayed bool) {
	o.bus.Publish(events.Event{
		Source: events.SourceTurn,
		Kind:   events.KindTurnComplete,
		Data: map[string]any{
			"request_id":      requestID,
			"conversation_id": req.ConversationID,
			"elapsed_ms":      time.Since(started).Milliseconds(),
			"replayed":        replayed,
		},
	})
}

// priorPrompts returns the newest few user prompts, oldest first.
func priorPrompts(rec *store.Record) []string {
	var out []string
	for _, m := range rec.Messages {
		if m.Role == "user" {
			out = append(out, m.Content)
		}
	}
	if len(out) > priorPromptWindow {
		out = out[len(out)-priorPromptWindow:]
	}
	return out
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.Trim(strings.TrimSpace(line), `"'`))
		if line != "" {
			return line
		}
	}
	return ""
}
