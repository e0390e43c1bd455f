// Package enrich runs the post-answer enrichment pipeline: title,
// topic, memory summarization, and answer polish. Everything here is
// best-effort and runs after the client already has its answer; a
// failure is logged and the conversation simply stays un-enriched
// until the next turn. Inference calls still go through the admission
// queue, but the conversation's turn lock is not held: each sub-task
// reloads, merges, and saves the record on its own.
package enrich

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/weixian95/brain-at-home/internal/events"
	"github.com/weixian95/brain-at-home/internal/llm"
	"github.com/weixian95/brain-at-home/internal/prompts"
	"github.com/weixian95/brain-at-home/internal/queue"
	"github.com/weixian95/brain-at-home/internal/store"
	"github.com/weixian95/brain-at-home/internal/textutil"
)

// Config controls enrichment thresholds.
type Config struct {
	// SummaryEveryTurns triggers summarization once this many turns
	// accumulate past the last summary boundary.
	SummaryEveryTurns int

	// SummaryTokenThreshold triggers summarization once the estimated
	// token count of unsummarized messages exceeds it. Either trigger
	// suffices.
	SummaryTokenThreshold int

	// PolishMinChars is the minimum raw answer length worth polishing.
	PolishMinChars int

	// Timeout bounds each individual sub-task, queue wait included.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SummaryEveryTurns <= 0 {
		c.SummaryEveryTurns = 8
	}
	if c.SummaryTokenThreshold <= 0 {
		c.SummaryTokenThreshold = 1500
	}
	if c.PolishMinChars <= 0 {
		c.PolishMinChars = 280
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// Pipeline runs enrichment sub-tasks for completed turns.
type Pipeline struct {
	store  *store.FileStore
	client llm.Client
	model  string
	bus    *events.Bus
	logger *slog.Logger
	config Config

	wg sync.WaitGroup
}

// New creates an enrichment pipeline. client should already be wrapped
// by the admission queue.
func New(st *store.FileStore, client llm.Client, model string, bus *events.Bus, logger *slog.Logger, cfg Config) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		store:  st,
		client: client,
		model:  model,
		bus:    bus,
		logger: logger.With("component", "enrich"),
		config: cfg,
	}
}

// Run schedules enrichment for a conversation that just completed a
// turn. It returns immediately; the work happens on its own goroutine
// with its own deadlines, detached from the request context.
func (p *Pipeline) Run(owner, conversationID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.enrich(owner, conversationID)
	}()
}

// Drain waits for in-flight enrichment to finish, up to ctx's deadline.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) enrich(owner, conversationID string) {
	log := p.logger.With("owner", owner, "conversation", conversationID)

	for _, task := range []struct {
		name string
		fn   func(context.Context, string, string) (bool, error)
	}{
		{"title", p.runTitle},
		{"topic", p.runTopic},
		{"summary", p.runSummary},
		{"polish", p.runPolish},
	} {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
		ctx = queue.WithCallInfo(ctx, queue.CallInfo{
			Role:           "enrich_" + task.name,
			ConversationID: conversationID,
		})

		applied, err := task.fn(ctx, owner, conversationID)
		cancel()

		if err != nil {
			log.Warn("enrichment task failed", "task", task.name, "error", err)
			p.bus.Publish(events.Event{
				Source: events.SourceEnrich,
				Kind:   events.KindEnrichFailed,
				Data: map[string]any{
					"conversation_id": conversationID,
					"task":            task.name,
					"error":           err.Error(),
				},
			})
			continue
		}

		p.bus.Publish(events.Event{
			Source: events.SourceEnrich,
			Kind:   events.KindEnrichDone,
			Data: map[string]any{
				"conversation_id": conversationID,
				"task":            task.name,
				"applied":         applied,
			},
		})
	}
}

// runTitle generates a conversation title once, from the first user
// message. An empty or too-similar result is retried once with hotter
// sampling, then falls back to a lexical derivation of the prompt.
func (p *Pipeline) runTitle(ctx context.Context, owner, conversationID string) (bool, error) {
	rec, err := p.store.Load(owner, conversationID)
	if err != nil {
		return false, err
	}
	if rec.Title != "" {
		return false, nil
	}
	first := firstUserMessage(rec)
	if first == "" {
		return false, nil
	}

	title := p.generateLine(ctx, prompts.TitlePrompt(first), first)
	if title == "" {
		title = lexicalFallback(first, 6)
	}
	if title == "" {
		return false, nil
	}

	rec, err = p.store.Load(owner, conversationID)
	if err != nil {
		return false, err
	}
	if rec.Title != "" {
		return false, nil
	}
	rec.Title = title
	return true, p.store.Save(rec)
}

// runTopic regenerates the topic from a short recent window. A
// candidate identical to the current topic under case folding is
// suppressed so the record does not churn.
func (p *Pipeline) runTopic(ctx context.Context, owner, conversationID string) (bool, error) {
	rec, err := p.store.Load(owner, conversationID)
	if err != nil {
		return false, err
	}
	window := recentTranscript(rec, 6)
	if window == "" {
		return false, nil
	}
	lastUser := lastUserMessage(rec)

	topic := p.generateLine(ctx, prompts.TopicPrompt(window), lastUser)
	if topic == "" {
		topic = lexicalFallback(lastUser, 5)
	}
	if topic == "" {
		return false, nil
	}

	rec, err = p.store.Load(owner, conversationID)
	if err != nil {
		return false, err
	}
	if strings.EqualFold(topic, rec.Topic) {
		return false, nil
	}
	rec.Topic = topic
	rec.LastTopicTs = store.Now()
	return true, p.store.Save(rec)
}

// summaryUpdate is the structured output expected from the summary
// call. Pointer fields distinguish "absent or wrong type" from
// "present but empty" so validation can discard malformed responses.
type summaryUpdate struct {
	Summary *string   `json:"summary"`
	Facts   *[]string `json:"facts"`
}

// runSummary folds unsummarized messages into the memory summary and
// fact list. Triggered by turn count or token volume, whichever trips
// first. A response failing structural validation is discarded and the
// prior summary stays untouched.
func (p *Pipeline) runSummary(ctx context.Context, owner, conversationID string) (bool, error) {
	rec, err := p.store.Load(owner, conversationID)
	if err != nil {
		return false, err
	}
	pending := rec.MessagesSince(rec.LastSummaryTs)
	if len(pending) == 0 {
		return false, nil
	}

	turns := len(pending) / 2
	tokens := 0
	for _, m := range pending {
		tokens += textutil.EstimateTokens(m.Content)
	}
	if turns < p.config.SummaryEveryTurns && tokens < p.config.SummaryTokenThreshold {
		return false, nil
	}

	lines := make([]prompts.TranscriptLine, 0, len(pending))
	for _, m := range pending {
		lines = append(lines, prompts.TranscriptLine{Role: m.Role, Content: m.Content})
	}
	prompt := prompts.SummaryPrompt(rec.Summary, rec.Facts, prompts.Transcript(lines))

	resp, err := p.client.Chat(ctx, p.model,
		[]llm.Message{{Role: llm.RoleUser, Content: prompt}},
		&llm.ChatOptions{Format: "json", Sampling: &llm.Options{Temperature: 0.3}})
	if err != nil {
		return false, err
	}

	var update summaryUpdate
	content := stripFences(resp.Content)
	if err := json.Unmarshal([]byte(content), &update); err != nil {
		p.logger.Debug("discarding malformed summary response", "error", err)
		return false, nil
	}
	if update.Summary == nil || update.Facts == nil || strings.TrimSpace(*update.Summary) == "" {
		p.logger.Debug("discarding structurally invalid summary response")
		return false, nil
	}

	boundary := pending[len(pending)-1].Timestamp

	rec, err = p.store.Load(owner, conversationID)
	if err != nil {
		return false, err
	}
	rec.Summary = strings.TrimSpace(*update.Summary)
	rec.Facts = *update.Facts
	rec.LastSummaryTs = boundary
	return true, p.store.Save(rec)
}

// runPolish restructures the most recent assistant answer for
// readability. Only answers past the length threshold are worth a
// model call, and the result is applied only when it actually differs
// under case/punctuation-insensitive comparison.
func (p *Pipeline) runPolish(ctx context.Context, owner, conversationID string) (bool, error) {
	rec, err := p.store.Load(owner, conversationID)
	if err != nil {
		return false, err
	}
	idx := rec.LastAssistantIndex()
	if idx < 0 {
		return false, nil
	}
	original := rec.Messages[idx].Content
	if rec.Messages[idx].Polished || len(original) < p.config.PolishMinChars {
		return false, nil
	}

	resp, err := p.client.Chat(ctx, p.model,
		[]llm.Message{{Role: llm.RoleUser, Content: prompts.PolishPrompt(original)}},
		&llm.ChatOptions{Sampling: &llm.Options{Temperature: 0.3}})
	if err != nil {
		return false, err
	}
	polished := strings.TrimSpace(resp.Content)
	if polished == "" || normalizeForCompare(polished) == normalizeForCompare(original) {
		return false, nil
	}

	rec, err = p.store.Load(owner, conversationID)
	if err != nil {
		return false, err
	}
	idx = rec.LastAssistantIndex()
	if idx < 0 || rec.Messages[idx].Content != original {
		// Another turn landed meanwhile; its answer is not ours to touch.
		return false, nil
	}
	rec.Messages[idx].Content = polished
	rec.Messages[idx].Polished = true

	// The cached idempotency answer must match what the record now says.
	if idx > 0 {
		if id := rec.Messages[idx-1].ClientMessageID; id != "" {
			if entry, ok := rec.Idempotency[id]; ok {
				entry.Answer = polished
				entry.Polished = true
				rec.Idempotency[id] = entry
			}
		}
	}
	return true, p.store.Save(rec)
}

// generateLine asks the model for a single short line, retrying once
// with hotter sampling when the result is empty or parrots the source.
func (p *Pipeline) generateLine(ctx context.Context, prompt, source string) string {
	for _, temp := range []float64{0.3, 0.9} {
		resp, err := p.client.Chat(ctx, p.model,
			[]llm.Message{{Role: llm.RoleUser, Content: prompt}},
			&llm.ChatOptions{Sampling: &llm.Options{Temperature: temp}})
		if err != nil {
			p.logger.Debug("line generation failed", "error", err)
			return ""
		}
		line := cleanLine(resp.Content)
		if line != "" && !tooSimilar(line, source) {
			return line
		}
	}
	return ""
}

func firstUserMessage(rec *store.Record) string {
	for _, m := range rec.Messages {
		if m.Role == "user" {
			return m.Content
		}
	}
	return ""
}

func lastUserMessage(rec *store.Record) string {
	for i := len(rec.Messages) - 1; i >= 0; i-- {
		if rec.Messages[i].Role == "user" {
			return rec.Messages[i].Content
		}
	}
	return ""
}

// recentTranscript renders the last n messages as a compact transcript.
func recentTranscript(rec *store.Record, n int) string {
	msgs := rec.Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	lines := make([]prompts.TranscriptLine, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, prompts.TranscriptLine{Role: m.Role, Content: m.Content})
	}
	return prompts.Transcript(lines)
}

// cleanLine extracts a usable single line from model output: first
// non-empty line, quotes and trailing punctuation stripped.
func cleanLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		line = strings.Trim(line, `"'`)
		line = strings.TrimRight(line, ".!?,;: ")
		if line != "" {
			return line
		}
	}
	return ""
}

// tooSimilar reports whether a generated line merely echoes its source
// text, which defeats the point of generating it.
func tooSimilar(line, source string) bool {
	if source == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), strings.TrimSpace(source))
}

// lexicalFallback derives a short label from raw text without a model:
// the first n words, cleaned up.
func lexicalFallback(text string, n int) string {
	return cleanLine(textutil.TruncateWords(text, n))
}

// normalizeForCompare lowercases and strips punctuation and whitespace
// so that a polish pass that only reflowed text counts as "no change".
func normalizeForCompare(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// stripFences removes a markdown code fence wrapper if the model added
// one around its JSON output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
