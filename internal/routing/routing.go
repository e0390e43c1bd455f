// Package routing classifies an inbound prompt as information-seeking
// vs. conversational and resolves the local-vs-web-augmented decision.
// The caller must always supply an explicit web override; there is no
// silent default.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/weixian95/brain-at-home/internal/llm"
	"github.com/weixian95/brain-at-home/internal/prompts"
)

// ErrMissingRoutingChoice is returned when the client did not supply
// the web override. Surfaced as a client error; never defaulted.
var ErrMissingRoutingChoice = errors.New("missing routing choice: request must set use_web")

// Decision sources, in trust order.
const (
	SourceExplicit   = "explicit"
	SourceClassifier = "classifier"
	SourceHeuristic  = "heuristic"
)

// Decision is the resolved routing outcome for one turn. Ephemeral:
// never persisted.
type Decision struct {
	UseWeb      bool    `json:"use_web"`
	InfoSeeking bool    `json:"info_seeking"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
	Source      string  `json:"source"`
}

// Explicit reports whether the user asked for the search in so many
// words; the prompt assembler uses it to pick cite vs. don't-mention
// source instructions.
func (d Decision) Explicit() bool {
	return d.Source == SourceExplicit && d.UseWeb
}

// Input is one routing request.
type Input struct {
	Prompt string

	// PriorPrompts is a bounded window of the user's earlier prompts,
	// oldest first, for classifier context.
	PriorPrompts []string

	// UseWeb is the client's override. nil means the client failed to
	// choose, which is an error.
	UseWeb *bool
}

// classifierTimeout bounds the classification call; past it the
// lexical heuristic takes over.
const classifierTimeout = 10 * time.Second

// Engine resolves routing decisions, preferring a small LLM classifier
// and degrading to a deterministic lexical heuristic.
type Engine struct {
	client llm.Client // admission-queue wrapped
	model  string     // classifier model; empty disables the classifier
	logger *slog.Logger
}

// NewEngine creates a routing engine. client must already be wrapped
// by the admission queue. An empty model skips classification and uses
// the heuristic directly.
func NewEngine(client llm.Client, model string, logger *slog.Logger) *Engine {
	return &Engine{
		client: client,
		model:  model,
		logger: logger.With("component", "routing"),
	}
}

// Decide resolves the routing decision for one prompt.
func (e *Engine) Decide(ctx context.Context, in Input) (Decision, error) {
	if in.UseWeb == nil {
		return Decision{}, ErrMissingRoutingChoice
	}

	if !*in.UseWeb {
		return Decision{
			UseWeb:     false,
			Confidence: 1,
			Reason:     "client_override_off",
			Source:     SourceExplicit,
		}, nil
	}

	if matchesExplicitSearch(in.Prompt) {
		return Decision{
			UseWeb:      true,
			InfoSeeking: true,
			Confidence:  1,
			Reason:      "explicit_search",
			Source:      SourceExplicit,
		}, nil
	}

	cls := e.classify(ctx, in)

	// Conversational prompts never count as information-seeking,
	// whatever the classifier said.
	if isConversational(in.Prompt) {
		cls.InfoSeeking = false
	}

	return Decision{
		UseWeb:      cls.NeedsWeb || cls.InfoSeeking,
		InfoSeeking: cls.InfoSeeking,
		Confidence:  cls.Confidence,
		Reason:      cls.Reason,
		Source:      cls.Source,
	}, nil
}

// classification is the shared shape produced by the classifier and
// the heuristic fallback.
type classification struct {
	InfoSeeking bool    `json:"info_seeking"`
	NeedsWeb    bool    `json:"needs_web"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
	Source      string  `json:"-"`
}

// classify runs the LLM classifier, falling back to the lexical
// heuristic on timeout, transport failure, or unparseable output.
func (e *Engine) classify(ctx context.Context, in Input) classification {
	if e.model == "" {
		return heuristicClassify(in.Prompt)
	}

	cctx, cancel := context.WithTimeout(ctx, classifierTimeout)
	defer cancel()

	resp, err := e.client.Chat(cctx, e.model,
		[]llm.Message{{Role: llm.RoleUser, Content: prompts.ClassifyPrompt(in.PriorPrompts, in.Prompt)}},
		&llm.ChatOptions{Format: "json", Sampling: &llm.Options{Temperature: 0}},
	)
	if err != nil {
		e.logger.Warn("classifier call failed, using heuristic", "error", err)
		return heuristicClassify(in.Prompt)
	}

	var cls classification
	if err := json.Unmarshal([]byte(stripCodeFences(resp.Content)), &cls); err != nil {
		e.logger.Warn("classifier output unparseable, using heuristic",
			"error", err, "output_len", len(resp.Content))
		return heuristicClassify(in.Prompt)
	}

	cls.Source = SourceClassifier
	if cls.Reason == "" {
		cls.Reason = "classifier"
	}
	return cls
}

// stripCodeFences removes a surrounding markdown code fence, which
// small models add despite the JSON format hint.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
