package prompts

import (
	"github.com/weixian95/brain-at-home/internal/llm"
	"github.com/weixian95/brain-at-home/internal/textutil"
)

// Budgets are the per-section token budgets for prompt assembly.
// Sections never borrow from each other: headroom left in one section
// does not extend another.
type Budgets struct {
	Summary     int // stored summary block
	Facts       int // facts block
	Recent      int // recent-turn window
	RecentTurns int // max prior messages considered for the window
}

// AssembleInput is everything the assembler draws from.
type AssembleInput struct {
	Summary string
	Facts   []string
	Topic   string

	// History is the conversation's prior messages, oldest first.
	History []llm.Message

	// Prompt is the new user message, always placed last.
	Prompt string

	// Sources, when present, are spliced in as a system message
	// immediately before the prompt. ExplicitSearch selects the
	// cite-sources instruction variant.
	Sources        []SourceRef
	ExplicitSearch bool
}

// Assemble builds the ordered, budgeted message list sent to inference:
// system instruction, optional memory block, optional topic hint, the
// trimmed recent window, optional sources block, then the new prompt.
func Assemble(in AssembleInput, b Budgets) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: SystemInstruction}}

	if block := memoryBlockBudgeted(in.Summary, in.Facts, b); block != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: block})
	}

	if in.Topic != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: TopicHint(in.Topic)})
	}

	msgs = append(msgs, recentWindow(in.History, b)...)

	if len(in.Sources) > 0 {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleSystem,
			Content: SourcesBlock(in.Sources, in.ExplicitSearch),
		})
	}

	return append(msgs, llm.Message{Role: llm.RoleUser, Content: in.Prompt})
}

// memoryBlockBudgeted truncates summary and facts to their own budgets
// before rendering the combined block.
func memoryBlockBudgeted(summary string, facts []string, b Budgets) string {
	summary = textutil.TruncateToTokens(summary, b.Summary)

	// Facts are kept newest-first within budget; insertion order is
	// recency of assertion, so trim from the front.
	var kept []string
	remaining := b.Facts
	for i := len(facts) - 1; i >= 0; i-- {
		cost := textutil.EstimateTokens(facts[i])
		if cost > remaining {
			break
		}
		remaining -= cost
		kept = append([]string{facts[i]}, kept...)
	}

	return MemoryBlock(summary, kept)
}

// recentWindow selects the most recent prior messages that fit the
// recent-window budget, dropping oldest-first. If even the single
// newest message exceeds the budget it is truncated with an ellipsis
// rather than dropped: the turn just before the prompt is the one the
// model most needs.
func recentWindow(history []llm.Message, b Budgets) []llm.Message {
	if len(history) == 0 || b.RecentTurns <= 1 {
		return nil
	}

	max := b.RecentTurns - 1
	if len(history) > max {
		history = history[len(history)-max:]
	}

	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := textutil.EstimateTokens(history[i].Content)
		if total+cost > b.Recent {
			break
		}
		total += cost
		start = i
	}

	if start == len(history) {
		// Nothing fit whole; keep a truncated copy of the newest message.
		newest := history[len(history)-1]
		newest.Content = textutil.TruncateToTokens(newest.Content, b.Recent)
		if newest.Content == "" {
			return nil
		}
		return []llm.Message{newest}
	}

	return history[start:]
}
