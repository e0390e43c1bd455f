package prompts

import (
	"strings"
	"testing"

	"github.com/weixian95/brain-at-home/internal/llm"
	"github.com/weixian95/brain-at-home/internal/textutil"
)

func testBudgets() Budgets {
	return Budgets{Summary: 50, Facts: 25, Recent: 100, RecentTurns: 8}
}

func TestAssemble_Order(t *testing.T) {
	msgs := Assemble(AssembleInput{
		Summary: "They discussed travel plans.",
		Facts:   []string{"lives in Berlin"},
		Topic:   "travel",
		History: []llm.Message{
			{Role: llm.RoleUser, Content: "previous question"},
			{Role: llm.RoleAssistant, Content: "previous answer"},
		},
		Prompt:         "what next?",
		Sources:        []SourceRef{{Title: "Guide", URL: "https://example.com"}},
		ExplicitSearch: true,
	}, testBudgets())

	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != SystemInstruction {
		t.Fatal("first message must be the system instruction")
	}
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleUser || last.Content != "what next?" {
		t.Fatalf("last message must be the new prompt, got %+v", last)
	}
	// Sources block sits immediately before the prompt, nowhere else.
	second := msgs[len(msgs)-2]
	if second.Role != llm.RoleSystem || !strings.Contains(second.Content, "[1] Guide") {
		t.Fatalf("sources block must precede the prompt, got %+v", second)
	}
	for i, m := range msgs[:len(msgs)-2] {
		if strings.Contains(m.Content, "[1] Guide") {
			t.Errorf("sources leaked into message %d", i)
		}
	}
}

func TestAssemble_CiteModeFollowsExplicitFlag(t *testing.T) {
	in := AssembleInput{
		Prompt:  "q",
		Sources: []SourceRef{{Title: "T", URL: "u"}},
	}
	b := testBudgets()

	in.ExplicitSearch = true
	cite := Assemble(in, b)
	if !strings.Contains(cite[len(cite)-2].Content, "Cite sources") {
		t.Error("explicit search should produce cite instructions")
	}

	in.ExplicitSearch = false
	quiet := Assemble(in, b)
	if !strings.Contains(quiet[len(quiet)-2].Content, "do not mention") {
		t.Error("implicit search should produce don't-mention instructions")
	}
}

func TestAssemble_MemoryBudgetLaw(t *testing.T) {
	in := AssembleInput{
		Summary: strings.Repeat("a long running summary sentence. ", 50),
		Facts: []string{
			strings.Repeat("fact one ", 10),
			strings.Repeat("fact two ", 10),
			"short fact",
		},
		Prompt: "q",
	}
	b := testBudgets()
	msgs := Assemble(in, b)

	// Memory block is the second message when present.
	block := msgs[1].Content
	if est := textutil.EstimateTokens(block); est > b.Summary+b.Facts+16 {
		// +16 covers the fixed section headers, which are not part of
		// the stored-content budgets.
		t.Errorf("memory block estimate %d exceeds combined budget", est)
	}
	if !strings.Contains(block, "short fact") {
		t.Error("newest fact should survive trimming")
	}
}

func TestAssemble_RecentWindowDropsOldestFirst(t *testing.T) {
	var history []llm.Message
	for i := 0; i < 20; i++ {
		history = append(history, llm.Message{
			Role:    llm.RoleUser,
			Content: strings.Repeat("x", 60), // 15 tokens each
		})
	}
	history[19].Content = "NEWEST " + strings.Repeat("x", 40)

	b := Budgets{Recent: 40, RecentTurns: 10}
	msgs := Assemble(AssembleInput{History: history, Prompt: "q"}, b)

	// system instruction + window + prompt
	window := msgs[1 : len(msgs)-1]
	total := 0
	for _, m := range window {
		total += textutil.EstimateTokens(m.Content)
	}
	if total > b.Recent {
		t.Errorf("recent window estimate %d exceeds budget %d", total, b.Recent)
	}
	if len(window) == 0 {
		t.Fatal("window should not be empty")
	}
	if !strings.HasPrefix(window[len(window)-1].Content, "NEWEST") {
		t.Error("newest history message must survive trimming")
	}
}

func TestAssemble_OversizedNewestTruncatedNotDropped(t *testing.T) {
	history := []llm.Message{
		{Role: llm.RoleAssistant, Content: strings.Repeat("big answer ", 200)},
	}
	b := Budgets{Recent: 10, RecentTurns: 4}
	msgs := Assemble(AssembleInput{History: history, Prompt: "q"}, b)

	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want system + truncated history + prompt", len(msgs))
	}
	kept := msgs[1]
	if !strings.HasSuffix(kept.Content, textutil.Ellipsis) {
		t.Errorf("oversized newest message should be truncated with ellipsis, got %q", kept.Content)
	}
	if textutil.EstimateTokens(kept.Content) > b.Recent {
		t.Error("truncated message still exceeds recent budget")
	}
}

func TestAssemble_EmptySectionsOmitted(t *testing.T) {
	msgs := Assemble(AssembleInput{Prompt: "just this"}, testBudgets())
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want system + prompt only", len(msgs))
	}
}

func TestTranscript(t *testing.T) {
	out := Transcript([]TranscriptLine{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	want := "user: hi\nassistant: hello"
	if out != want {
		t.Errorf("Transcript = %q, want %q", out, want)
	}
}
