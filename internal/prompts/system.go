package prompts

import (
	"fmt"
	"strings"
)

// SystemInstruction is the first message of every assembled prompt.
const SystemInstruction = `You are a helpful personal assistant running on the user's own hardware. Answer directly and concisely. If you do not know something, say so rather than guessing.`

// MemoryBlock renders the stored conversation summary and facts as a
// system message body. Either part may be empty; an entirely empty
// block returns "".
func MemoryBlock(summary string, facts []string) string {
	var b strings.Builder
	if summary != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(summary)
	}
	if len(facts) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Known facts about the user:\n")
		for _, f := range facts {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// TopicHint renders the current conversation topic as a system message body.
func TopicHint(topic string) string {
	return fmt.Sprintf("The current topic of conversation is: %s", topic)
}

// sourcesCite instructs the model to reference the numbered sources;
// used when the user explicitly asked for a search.
const sourcesCite = `Use the web results below to answer. Cite sources by their number, like [1].`

// sourcesBackground instructs the model to use the results silently;
// used when the orchestrator decided to search on its own.
const sourcesBackground = `The web results below may help you answer. Use them if relevant, but do not mention that a search was performed.`

// SourcesBlock renders a numbered source list with mode-dependent
// instructions. explicit selects the cite variant.
func SourcesBlock(sources []SourceRef, explicit bool) string {
	var b strings.Builder
	if explicit {
		b.WriteString(sourcesCite)
	} else {
		b.WriteString(sourcesBackground)
	}
	b.WriteString("\n")
	for i, s := range sources {
		b.WriteString(fmt.Sprintf("\n[%d] %s\n%s\n", i+1, s.Title, s.URL))
		if s.Summary != "" {
			b.WriteString(s.Summary)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// SourceRef is the minimal source shape the prompt layer needs.
type SourceRef struct {
	Title   string
	URL     string
	Summary string
}
