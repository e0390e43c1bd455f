package prompts

import (
	"fmt"
	"strings"
)

// titleTemplate derives a conversation title from its opening message.
const titleTemplate = `Write a short title for a conversation that starts with the message below. Reply with the title only: at most 6 words, no quotes, no trailing punctuation.

Message:
%s

Title:`

// TitlePrompt returns the title generation prompt.
func TitlePrompt(firstMessage string) string {
	return fmt.Sprintf(titleTemplate, firstMessage)
}

// topicTemplate derives the current topic from recent messages.
const topicTemplate = `What is the current topic of this conversation? Reply with the topic only: a short noun phrase, at most 5 words, no quotes.

Recent messages:
%s

Topic:`

// TopicPrompt returns the topic generation prompt. transcript is a
// short recent-message window rendered one message per line.
func TopicPrompt(transcript string) string {
	return fmt.Sprintf(topicTemplate, transcript)
}

// summaryTemplate folds unsummarized messages into the running summary
// and fact list. Format verbs: prior summary, prior facts, new messages.
const summaryTemplate = `Update this conversation's memory. Respond with JSON only, exactly these fields:

{
  "summary": "an updated running summary of the whole conversation, 2-5 sentences",
  "facts": ["short standalone facts about the user worth remembering"]
}

Carry forward everything still relevant from the previous summary. Facts are durable statements (preferences, circumstances, names), not transient requests.

Previous summary:
%s

Previous facts:
%s

New messages:
%s

JSON:`

// SummaryPrompt returns the memory summarization prompt.
func SummaryPrompt(prevSummary string, prevFacts []string, transcript string) string {
	if prevSummary == "" {
		prevSummary = "(none)"
	}
	facts := "(none)"
	if len(prevFacts) > 0 {
		facts = "- " + strings.Join(prevFacts, "\n- ")
	}
	return fmt.Sprintf(summaryTemplate, prevSummary, facts, transcript)
}

// polishTemplate restructures an answer without changing its facts.
const polishTemplate = `Improve the structure and readability of this answer. Keep every fact, number, and caveat exactly as stated: change only wording, ordering, and formatting. Reply with the improved answer only.

Answer:
%s

Improved answer:`

// PolishPrompt returns the answer polishing prompt.
func PolishPrompt(answer string) string {
	return fmt.Sprintf(polishTemplate, answer)
}

// Transcript renders messages one per line as "role: content", the
// form every enrichment prompt consumes.
func Transcript(lines []TranscriptLine) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Role)
		b.WriteString(": ")
		b.WriteString(l.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// TranscriptLine is one message in a rendered transcript.
type TranscriptLine struct {
	Role    string
	Content string
}
