package prompts

import (
	"fmt"
	"strings"
)

// classifyTemplate asks a small model whether a prompt needs web
// augmentation. Format verbs: recent prior prompts, the new prompt.
const classifyTemplate = `Classify the user's latest message. Respond with JSON only, exactly these fields:

{
  "info_seeking": true or false,
  "needs_web": true or false,
  "confidence": 0.0 to 1.0,
  "reason": "one short phrase"
}

info_seeking: the user wants factual information (not chit-chat, not a request to perform an action on their own data).
needs_web: answering well requires current or external information (news, prices, weather, recent events, specific products or places).

Recent messages for context:
%s

Latest message:
%s

JSON:`

// ClassifyPrompt returns the routing classification prompt. prior is a
// bounded window of the user's previous prompts, oldest first.
func ClassifyPrompt(prior []string, prompt string) string {
	context := "(none)"
	if len(prior) > 0 {
		context = "- " + strings.Join(prior, "\n- ")
	}
	return fmt.Sprintf(classifyTemplate, context, prompt)
}
