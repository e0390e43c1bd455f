package prompts

import "fmt"

// queryTemplate turns a conversational prompt into a compact search
// query. The single format verb is the user's prompt.
const queryTemplate = `Write a web search query for the question below. Reply with the query only: no quotes, no explanation, at most 8 words.

Question:
%s

Query:`

// SearchQueryPrompt returns the search-query generation prompt.
func SearchQueryPrompt(prompt string) string {
	return fmt.Sprintf(queryTemplate, prompt)
}
