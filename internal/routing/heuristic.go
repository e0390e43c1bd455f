package routing

import "strings"

// explicitSearchPhrases short-circuit routing: the user asked for a
// search in so many words, so no classifier runs and the heuristic
// never gets a veto.
var explicitSearchPhrases = []string{
	"search the web",
	"search online",
	"search for",
	"web search",
	"look up",
	"look it up",
	"google",
}

func matchesExplicitSearch(prompt string) bool {
	p := strings.ToLower(prompt)
	for _, phrase := range explicitSearchPhrases {
		if strings.Contains(p, phrase) {
			return true
		}
	}
	return false
}

// conversationalPhrases mark greetings and small talk. A match forces
// infoSeeking=false regardless of other signals.
var conversationalPhrases = []string{
	"hello", "hi", "hey", "good morning", "good evening", "good night",
	"how are you", "how's it going", "what's up",
	"thanks", "thank you", "ok", "okay", "got it", "sounds good",
	"bye", "goodbye", "see you",
}

func isConversational(prompt string) bool {
	p := strings.ToLower(strings.TrimSpace(prompt))
	p = strings.Trim(p, ".!?,")
	if p == "" {
		return true
	}
	for _, phrase := range conversationalPhrases {
		if p == phrase || strings.HasPrefix(p, phrase+" ") || strings.HasPrefix(p, phrase+",") {
			return true
		}
	}
	// Very short non-question prompts are acknowledgments, not queries.
	if len(strings.Fields(p)) <= 2 && !strings.Contains(p, "?") {
		return true
	}
	return false
}

// questionWords suggest an information-seeking prompt.
var questionWords = []string{
	"who", "what", "when", "where", "why", "how", "which",
	"is", "are", "was", "were", "does", "do", "did", "can", "could",
	"should", "will", "would",
}

// webTriggerPhrases suggest the answer needs current or external data.
var webTriggerPhrases = []string{
	"latest", "current", "today", "tonight", "this week", "right now",
	"news", "price", "prices", "weather", "forecast", "score",
	"exchange rate", "stock", "release date", "near me", "open now",
}

// emotionalPhrases mark prompts that want support, not facts.
var emotionalPhrases = []string{
	"i feel", "i'm feeling", "i am feeling", "i'm sad", "i'm happy",
	"i'm worried", "i'm anxious", "i'm stressed", "i'm tired",
}

// heuristicClassify is the deterministic lexical fallback. It produces
// the same shape as the classifier with a fixed middle confidence.
func heuristicClassify(prompt string) classification {
	p := strings.ToLower(strings.TrimSpace(prompt))

	cls := classification{
		Confidence: 0.5,
		Reason:     "heuristic",
		Source:     SourceHeuristic,
	}

	if isConversational(p) {
		return cls
	}

	for _, phrase := range emotionalPhrases {
		if strings.Contains(p, phrase) {
			return cls
		}
	}

	for _, phrase := range webTriggerPhrases {
		if strings.Contains(p, phrase) {
			cls.InfoSeeking = true
			cls.NeedsWeb = true
			return cls
		}
	}

	if strings.Contains(p, "?") {
		cls.InfoSeeking = true
		return cls
	}
	first := p
	if i := strings.IndexAny(p, " \t"); i > 0 {
		first = p[:i]
	}
	for _, w := range questionWords {
		if first == w {
			cls.InfoSeeking = true
			return cls
		}
	}

	return cls
}
