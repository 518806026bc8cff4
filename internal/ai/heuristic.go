package ai

import (
	"fmt"
	"regexp"
	"strings"
)

// Local fallback strategies used when the model is unavailable. Kept as
// explicit, separately testable functions rather than inlined into the
// pipeline control flow.

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// stopwords are dropped before overlap scoring; they carry no intent.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "if": {},
	"in": {}, "on": {}, "at": {}, "to": {}, "of": {}, "for": {}, "with": {},
	"is": {}, "are": {}, "was": {}, "be": {}, "it": {}, "this": {}, "that": {},
	"i": {}, "you": {}, "we": {}, "they": {}, "my": {}, "your": {}, "me": {},
	"do": {}, "does": {}, "have": {}, "has": {}, "not": {}, "no": {}, "so": {},
}

func tokenize(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if len(w) < 3 {
			continue
		}
		if _, skip := stopwords[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// KeywordOverlap scores message against intent by token overlap: the
// fraction of intent tokens present in the message, 0-1.
func KeywordOverlap(message, intent string) Score {
	intentTokens := tokenize(intent)
	if len(intentTokens) == 0 {
		return Score{Value: 0, Origin: OriginHeuristic}
	}
	messageTokens := tokenize(message)
	hits := 0
	for w := range intentTokens {
		if _, ok := messageTokens[w]; ok {
			hits++
		}
	}
	return Score{
		Value:  float64(hits) / float64(len(intentTokens)),
		Origin: OriginHeuristic,
	}
}

// boilerplate phrases a generated reply must never contain. A draft that
// trips one is rejected and regenerated once.
var boilerplate = []string{
	"as an ai",
	"as a language model",
	"i'm an ai",
	"i am an ai",
	"i'm here to help",
	"i am here to help",
	"how can i assist",
	"i cannot assist",
	"feel free to ask",
	"hope this helps",
	"don't hesitate to",
}

// IsBoilerplate reports whether a draft contains disallowed assistant
// phrasing.
func IsBoilerplate(reply string) bool {
	lower := strings.ToLower(reply)
	for _, phrase := range boilerplate {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// ExtractKeyword picks the longest non-stopword token from a message,
// used to anchor the templated last-resort reply.
func ExtractKeyword(message string) string {
	best := ""
	for w := range tokenize(message) {
		if len(w) > len(best) {
			best = w
		}
	}
	return best
}

// TemplateReply builds the minimal fallback reply used when generation
// ultimately fails.
func TemplateReply(message string) string {
	keyword := ExtractKeyword(message)
	if keyword == "" {
		return "Interesting, tell me more?"
	}
	return fmt.Sprintf("Interesting point about %s, can you tell me more?", keyword)
}
