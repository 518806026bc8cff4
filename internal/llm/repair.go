// Package llm contains resilience helpers for parsing model output.
// Models return almost-JSON often enough that the classifier would stall
// without a repair pass.
package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// RepairStats records what a repair pass had to do, for diagnostics.
type RepairStats struct {
	Strategies  []string `json:"strategies"`
	WasRepaired bool     `json:"was_repaired"`
}

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingComma   = regexp.MustCompile(`,\s*([}\]])`)
	lineCommentRe   = regexp.MustCompile(`(?m)//[^\n]*$`)
	blockCommentRe  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	firstJSONObject = regexp.MustCompile(`(?s)\{.*\}|\[.*\]`)
)

// ExtractJSON pulls the JSON payload out of a model response: fenced code
// blocks are unwrapped, surrounding prose is stripped.
func ExtractJSON(response string) string {
	if m := fenceRe.FindStringSubmatch(response); m != nil {
		response = m[1]
	}
	if m := firstJSONObject.FindString(response); m != "" {
		return strings.TrimSpace(m)
	}
	return strings.TrimSpace(response)
}

// Repair returns a parseable JSON document derived from raw, applying
// local strategies first and the jsonrepair library as the heavyweight
// fallback.
func Repair(raw string) (string, RepairStats, error) {
	var stats RepairStats
	var probe interface{}

	candidate := ExtractJSON(raw)
	if json.Unmarshal([]byte(candidate), &probe) == nil {
		return candidate, stats, nil
	}
	stats.WasRepaired = true

	if trailingComma.MatchString(candidate) {
		candidate = trailingComma.ReplaceAllString(candidate, "$1")
		stats.Strategies = append(stats.Strategies, "trailing_commas")
	}
	if strings.Contains(candidate, "//") || strings.Contains(candidate, "/*") {
		candidate = blockCommentRe.ReplaceAllString(candidate, "")
		candidate = lineCommentRe.ReplaceAllString(candidate, "")
		stats.Strategies = append(stats.Strategies, "comments_removed")
	}
	if unbalanced(candidate) {
		candidate = closeOpen(candidate)
		stats.Strategies = append(stats.Strategies, "completion")
	}
	if json.Unmarshal([]byte(candidate), &probe) == nil {
		return candidate, stats, nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err == nil && json.Unmarshal([]byte(repaired), &probe) == nil {
		stats.Strategies = append(stats.Strategies, "jsonrepair_library")
		return repaired, stats, nil
	}

	return candidate, stats, fmt.Errorf("response is not repairable JSON")
}

// Decode repairs raw and unmarshals it into out.
func Decode(raw string, out interface{}) (RepairStats, error) {
	repaired, stats, err := Repair(raw)
	if err != nil {
		return stats, err
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return stats, fmt.Errorf("decoding repaired response: %w", err)
	}
	return stats, nil
}

func unbalanced(s string) bool {
	return strings.Count(s, "{") != strings.Count(s, "}") ||
		strings.Count(s, "[") != strings.Count(s, "]")
}

// closeOpen appends missing closers in last-opened-first-closed order.
func closeOpen(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				stack = append(stack, '}')
			}
		case '[':
			if !inString {
				stack = append(stack, ']')
			}
		case '}', ']':
			if !inString && len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}
