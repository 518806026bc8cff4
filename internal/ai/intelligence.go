// Package ai is the text-intelligence boundary: relevance classification
// and reply generation. The langchaingo-backed connector is the primary
// implementation; the heuristic fallback keeps the pipeline degrading
// gracefully instead of stalling when the model is unavailable.
package ai

import (
	"context"
)

// ScoreOrigin tags which strategy produced a relevance score.
type ScoreOrigin string

const (
	// OriginModel means the score came from the classification model,
	// on a 0-10 scale.
	OriginModel ScoreOrigin = "model"
	// OriginHeuristic means the local keyword-overlap fallback produced
	// the score, on a 0-1 scale.
	OriginHeuristic ScoreOrigin = "heuristic"
)

// Score is a tagged relevance result. Callers threshold by origin:
// model scores against ModelThreshold, heuristic ones against
// HeuristicThreshold.
type Score struct {
	Value  float64     `json:"value"`
	Origin ScoreOrigin `json:"origin"`
}

// Default thresholds above which a message authorizes a response.
const (
	ModelThreshold     = 7.0
	HeuristicThreshold = 0.34
)

// Relevant reports whether the score clears its origin's threshold.
func (s Score) Relevant() bool {
	switch s.Origin {
	case OriginHeuristic:
		return s.Value >= HeuristicThreshold
	default:
		return s.Value >= ModelThreshold
	}
}

// Intelligence is the external text-classification/generation capability.
// Both methods are fallible; callers fall back to the local heuristics in
// this package rather than propagating failures as task errors.
type Intelligence interface {
	// ClassifyRelevance scores how well message matches the tenant's
	// configured intent, 0-10.
	ClassifyRelevance(ctx context.Context, message, intent string) (Score, error)

	// GenerateReply drafts a reply to message constrained by the intent
	// prompt and the requested style.
	GenerateReply(ctx context.Context, message, intent, style string) (string, error)
}
