package ai

import (
	"context"
	"errors"
)

// ErrNoProvider is returned by Offline for every call.
var ErrNoProvider = errors.New("ai: no model provider configured")

// Offline is the Intelligence used when no model provider is configured.
// Every call fails so callers engage their local fallbacks: keyword
// overlap for classification, the templated reply for generation.
type Offline struct{}

func (Offline) ClassifyRelevance(ctx context.Context, message, intent string) (Score, error) {
	return Score{}, ErrNoProvider
}

func (Offline) GenerateReply(ctx context.Context, message, intent, style string) (string, error) {
	return "", ErrNoProvider
}
