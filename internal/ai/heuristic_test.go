package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeywordOverlap(t *testing.T) {
	tests := []struct {
		name    string
		message string
		intent  string
		wantMin float64
		wantMax float64
	}{
		{
			name:    "strong overlap",
			message: "Anyone selling a mountain bike with hydraulic brakes?",
			intent:  "buying and selling mountain bikes, brakes and parts",
			wantMin: 0.4,
			wantMax: 1.0,
		},
		{
			name:    "no overlap",
			message: "What time does the bakery open tomorrow?",
			intent:  "cryptocurrency trading signals",
			wantMin: 0,
			wantMax: 0,
		},
		{
			name:    "empty intent",
			message: "hello there",
			intent:  "",
			wantMin: 0,
			wantMax: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KeywordOverlap(tt.message, tt.intent)
			assert.Equal(t, OriginHeuristic, got.Origin)
			assert.GreaterOrEqual(t, got.Value, tt.wantMin)
			assert.LessOrEqual(t, got.Value, tt.wantMax)
		})
	}
}

func TestScoreRelevant(t *testing.T) {
	assert.True(t, Score{Value: 8, Origin: OriginModel}.Relevant())
	assert.False(t, Score{Value: 6.9, Origin: OriginModel}.Relevant())
	assert.True(t, Score{Value: 0.5, Origin: OriginHeuristic}.Relevant())
	assert.False(t, Score{Value: 0.2, Origin: OriginHeuristic}.Relevant())
}

func TestIsBoilerplate(t *testing.T) {
	assert.True(t, IsBoilerplate("As an AI, I cannot really say."))
	assert.True(t, IsBoilerplate("Sure! Feel free to ask anything else."))
	assert.False(t, IsBoilerplate("Yeah the trailhead parking fills up by 8."))
}

func TestTemplateReply(t *testing.T) {
	reply := TemplateReply("looking for a carburetor for a 1972 beetle")
	assert.Contains(t, reply, "carburetor")

	assert.NotEmpty(t, TemplateReply(""))
}
