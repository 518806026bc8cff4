package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/herald/internal/llm"
)

// Provider represents an AI provider type
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderOllama Provider = "ollama"
)

// ModelConfig contains the configuration for a specific model
type ModelConfig struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Model       string  `json:"model,omitempty"`
}

// ConnectorOptions contains options for creating a connector
type ConnectorOptions struct {
	Provider    Provider    `json:"provider"`
	APIKey      string      `json:"api_key"`
	BaseURL     string      `json:"base_url,omitempty"`
	ModelConfig ModelConfig `json:"model_config,omitempty"`
}

// Connector implements Intelligence on top of a langchaingo model.
type Connector struct {
	provider Provider
	llm      llms.Model
	options  ConnectorOptions
}

// NewConnector creates a new connector for the specified provider.
func NewConnector(ctx context.Context, options ConnectorOptions) (*Connector, error) {
	var model llms.Model
	var err error

	log.Debug().
		Str("provider", string(options.Provider)).
		Str("model", options.ModelConfig.Model).
		Float64("temperature", options.ModelConfig.Temperature).
		Msg("Creating new connector")

	switch options.Provider {
	case ProviderOpenAI:
		model, err = createOpenAIModel(ctx, options)
	case ProviderGemini:
		model, err = createGeminiModel(ctx, options)
	case ProviderClaude:
		model, err = createAnthropicModel(ctx, options)
	case ProviderOllama:
		model, err = createOllamaModel(ctx, options)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", options.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", options.Provider, err)
	}

	return &Connector{
		provider: options.Provider,
		llm:      model,
		options:  options,
	}, nil
}

// Name returns the provider name.
func (c *Connector) Name() string {
	return string(c.provider)
}

const classifyPrompt = `You rate how relevant a chat message is to a stated interest.

Interest: %s

Message: %s

Respond with strict JSON only, no prose: {"score": <integer 0-10>}
0 means completely unrelated, 10 means a perfect match.`

// ClassifyRelevance asks the model for a 0-10 relevance score and parses
// the JSON answer through the repair layer.
func (c *Connector) ClassifyRelevance(ctx context.Context, message, intent string) (Score, error) {
	prompt := fmt.Sprintf(classifyPrompt, intent, message)

	opts := []llms.CallOption{llms.WithMaxTokens(64)}
	if c.provider == ProviderGemini && c.options.ModelConfig.Model != "" {
		opts = append(opts, llms.WithModel(c.options.ModelConfig.Model))
	}

	response, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt, opts...)
	if err != nil {
		return Score{}, fmt.Errorf("classification call failed: %w", err)
	}

	var parsed struct {
		Score float64 `json:"score"`
	}
	stats, err := llm.Decode(response, &parsed)
	if err != nil {
		return Score{}, fmt.Errorf("classification response unusable: %w", err)
	}
	if stats.WasRepaired {
		log.Debug().
			Strs("strategies", stats.Strategies).
			Msg("classifier JSON needed repair")
	}

	score := parsed.Score
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return Score{Value: score, Origin: OriginModel}, nil
}

const replyPrompt = `You write a single short reply to a chat message, in character.

Who you are and what you care about: %s

Style: %s

Rules:
- at most two sentences
- plain conversational tone, no greetings, no sign-offs
- never mention being an AI, an assistant, or a language model
- reply in the language of the message

Message to reply to: %s

Reply text only.`

// GenerateReply drafts a reply under the strict style/length contract.
func (c *Connector) GenerateReply(ctx context.Context, message, intent, style string) (string, error) {
	if style == "" {
		style = "casual, brief"
	}
	prompt := fmt.Sprintf(replyPrompt, intent, style, message)

	maxTokens := c.options.ModelConfig.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 160
	}
	opts := []llms.CallOption{llms.WithMaxTokens(maxTokens)}
	if c.options.ModelConfig.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(c.options.ModelConfig.Temperature))
	}
	if c.provider == ProviderGemini && c.options.ModelConfig.Model != "" {
		opts = append(opts, llms.WithModel(c.options.ModelConfig.Model))
	}

	response, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt, opts...)
	if err != nil {
		return "", fmt.Errorf("generation call failed: %w", err)
	}

	reply := strings.TrimSpace(response)
	reply = strings.Trim(reply, `"`)
	if reply == "" {
		return "", fmt.Errorf("model returned an empty reply")
	}
	return reply, nil
}

// Helper functions to create models for specific providers

func createOpenAIModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(options.ModelConfig.Model),
		openai.WithToken(options.APIKey),
	}
	if options.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(options.BaseURL))
	}
	return openai.New(opts...)
}

func createGeminiModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	opts := []googleai.Option{
		googleai.WithAPIKey(options.APIKey),
	}
	model, err := googleai.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini model: %w", err)
	}
	return model, nil
}

func createAnthropicModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	opts := []anthropic.Option{
		anthropic.WithToken(options.APIKey),
		anthropic.WithModel(options.ModelConfig.Model),
	}
	return anthropic.New(opts...)
}

func createOllamaModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	opts := []ollama.Option{
		ollama.WithModel(options.ModelConfig.Model),
	}
	if options.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(options.BaseURL))
	}
	return ollama.New(opts...)
}
