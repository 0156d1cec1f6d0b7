package generate

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"
	"github.com/smallnest/ragbuild/rag/assembler"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = openai.GPT4oMini

// OpenAIConfig configures an OpenAIGenerator.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIGenerator calls the chat completions endpoint of OpenAI or any
// compatible service.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

var _ Generator = (*OpenAIGenerator)(nil)

// NewOpenAIGenerator creates a generator.
func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
	}
}

// Generate implements Generator
func (g *OpenAIGenerator) Generate(ctx context.Context, payload *assembler.ContextPayload, instructions string) (*Result, error) {
	if err := validate(instructions); err != nil {
		return nil, err
	}
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(payload, instructions)},
		},
	})
	if err != nil {
		return nil, Classify("openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Err: errors.New("no choices in response")}
	}

	choice := resp.Choices[0]
	res := &Result{
		Content: StripFences(choice.Message.Content),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	if choice.FinishReason == openai.FinishReasonLength {
		res.Warnings = append(res.Warnings, "generation stopped at the token limit")
	}
	return res, nil
}
