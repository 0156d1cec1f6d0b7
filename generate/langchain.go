package generate

import (
	"context"
	"errors"

	"github.com/smallnest/ragbuild/rag/assembler"
	"github.com/tmc/langchaingo/llms"
)

// LangChainGenerator generates content with any langchaingo model.
type LangChainGenerator struct {
	model       llms.Model
	temperature float64
	maxTokens   int
}

var _ Generator = (*LangChainGenerator)(nil)

// NewLangChainGenerator wraps a langchaingo model.
func NewLangChainGenerator(model llms.Model) *LangChainGenerator {
	return &LangChainGenerator{
		model:       model,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
	}
}

// Generate implements Generator
func (g *LangChainGenerator) Generate(ctx context.Context, payload *assembler.ContextPayload, instructions string) (*Result, error) {
	if err := validate(instructions); err != nil {
		return nil, err
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, BuildPrompt(payload, instructions)),
	}
	resp, err := g.model.GenerateContent(ctx, messages,
		llms.WithTemperature(g.temperature),
		llms.WithMaxTokens(g.maxTokens),
	)
	if err != nil {
		return nil, Classify("langchain", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: "langchain", Err: errors.New("no choices in response")}
	}

	choice := resp.Choices[0]
	res := &Result{Content: StripFences(choice.Content)}
	res.Usage.PromptTokens = intInfo(choice.GenerationInfo, "PromptTokens")
	res.Usage.CompletionTokens = intInfo(choice.GenerationInfo, "CompletionTokens")
	if choice.StopReason == "length" {
		res.Warnings = append(res.Warnings, "generation stopped at the token limit")
	}
	return res, nil
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
