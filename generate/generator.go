package generate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/smallnest/ragbuild/rag/assembler"
)

// Usage is the token accounting of one generation request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Result is generated content.
type Result struct {
	Content  string   `json:"content"`
	Usage    Usage    `json:"usage"`
	Warnings []string `json:"warnings,omitempty"`
}

// Generator turns assembled context and instructions into content.
type Generator interface {
	Generate(ctx context.Context, payload *assembler.ContextPayload, instructions string) (*Result, error)
}

// GeneratorFunc is a function adapter for Generator
type GeneratorFunc func(ctx context.Context, payload *assembler.ContextPayload, instructions string) (*Result, error)

// Generate implements the Generator interface
func (f GeneratorFunc) Generate(ctx context.Context, payload *assembler.ContextPayload, instructions string) (*Result, error) {
	return f(ctx, payload, instructions)
}

// Sampling defaults shared by the model-backed providers.
const (
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 4000
)

const systemPrompt = `You are a senior software engineer executing one step of an automated build.
Produce only the requested file content: no explanations, no surrounding markdown fences.
Follow the conventions shown in the reference material when it is relevant.`

// BuildPrompt renders the user message sent to a model.
func BuildPrompt(payload *assembler.ContextPayload, instructions string) string {
	var b strings.Builder
	if !payload.Empty() {
		b.WriteString("Reference material from the build document:\n\n")
		b.WriteString(payload.Text)
	}
	b.WriteString("Task:\n")
	b.WriteString(strings.TrimSpace(instructions))
	b.WriteString("\n")
	return b.String()
}

// StripFences removes a single markdown code fence wrapping the whole reply.
func StripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") || len(t) < 6 {
		return s
	}
	t = strings.TrimSuffix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	} else {
		return s
	}
	return strings.TrimRight(t, "\n") + "\n"
}

func validate(instructions string) error {
	if strings.TrimSpace(instructions) == "" {
		return &ValidationError{Reason: "empty instructions"}
	}
	return nil
}

// StubGenerator produces deterministic content without a model. The output
// names the instructions digest and the context chunks it was given.
type StubGenerator struct {
	// Template, when set, is formatted with the instructions.
	Template string
}

var _ Generator = (*StubGenerator)(nil)

// Generate implements Generator
func (s *StubGenerator) Generate(ctx context.Context, payload *assembler.ContextPayload, instructions string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validate(instructions); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(instructions))
	var content string
	if s.Template != "" {
		content = fmt.Sprintf(s.Template, instructions)
	} else {
		content = fmt.Sprintf("// generated %s\n// task: %s\n", hex.EncodeToString(sum[:6]), strings.TrimSpace(instructions))
		if !payload.Empty() {
			content += "// context: " + strings.Join(payload.ChunkIDs(), ", ") + "\n"
		}
	}
	var warnings []string
	if payload.Empty() {
		warnings = append(warnings, "generated without retrieved context")
	}
	return &Result{
		Content: content,
		Usage: Usage{
			PromptTokens:     len(BuildPrompt(payload, instructions)) / 4,
			CompletionTokens: len(content) / 4,
		},
		Warnings: warnings,
	}, nil
}
