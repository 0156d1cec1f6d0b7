package generate

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallnest/ragbuild/log"
	"github.com/smallnest/ragbuild/rag/assembler"
)

// NamedGenerator is a generator with the provider name used in logs and
// error classification.
type NamedGenerator struct {
	Name      string
	Generator Generator
}

// FallbackGenerator tries its providers in order. A provider that fails
// with a rate limit or a retryable provider error hands the request to the
// next one; a validation error or a cancelled context ends the request,
// since no other provider can do better.
type FallbackGenerator struct {
	providers []NamedGenerator
	logger    log.Logger
}

var _ Generator = (*FallbackGenerator)(nil)

// NewFallbackGenerator creates a FallbackGenerator. The first provider is
// the preferred one.
func NewFallbackGenerator(logger log.Logger, providers ...NamedGenerator) *FallbackGenerator {
	return &FallbackGenerator{
		providers: providers,
		logger:    log.OrDefault(logger),
	}
}

// Generate implements Generator
func (f *FallbackGenerator) Generate(ctx context.Context, payload *assembler.ContextPayload, instructions string) (*Result, error) {
	if len(f.providers) == 0 {
		return nil, errors.New("no generation providers configured")
	}
	var lastErr error
	for i, p := range f.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := p.Generator.Generate(ctx, payload, instructions)
		if err == nil {
			if i > 0 {
				f.logger.Info("generation served by fallback provider %s", p.Name)
				res.Warnings = append(res.Warnings, fmt.Sprintf("generated by fallback provider %s", p.Name))
			}
			return res, nil
		}

		err = Classify(p.Name, err)
		if ctx.Err() != nil || !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		if i < len(f.providers)-1 {
			f.logger.Warn("generation provider %s failed, trying %s: %v", p.Name, f.providers[i+1].Name, err)
		}
	}
	return nil, fmt.Errorf("all %d generation providers failed: %w", len(f.providers), lastErr)
}
