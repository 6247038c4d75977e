package llm

import (
	"context"
)

// LLM is the completion interface the analysis stages program against.
// Implementations wrap a concrete provider; callers treat the model as
// an opaque text-in text-out function.
type LLM interface {
	Generate(ctx context.Context, prompt string, opts ...Option) (string, error)
}

// Option defines functional options for a single generation call.
type Option func(*Options)

// Options holds per-call generation settings. Zero values fall back to
// the client's configured defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
	Model       string
}

// WithTemperature sets the sampling temperature for generation.
func WithTemperature(temp float64) Option {
	return func(o *Options) {
		o.Temperature = temp
	}
}

// WithMaxTokens sets the maximum tokens for generation.
func WithMaxTokens(tokens int) Option {
	return func(o *Options) {
		o.MaxTokens = tokens
	}
}

// WithModel overrides the model for this call.
func WithModel(model string) Option {
	return func(o *Options) {
		o.Model = model
	}
}
