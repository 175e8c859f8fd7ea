package provider

import "context"

// Options are per-call generation parameters.
type Options struct {
	Temperature *float64
	MaxTokens   int
}

// Generation is the text produced by a provider plus its token cost.
type Generation struct {
	Content    string `json:"content"`
	TokenUsage int    `json:"token_usage"`
	Model      string `json:"model,omitempty"`
}

// ContentProvider generates text for PROMPT steps.
type ContentProvider interface {
	Generate(ctx context.Context, model, prompt string, opts Options) (*Generation, error)
}
