package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/zorxido-ai/zorxido/config"
)

// ErrTransient marks upstream failures that were retried and still failed.
// Callers decide whether to degrade or surface the error.
var ErrTransient = errors.New("transient upstream failure")

// GenerateRequest describes one generation call.
type GenerateRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// GenerateResult carries the model output plus token accounting.
type GenerateResult struct {
	Text             string
	PromptTokens     int64
	CompletionTokens int64
}

// TotalTokens returns prompt plus completion tokens.
func (r GenerateResult) TotalTokens() int64 {
	return r.PromptTokens + r.CompletionTokens
}

// Provider is the contract for generation and embedding backends.
// Every method is I/O-bound and honours context cancellation.
type Provider interface {
	// Generate produces a complete response in one call.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)

	// GenerateStream produces a response incrementally, invoking onDelta for
	// each text fragment in emission order. A non-nil error from onDelta
	// aborts the stream. The returned result holds the concatenated text.
	GenerateStream(ctx context.Context, req GenerateRequest, onDelta func(delta string) error) (GenerateResult, error)

	// Embed returns one vector per input text.
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)
}

// NewProvider builds the configured provider. Only OpenAI-compatible APIs are
// supported; the base URL can point at any compatible server.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key not configured (llm.api_key or OPENAI_API_KEY)")
	}
	return newOpenAIProvider(cfg), nil
}
