// Package llm wraps AI model calls with an ordered fallback list, per-model
// circuit breakers, an overall deadline and best-effort usage accounting.
package llm

import (
	"context"
	"fmt"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request is a provider-neutral completion request for one model.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

// Usage is the token accounting of one response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a complete model answer.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Provider sends one request to one model and blocks until the full
// response is available.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ProviderError is a non-2xx answer from a model API.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether the provider throttled the request.
func (e *ProviderError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req Request) (*Response, error)

func (f ProviderFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
