// Package llm is the generative completion capability used by the remote
// semantic scorer.
package llm

import (
	"context"
	"errors"
)

// ErrTimeout is returned when a completion did not finish within its budget.
var ErrTimeout = errors.New("llm: completion timed out")

// Message is a chat message in a provider-agnostic format.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Option sets optional request parameters.
type Option func(*Options)

// Options are per-request overrides.
type Options struct {
	Temperature float64
	MaxTokens   int
	Model       string
}

func WithTemperature(temp float64) Option {
	return func(o *Options) {
		o.Temperature = temp
	}
}

func WithMaxTokens(n int) Option {
	return func(o *Options) {
		o.MaxTokens = n
	}
}

func WithModel(model string) Option {
	return func(o *Options) {
		o.Model = model
	}
}

// Completer sends a chat history to a model and returns its reply text.
// The deadline of ctx is the call budget.
type Completer interface {
	Complete(ctx context.Context, history []Message, opts ...Option) (string, error)
}
