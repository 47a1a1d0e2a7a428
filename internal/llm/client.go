// Package llm talks to text-generation services. Each provider turns a
// provider-neutral Request into its own wire format; Router picks the
// provider for a model and exposes the prompt-in, text-out contract the
// agent and analyzer depend on.
package llm

import (
	"context"
	"errors"
)

// Client is the interface every provider implements.
type Client interface {
	// Chat sends a generation request and returns the full response.
	Chat(ctx context.Context, req Request) (*Response, error)

	// Ping checks that the provider is reachable and configured.
	Ping(ctx context.Context) error
}

// Generator is the minimal contract: a prompt with an optional system
// prompt in, generated text out.
type Generator interface {
	Generate(ctx context.Context, prompt, system string) (string, error)
}

// ErrNoProvider is returned when no provider is configured for a model.
var ErrNoProvider = errors.New("no provider configured")
