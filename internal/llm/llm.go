// Package llm defines the contracts the session engine consumes from text
// generation and translation backends, and the request shape shared by
// every backend implementation.
package llm

import (
	"context"
	"errors"
)

// ErrGenerationFailed classifies every backend failure: transport errors,
// timeouts and empty output.
var ErrGenerationFailed = errors.New("generation failed")

// Role identifies the author of a context message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation context.
type Message struct {
	Role    Role
	Content string
}

// Request is a complete generation call: system framing, prior context,
// and the new input to continue from.
type Request struct {
	System  string
	History []Message
	Input   string
}

// Generator produces the full text continuation for a request. Streaming
// implementations must consume their stream to completion before returning;
// callers never observe partial text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Translator converts text between two BCP 47 language tags.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
