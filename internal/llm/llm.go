// Package llm is the provider-agnostic LLM port: plain chat completion,
// schema-validated structured output (entity/relationship extraction),
// and text embeddings. Every call takes a context.Context and returns a
// typed errs error so callers can distinguish retryable failures from
// permanent ones.
package llm

import (
	"context"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// EmbedResult is one embedding vector alongside whether it came from
// the real provider or the deterministic sine-wave fallback used when
// the provider call ultimately fails after retries.
type EmbedResult struct {
	Vector   []float32
	Fallback bool
}

// Provider is the port every LLM-backed component depends on.
type Provider interface {
	// Chat returns the assistant's reply to msgs.
	Chat(ctx context.Context, msgs []Message, model string) (string, error)

	// StructuredOutput returns a JSON value conforming to schema. Only
	// the OpenAI and Anthropic providers support this; Google/Gemini is
	// chat-only (see SPEC_FULL.md's wiring note) and returns
	// errs.Validation when asked for structured output.
	StructuredOutput(ctx context.Context, msgs []Message, model string, schema map[string]any) ([]byte, error)

	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string, model string) ([]EmbedResult, error)
}
