package llm

import (
	"context"
	"fmt"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/errs"
)

// Router picks the configured Provider and restricts StructuredOutput
// to providers that actually support it (openai, anthropic — not
// google, which is wired chat-only).
type Router struct {
	provider     Provider
	providerName string
}

func NewRouter(provider Provider, name string) *Router {
	return &Router{provider: provider, providerName: name}
}

func (r *Router) Chat(ctx context.Context, msgs []Message, model string) (string, error) {
	return r.provider.Chat(ctx, msgs, model)
}

func (r *Router) StructuredOutput(ctx context.Context, msgs []Message, model string, schema map[string]any) ([]byte, error) {
	if r.providerName == "google" {
		return nil, errs.Validationf("structured_output", "configured provider %q does not support structured output", r.providerName)
	}
	return r.provider.StructuredOutput(ctx, msgs, model, schema)
}

func (r *Router) Embed(ctx context.Context, texts []string, model string) ([]EmbedResult, error) {
	return r.provider.Embed(ctx, texts, model)
}

var _ Provider = (*Router)(nil)

// ProviderName reports the dispatch target chosen at construction, for
// logging/metrics.
func (r *Router) ProviderName() string { return r.providerName }

// ValidateProviderConfig checks that cfg.Provider names a provider this
// package wires, failing fast at startup rather than at first call.
func ValidateProviderConfig(cfg config.LLMConfig) error {
	switch cfg.Provider {
	case "openai", "anthropic", "google":
		return nil
	default:
		return fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
