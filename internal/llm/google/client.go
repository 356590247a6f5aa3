// Package google adapts google.golang.org/genai to the llm.Provider
// port. Gemini is wired as a chat-only alternate per SPEC_FULL.md:
// StructuredOutput and Embed both return a validation error rather
// than attempting a lesser-supported code path.
package google

import (
	"context"

	"google.golang.org/genai"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/llm"
	"github.com/ofisk/loresmith/internal/observability"
)

type Client struct {
	client *genai.Client
	model  string
}

func New(ctx context.Context, cfg config.GoogleConfig) (*Client, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, errs.Fatal("google_client_init", err)
	}
	return &Client{client: c, model: cfg.Model}, nil
}

func toContents(msgs []llm.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}
	return out
}

func (c *Client) Chat(ctx context.Context, msgs []llm.Message, model string) (string, error) {
	if model == "" {
		model = c.model
	}
	log := observability.LoggerWithTrace(ctx)
	resp, err := c.client.Models.GenerateContent(ctx, model, toContents(msgs), nil)
	if err != nil {
		log.Error().Err(err).Str("model", model).Msg("google_chat_error")
		return "", errs.Transient("google_chat", err)
	}
	return resp.Text(), nil
}

func (c *Client) StructuredOutput(ctx context.Context, msgs []llm.Message, model string, schema map[string]any) ([]byte, error) {
	return nil, errs.Validationf("structured_output", "google provider is chat-only")
}

func (c *Client) Embed(ctx context.Context, texts []string, model string) ([]llm.EmbedResult, error) {
	return nil, errs.Validationf("embed", "google provider is chat-only")
}

var _ llm.Provider = (*Client)(nil)
