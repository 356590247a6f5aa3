// Package openai adapts github.com/openai/openai-go/v2 to the llm.Provider
// port: chat, structured output (JSON schema response format), and
// embeddings. Grounded in this corpus's OpenAI client construction
// idiom (option.WithAPIKey/WithBaseURL/WithHTTPClient), stripped of
// streaming, tool-calling, and self-hosted-server fallbacks, which
// LoreSmith's extraction/summarization workload has no use for.
package openai

import (
	"context"
	"encoding/json"
	"net/http"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/llm"
	"github.com/ofisk/loresmith/internal/observability"
)

type Client struct {
	sdk            sdk.Client
	chatModel      string
	embeddingModel string
}

func New(cfg config.OpenAIConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithHTTPClient(httpClient)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		sdk:            sdk.NewClient(opts...),
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
	}
}

func toSDKMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

func (c *Client) Chat(ctx context.Context, msgs []llm.Message, model string) (string, error) {
	if model == "" {
		model = c.chatModel
	}
	log := observability.LoggerWithTrace(ctx)
	comp, err := c.sdk.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: toSDKMessages(msgs),
	})
	if err != nil {
		log.Error().Err(err).Str("model", model).Msg("openai_chat_error")
		return "", errs.Transient("openai_chat", err)
	}
	if len(comp.Choices) == 0 {
		return "", errs.Transient("openai_chat", errNoChoices)
	}
	return comp.Choices[0].Message.Content, nil
}

var errNoChoices = jsonErr("openai returned no choices")

type jsonErr string

func (e jsonErr) Error() string { return string(e) }

// StructuredOutput asks for a JSON object conforming to schema via the
// Chat Completions JSON-schema response format, then validates the
// result with the caller's jsonschema-go validator (internal/llm does
// the validation; this adapter only has to request and return JSON).
func (c *Client) StructuredOutput(ctx context.Context, msgs []llm.Message, model string, schema map[string]any) ([]byte, error) {
	if model == "" {
		model = c.chatModel
	}
	log := observability.LoggerWithTrace(ctx)
	schemaParam := shared.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   "structured_output",
		Schema: schema,
		Strict: sdk.Bool(true),
	}
	comp, err := c.sdk.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: toSDKMessages(msgs),
		ResponseFormat: sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{JSONSchema: schemaParam},
		},
	})
	if err != nil {
		log.Error().Err(err).Str("model", model).Msg("openai_structured_output_error")
		return nil, errs.Transient("openai_structured_output", err)
	}
	if len(comp.Choices) == 0 {
		return nil, errs.Transient("openai_structured_output", errNoChoices)
	}
	content := comp.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		return nil, errs.Validationf("structured_output", "model did not return valid json: %s", content)
	}
	return []byte(content), nil
}

func (c *Client) Embed(ctx context.Context, texts []string, model string) ([]llm.EmbedResult, error) {
	if model == "" {
		model = c.embeddingModel
	}
	if len(texts) == 0 {
		return nil, nil
	}
	log := observability.LoggerWithTrace(ctx)
	resp, err := c.sdk.Embeddings.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(model),
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		log.Error().Err(err).Str("model", model).Int("count", len(texts)).Msg("openai_embed_error")
		return nil, errs.Transient("openai_embed", err)
	}
	out := make([]llm.EmbedResult, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = llm.EmbedResult{Vector: vec}
	}
	return out, nil
}

var _ llm.Provider = (*Client)(nil)
