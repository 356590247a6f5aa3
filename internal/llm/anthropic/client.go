// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to
// the llm.Provider port. Structured output has no native JSON-schema
// response format on this API, so it is implemented as a single
// forced tool call whose input schema is the caller's schema — the
// same trick this corpus's agent tooling uses for schema-constrained
// output.
package anthropic

import (
	"context"
	"encoding/json"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/errs"
	"github.com/ofisk/loresmith/internal/llm"
	"github.com/ofisk/loresmith/internal/observability"
)

type Client struct {
	sdk   sdk.Client
	model string
}

func New(cfg config.AnthropicConfig) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{sdk: sdk.NewClient(opts...), model: cfg.Model}
}

func toSDKMessages(msgs []llm.Message) ([]sdk.MessageParam, string) {
	var system string
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	return out, system
}

const maxTokens = 4096

func (c *Client) Chat(ctx context.Context, msgs []llm.Message, model string) (string, error) {
	if model == "" {
		model = c.model
	}
	sdkMsgs, system := toSDKMessages(msgs)
	log := observability.LoggerWithTrace(ctx)
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  sdkMsgs,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", model).Msg("anthropic_chat_error")
		return "", errs.Transient("anthropic_chat", err)
	}
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}

// StructuredOutput forces a single tool call named "emit_result" whose
// input schema is the caller-supplied schema, then returns the tool
// call's input verbatim as the structured JSON result.
func (c *Client) StructuredOutput(ctx context.Context, msgs []llm.Message, model string, schema map[string]any) ([]byte, error) {
	if model == "" {
		model = c.model
	}
	sdkMsgs, system := toSDKMessages(msgs)
	log := observability.LoggerWithTrace(ctx)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  sdkMsgs,
		Tools: []sdk.ToolUnionParam{
			{OfTool: &sdk.ToolParam{
				Name:        "emit_result",
				Description: sdk.String("Emit the extracted structured result."),
				InputSchema: sdk.ToolInputSchemaParam{Properties: schema["properties"], Required: toAnySlice(schema["required"])},
			}},
		},
		ToolChoice: sdk.ToolChoiceUnionParam{OfTool: &sdk.ToolChoiceToolParam{Name: "emit_result"}},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", model).Msg("anthropic_structured_output_error")
		return nil, errs.Transient("anthropic_structured_output", err)
	}
	for _, block := range resp.Content {
		if block.Type == "tool_use" && block.Name == "emit_result" {
			raw, err := json.Marshal(block.Input)
			if err != nil {
				return nil, errs.Validation("structured_output", err)
			}
			return raw, nil
		}
	}
	return nil, errs.Validationf("structured_output", "model did not call emit_result")
}

func toAnySlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Embed is unsupported: Anthropic does not offer an embeddings API.
func (c *Client) Embed(ctx context.Context, texts []string, model string) ([]llm.EmbedResult, error) {
	return nil, errs.Validationf("embed", "anthropic provider does not support embeddings")
}

var _ llm.Provider = (*Client)(nil)
