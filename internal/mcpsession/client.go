// Package mcpsession is the client side of the MCP/WebSocket session
// layer SPEC_FULL.md §9 names as an out-of-core collaborator: the core
// never implements chat/session storage, it only calls into the
// external session store's {get, put, append_message, list_messages}
// surface. Here that surface is a remote MCP server exposing those
// four operations as tools; this package is the SDK client wiring,
// grounded on this corpus's pkg/mcp client (NewClient/Connect/CallTool
// over a configurable transport, with response text extracted from
// CallToolResult.Content).
package mcpsession

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ofisk/loresmith/internal/config"
	"github.com/ofisk/loresmith/internal/errs"
)

// Store is the §9 session-store contract the Planning Context Service
// consumes to read chat history alongside graph/vector context. The
// core never implements this — Client below only calls it.
type Store interface {
	Get(ctx context.Context, sessionID, key string) (string, error)
	Put(ctx context.Context, sessionID, key, value string) error
	AppendMessage(ctx context.Context, sessionID, role, content string) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// Message is one turn in the external session's chat history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client dispatches Store operations as named-tool calls against one
// MCP session server, reconnecting lazily on first use.
type Client struct {
	cfg     config.MCPSessionConfig
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
}

// New constructs a Client; it does not connect until the first call,
// so a disabled or unreachable session layer never blocks startup.
func New(cfg config.MCPSessionConfig) *Client {
	return &Client{
		cfg: cfg,
		client: mcpsdk.NewClient(&mcpsdk.Implementation{
			Name:    "loresmith",
			Version: "core",
		}, nil),
	}
}

func (c *Client) connect(ctx context.Context) (*mcpsdk.ClientSession, error) {
	if c.session != nil {
		return c.session, nil
	}
	if !c.cfg.Enabled {
		return nil, errs.Validationf("mcp_session", "session layer disabled")
	}
	transport := &mcpsdk.StreamableClientTransport{Endpoint: c.cfg.ServerURL}
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, errs.Transient("mcp_session_connect", err)
	}
	c.session = session
	return session, nil
}

func (c *Client) call(ctx context.Context, tool string, args map[string]any) (string, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return "", err
	}
	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", errs.Transient("mcp_session_call_"+tool, err)
	}
	text := extractText(result)
	if result.IsError {
		return "", errs.Transient("mcp_session_call_"+tool, fmt.Errorf("%s", text))
	}
	return text, nil
}

func extractText(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (c *Client) Get(ctx context.Context, sessionID, key string) (string, error) {
	return c.call(ctx, "session.get", map[string]any{"session_id": sessionID, "key": key})
}

func (c *Client) Put(ctx context.Context, sessionID, key, value string) error {
	_, err := c.call(ctx, "session.put", map[string]any{"session_id": sessionID, "key": key, "value": value})
	return err
}

func (c *Client) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	_, err := c.call(ctx, "session.append_message", map[string]any{
		"session_id": sessionID, "role": role, "content": content,
	})
	return err
}

func (c *Client) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	text, err := c.call(ctx, "session.list_messages", map[string]any{"session_id": sessionID, "limit": limit})
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal([]byte(text), &msgs); err != nil {
		return nil, errs.Validation("mcp_session_list_messages", err)
	}
	return msgs, nil
}

var _ Store = (*Client)(nil)
