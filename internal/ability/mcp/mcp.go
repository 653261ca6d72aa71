// Package mcp discovers tools exposed by external MCP (Model Context
// Protocol) servers and registers them as abilities. Discovered tools are
// named mcp__<server>__<tool> so they never collide with built-in
// abilities or with each other.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/poseylabs/posey/internal/ability"
	"github.com/poseylabs/posey/internal/config"
)

// Prefix is the namespace every MCP-backed ability name starts with.
const Prefix = "mcp__"

// Tool adapts one MCP server tool to ability.Ability.
type Tool struct {
	name         string
	description  string
	inputSchema  map[string]any
	client       mcpclient.MCPClient
	originalName string
	serverName   string
	logger       *slog.Logger
}

var _ ability.Ability = (*Tool)(nil)

func (t *Tool) Name() string                { return t.name }
func (t *Tool) Description() string         { return t.description }
func (t *Tool) InputSchema() map[string]any { return t.inputSchema }

// Server is the configured name of the MCP server providing the tool.
func (t *Tool) Server() string { return t.serverName }

func (t *Tool) Validate(params map[string]any) error {
	required, _ := t.inputSchema["required"].([]any)
	for _, r := range required {
		key, ok := r.(string)
		if !ok {
			continue
		}
		if _, exists := params[key]; !exists {
			return fmt.Errorf("missing required parameter: %s", key)
		}
	}
	return nil
}

func (t *Tool) Execute(ctx context.Context, params map[string]any) (*ability.Result, error) {
	t.logger.InfoContext(ctx, "mcp tool executing",
		slog.String("server", t.serverName),
		slog.String("tool", t.originalName),
	)

	req := mcp.CallToolRequest{}
	req.Params.Name = t.originalName
	req.Params.Arguments = params

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call %s/%s: %w", t.serverName, t.originalName, err)
	}

	return &ability.Result{
		Output:  ability.TruncateOutput(formatContent(res.Content), ability.MaxOutputBytes),
		Success: !res.IsError,
		Metadata: map[string]any{
			"mcp_server":    t.serverName,
			"mcp_tool":      t.originalName,
			"content_items": len(res.Content),
		},
	}, nil
}

// formatContent joins MCP content items into one string. Non-text items
// (image, audio, resource) are rendered as JSON.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
			continue
		}
		data, _ := json.Marshal(c)
		sb.Write(data)
	}
	return sb.String()
}

// Bridge owns MCP client connections for the life of the process.
type Bridge struct {
	logger  *slog.Logger
	version string

	mu      sync.Mutex
	clients []mcpclient.MCPClient
}

// NewBridge creates a bridge. version is reported to servers during the
// initialize handshake.
func NewBridge(version string, logger *slog.Logger) *Bridge {
	if version == "" {
		version = "dev"
	}
	return &Bridge{logger: logger, version: version}
}

// ConnectAndDiscover connects to one server, performs the initialize
// handshake and returns its tools.
func (b *Bridge) ConnectAndDiscover(ctx context.Context, cfg config.MCPServerConfig) ([]*Tool, error) {
	c, err := createClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating mcp client for %q: %w", cfg.Name, err)
	}
	tools, err := b.Attach(ctx, cfg.Name, c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	b.logger.InfoContext(ctx, "mcp server connected",
		slog.String("server", cfg.Name),
		slog.String("transport", cfg.Transport),
		slog.Int("tools_discovered", len(tools)),
	)
	return tools, nil
}

// Attach initializes an already started client and discovers its tools.
// The bridge takes ownership of c.
func (b *Bridge) Attach(ctx context.Context, server string, c mcpclient.MCPClient) ([]*Tool, error) {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "posey", Version: b.version}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("mcp initialize for %q: %w", server, err)
	}

	list, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp list tools for %q: %w", server, err)
	}

	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()

	tools := make([]*Tool, 0, len(list.Tools))
	for _, t := range list.Tools {
		tools = append(tools, &Tool{
			name:         Prefix + server + "__" + t.Name,
			description:  fmt.Sprintf("[MCP:%s] %s", server, t.Description),
			inputSchema:  convertInputSchema(t.InputSchema),
			client:       c,
			originalName: t.Name,
			serverName:   server,
			logger:       b.logger,
		})
	}
	return tools, nil
}

// RegisterAll connects to every configured server and registers the
// discovered tools. A server that fails to connect is logged and skipped.
// Names already present in reg are skipped too. It returns the names it
// registered.
func (b *Bridge) RegisterAll(ctx context.Context, reg *ability.Registry, servers []config.MCPServerConfig) []string {
	var names []string
	for _, srv := range servers {
		tools, err := b.ConnectAndDiscover(ctx, srv)
		if err != nil {
			b.logger.WarnContext(ctx, "mcp server unavailable",
				slog.String("server", srv.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		names = append(names, Register(reg, tools, b.logger)...)
	}
	return names
}

// Register adds tools to reg, skipping names that are already taken.
func Register(reg *ability.Registry, tools []*Tool, logger *slog.Logger) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if reg.Has(t.Name()) {
			logger.Warn("mcp tool name already registered", slog.String("ability", t.Name()))
			continue
		}
		reg.Register(t)
		names = append(names, t.Name())
	}
	return names
}

// Close shuts down every client the bridge owns.
func (b *Bridge) Close() {
	b.mu.Lock()
	clients := b.clients
	b.clients = nil
	b.mu.Unlock()

	for _, c := range clients {
		if err := c.Close(); err != nil {
			b.logger.Error("closing mcp client", slog.String("error", err.Error()))
		}
	}
}

// createClient builds a client for the configured transport. The stdio
// client spawns its subprocess on construction; the network transports are
// started explicitly.
func createClient(ctx context.Context, cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	var (
		c   *mcpclient.Client
		err error
	)
	switch cfg.Transport {
	case "stdio", "":
		return mcpclient.NewStdioMCPClient(cfg.Command, envList(cfg.Env), cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		c, err = mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err = mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("starting %s transport: %w", cfg.Transport, err)
	}
	return c, nil
}

func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	typ := schema.Type
	if typ == "" {
		typ = "object"
	}
	out := map[string]any{"type": typ}
	if schema.Properties != nil {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		req := make([]any, len(schema.Required))
		for i, r := range schema.Required {
			req[i] = r
		}
		out["required"] = req
	}
	return out
}

// envList turns KEY→value into KEY=value pairs. Values were already
// expanded when the config was loaded.
func envList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
