package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/config"
)

// mcpCallTimeout is the default per-call timeout for MCP tool execution.
const mcpCallTimeout = 30 * time.Second

const (
	mcpClientName    = "careloop"
	mcpClientVersion = "1.0.0"
)

// MCPBridge connects to MCP servers and exposes their tools as Tool values.
type MCPBridge struct {
	servers []mcpServerConn
	tools   []Tool
	logger  *slog.Logger
}

type mcpServerConn struct {
	name   string
	client mcpClient
}

// mcpClient is the subset of the mcp-go client the bridge uses.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// NewMCPBridge connects to every configured server and discovers its tools.
// Discovery failures on some servers are logged; failing on all is an error.
func NewMCPBridge(ctx context.Context, servers []config.MCPServer, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{logger: logger}

	for _, srv := range servers {
		conn, err := b.connectServer(ctx, srv)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		b.servers = append(b.servers, *conn)
	}

	if err := b.discoverTools(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("discover tools: %w", err)
	}
	return b, nil
}

func newMCPBridgeWithClients(ctx context.Context, servers []mcpServerConn, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{servers: servers, logger: logger}
	if err := b.discoverTools(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MCPBridge) connectServer(ctx context.Context, srv config.MCPServer) (*mcpServerConn, error) {
	var c mcpClient

	switch srv.Transport {
	case "stdio":
		stdio, err := mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = stdio
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		httpClient := mcpclient.NewClient(t)
		if err := httpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = httpClient
	default:
		return nil, domain.NewSubSystemError("config", "MCPBridge.connect", domain.ErrInvalidInput,
			fmt.Sprintf("unsupported transport %q", srv.Transport))
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: mcpClientName, Version: mcpClientVersion}

	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		if _, err := ic.Initialize(ctx, initReq); err != nil {
			c.Close()
			return nil, domain.WrapOp("initialize", err)
		}
	}

	b.logger.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport)
	return &mcpServerConn{name: srv.Name, client: c}, nil
}

func (b *MCPBridge) discoverTools(ctx context.Context) error {
	var errs []error
	ok := 0

	for _, srv := range b.servers {
		result, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp server discovery failed, skipping", "server", srv.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", srv.name, err))
			continue
		}
		for _, t := range result.Tools {
			mt := newMCPTool(srv.name, srv.client, t, b.logger)
			b.tools = append(b.tools, mt)
			b.logger.Debug("mcp tool discovered", "server", srv.name, "tool", t.Name, "full_name", mt.fullName)
		}
		b.logger.Info("mcp tools discovered", "server", srv.name, "count", len(result.Tools))
		ok++
	}

	if ok == 0 && len(errs) > 0 {
		return fmt.Errorf("all mcp servers failed discovery: %w", errors.Join(errs...))
	}
	return nil
}

// Tools returns all discovered MCP tools.
func (b *MCPBridge) Tools() []Tool {
	return b.tools
}

// Close shuts down all MCP server connections.
func (b *MCPBridge) Close() {
	for _, srv := range b.servers {
		if err := srv.client.Close(); err != nil {
			b.logger.Warn("mcp server close error", "server", srv.name, "error", err)
		}
	}
}

// mcpTool exposes one remote MCP tool as a Tool named mcp_<server>_<tool>.
type mcpTool struct {
	serverName string
	client     mcpClient
	remote     mcp.Tool
	fullName   string
	logger     *slog.Logger
}

func newMCPTool(serverName string, client mcpClient, t mcp.Tool, logger *slog.Logger) *mcpTool {
	return &mcpTool{
		serverName: serverName,
		client:     client,
		remote:     t,
		fullName:   fmt.Sprintf("mcp_%s_%s", sanitizeName(serverName), sanitizeName(t.Name)),
		logger:     logger,
	}
}

func (m *mcpTool) Definition() domain.ToolDefinition {
	desc := m.remote.Description
	if desc == "" {
		desc = fmt.Sprintf("MCP tool %q from server %q", m.remote.Name, m.serverName)
	}

	schema := json.RawMessage(`{"type":"object"}`)
	if m.remote.InputSchema.Properties != nil || m.remote.InputSchema.Required != nil {
		if data, err := json.Marshal(m.remote.InputSchema); err == nil {
			schema = data
		}
	}
	return domain.ToolDefinition{Name: m.fullName, Description: desc, InputSchema: schema}
}

// Execute forwards the call to the MCP server. A tool-level error reported
// by the server is returned as an error carrying the server's text.
func (m *mcpTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	args, err := ParseParams[map[string]any](input)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = m.remote.Name
	req.Params.Arguments = args

	m.logger.Debug("mcp tool call", "server", m.serverName, "tool", m.remote.Name)

	callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
	defer cancel()

	result, err := m.client.CallTool(callCtx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", m.fullName, err)
	}

	content := extractMCPContent(result)
	if result.IsError {
		return nil, errors.New(content)
	}
	return content, nil
}

// extractMCPContent joins text content; other content types are JSON-encoded.
func extractMCPContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName replaces characters that aren't valid in tool names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
