// Package mcpclient builds and drives Model Context Protocol clients for a
// profile's MCPServer (spec §4.6): connection setup across stdio/SSE/
// streamable-HTTP transports, and the bounded health calls C5 and C6 need
// (ListTools/ListPrompts/ListResources under a short timeout). Adapted from
// the teacher's MCPToolManager, trimmed to the single-server, single-use
// shape this spec calls for — no connection pool, no fantasy.AgentTool
// conversion, since that belongs to the executor (C8), not this client.
package mcpclient

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/domain"
)

// HealthCheckTimeout bounds the tool/prompt/resource listing calls used to
// validate an MCP server during profile activation (spec §4.6: "10-second
// timeout").
const HealthCheckTimeout = 10 * time.Second

// Client wraps an mcp-go client.MCPClient for one MCPServer.
type Client struct {
	inner client.MCPClient
}

// Dial starts a transport-appropriate MCP client for server and performs
// the MCP initialize handshake.
func Dial(ctx context.Context, server domain.MCPServer) (*Client, error) {
	inner, err := createTransport(ctx, server)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamTransient, "create MCP transport", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "conduit", Version: "1.0.0"}
	if _, err := inner.Initialize(initCtx, req); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamTimeout, "initialize MCP client", err)
	}

	return &Client{inner: inner}, nil
}

// Close releases the underlying transport.
func (c *Client) Close() error { return c.inner.Close() }

// ListTools performs the bounded tool-list health call (spec §4.6).
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	res, err := c.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamTimeout, "list MCP tools", err)
	}
	return res.Tools, nil
}

// ListPrompts lists the server's advertised prompts under the same bounded
// health-call timeout as ListTools.
func (c *Client) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	res, err := c.inner.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamTimeout, "list MCP prompts", err)
	}
	return res.Prompts, nil
}

// ListResources lists the server's advertised resources under the same
// bounded health-call timeout as ListTools.
func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	res, err := c.inner.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamTimeout, "list MCP resources", err)
	}
	return res.Resources, nil
}

// CallTool invokes name on the server with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.inner.CallTool(ctx, req)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamTransient, fmt.Sprintf("call MCP tool %q", name), err)
	}
	return res, nil
}

func createTransport(ctx context.Context, server domain.MCPServer) (client.MCPClient, error) {
	switch server.Transport {
	case domain.TransportStdio:
		return dialStdio(ctx, server)
	case domain.TransportHTTPSSE:
		return dialSSE(ctx, server)
	case domain.TransportHTTPStreamable:
		return dialStreamable(ctx, server)
	default:
		return nil, fmt.Errorf("unsupported transport %q", server.Transport)
	}
}

func dialStdio(ctx context.Context, server domain.MCPServer) (client.MCPClient, error) {
	command, _ := server.ConnectionParams["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("stdio server requires connection_params.command")
	}

	var args []string
	if raw, ok := server.ConnectionParams["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}

	var env []string
	if raw, ok := server.ConnectionParams["env"].(map[string]any); ok {
		for k, v := range raw {
			env = append(env, fmt.Sprintf("%s=%v", k, v))
		}
	}

	t := transport.NewStdio(command, env, args...)
	c := client.NewClient(t)
	if err := t.Start(ctx); err != nil {
		return nil, fmt.Errorf("start stdio transport: %w", err)
	}
	time.Sleep(100 * time.Millisecond) // let the child process settle before the handshake
	return c, nil
}

func dialSSE(ctx context.Context, server domain.MCPServer) (client.MCPClient, error) {
	url, _ := server.ConnectionParams["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http_sse server requires connection_params.url")
	}

	c, err := client.NewSSEMCPClient(url, sseOptions(server)...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start SSE client: %w", err)
	}
	return c, nil
}

func sseOptions(server domain.MCPServer) []transport.ClientOption {
	headers, _ := server.ConnectionParams["headers"].(map[string]any)
	if len(headers) == 0 {
		return nil
	}
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = fmt.Sprintf("%v", v)
	}
	return []transport.ClientOption{transport.WithHeaders(h)}
}

func dialStreamable(ctx context.Context, server domain.MCPServer) (client.MCPClient, error) {
	url, _ := server.ConnectionParams["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http_streamable server requires connection_params.url")
	}

	var options []transport.StreamableHTTPCOption
	if headers, ok := server.ConnectionParams["headers"].(map[string]any); ok && len(headers) > 0 {
		h := make(map[string]string, len(headers))
		for k, v := range headers {
			h[k] = fmt.Sprintf("%v", v)
		}
		options = append(options, transport.WithHTTPHeaders(h))
	}

	c, err := client.NewStreamableHttpClient(url, options...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start streamable HTTP client: %w", err)
	}
	return c, nil
}
