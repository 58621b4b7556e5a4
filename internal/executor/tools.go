package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"charm.land/fantasy"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relaymesh/conduit/internal/mcpclient"
)

// Tool is the capability bound into one turn's tool loop. It satisfies
// fantasy.AgentTool (Info/Run/ProviderOptions/SetProviderOptions) so
// definitions travel with the LLM call, and additionally exposes Execute
// so the TOOL_CALL step can read back success/failure and raw text
// without redissecting an opaque fantasy.ToolResponse.
type Tool interface {
	fantasy.AgentTool
	Execute(ctx context.Context, input string) (text string, isError bool, err error)
}

// mcpTool adapts one MCP-advertised tool to Tool, calling through an
// already-dialed mcpclient.Client — the same MCP-to-fantasy bridge shape as
// the teacher's mcpFantasyTool, minus its connection pool, since C6 already
// owns one dialed client per active profile.
type mcpTool struct {
	client          *mcpclient.Client
	info            fantasy.ToolInfo
	providerOptions fantasy.ProviderOptions
}

// NewMCPTools builds one Tool per tool the server advertises.
func NewMCPTools(cl *mcpclient.Client, tools []mcp.Tool) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, &mcpTool{client: cl, info: toolInfoFromMCP(t)})
	}
	return out
}

// toolInfoFromMCP converts an MCP input schema into fantasy's flat
// parameters/required shape by round-tripping it through JSON, the same
// conversion the teacher's MCP bridge performs.
func toolInfoFromMCP(t mcp.Tool) fantasy.ToolInfo {
	parameters := map[string]any{}
	var required []string

	if marshaled, err := json.Marshal(t.InputSchema); err == nil {
		var schemaMap map[string]any
		if err := json.Unmarshal(marshaled, &schemaMap); err == nil {
			if props, ok := schemaMap["properties"].(map[string]any); ok {
				parameters = props
			}
			if req, ok := schemaMap["required"].([]any); ok {
				for _, r := range req {
					if s, ok := r.(string); ok {
						required = append(required, s)
					}
				}
			}
		}
	}

	return fantasy.ToolInfo{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  parameters,
		Required:    required,
	}
}

func (t *mcpTool) Info() fantasy.ToolInfo { return t.info }

func (t *mcpTool) ProviderOptions() fantasy.ProviderOptions { return t.providerOptions }

func (t *mcpTool) SetProviderOptions(opts fantasy.ProviderOptions) { t.providerOptions = opts }

// Execute invokes the underlying MCP tool and marshals its result to text,
// mirroring the teacher's mcpFantasyTool.Run body exactly, just without the
// pool lookup.
func (t *mcpTool) Execute(ctx context.Context, input string) (string, bool, error) {
	var args map[string]any
	if input != "" && input != "{}" {
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return fmt.Sprintf("invalid JSON arguments: %v", err), true, nil
		}
	}

	result, err := t.client.CallTool(ctx, t.info.Name, args)
	if err != nil {
		return err.Error(), true, nil
	}

	marshaled, err := json.Marshal(result)
	if err != nil {
		return "", false, fmt.Errorf("marshal MCP result: %w", err)
	}
	return string(marshaled), result.IsError, nil
}

// Run satisfies fantasy.AgentTool for frameworks that dispatch tool calls
// themselves; the executor's own TOOL_CALL step calls Execute directly.
func (t *mcpTool) Run(ctx context.Context, call fantasy.ToolCall) (fantasy.ToolResponse, error) {
	text, isError, err := t.Execute(ctx, call.Input)
	if err != nil {
		return fantasy.ToolResponse{}, err
	}
	if isError {
		return fantasy.NewTextErrorResponse(text), nil
	}
	return fantasy.NewTextResponse(text), nil
}
