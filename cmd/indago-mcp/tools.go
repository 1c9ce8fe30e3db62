package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/services/tools"
)

// registerTools publishes every router tool over MCP. Definitions come
// straight from the embedded JSON schemas, so the stdio surface and the
// HTTP surface advertise identical contracts.
func registerTools(mcpServer *server.MCPServer, router *tools.Router, logger arbor.ILogger) error {
	for _, name := range router.Tools() {
		description, input, ok := router.Describe(name)
		if !ok {
			return fmt.Errorf("tool %s has no schema", name)
		}

		mcpServer.AddTool(
			mcp.NewToolWithRawSchema(name, description, input),
			callTool(router, name, logger),
		)
	}
	return nil
}

// callTool adapts one router tool to the MCP handler signature. The
// envelope is returned verbatim as a text content block; isError mirrors
// the envelope's ok field.
func callTool(router *tools.Router, name string, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(request.GetArguments())
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent(fmt.Sprintf("Error: invalid arguments: %v", err)),
				},
				IsError: true,
			}, nil
		}

		envelope := router.Call(ctx, name, args)
		text, err := json.Marshal(envelope)
		if err != nil {
			logger.Error().Err(err).Str("tool", name).Msg("Envelope encoding failed")
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent("Error: failed to encode tool result"),
				},
				IsError: true,
			}, nil
		}

		isError := true
		if ok, _ := envelope["ok"].(bool); ok {
			isError = false
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(string(text)),
			},
			IsError: isError,
		}, nil
	}
}
