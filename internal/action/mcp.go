package action

import (
	"context"

	"github.com/nidhogg/nuka-loop/internal/mcp"
)

// ToolCaller is the part of an MCP client an action needs.
type ToolCaller interface {
	Name() string
	ListTools() []mcp.ToolInfo
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// FromMCP exposes every tool of the given MCP clients as an action. Tool
// failures come back as unsuccessful text so a flaky server cannot stop the
// loop.
func FromMCP(clients ...ToolCaller) Static {
	var out Static
	for _, c := range clients {
		client := c
		for _, tool := range client.ListTools() {
			t := tool
			params := t.InputSchema
			if params == nil {
				params = schema(map[string]interface{}{})
			}
			out = append(out, &Action{
				Name:        t.Name,
				Description: t.Description + " (via " + client.Name() + ")",
				Parameters:  params,
				Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
					res, err := client.CallTool(ctx, t.Name, args)
					if err != nil {
						return "tool call failed: " + err.Error(), nil
					}
					return res, nil
				},
			})
		}
	}
	return out
}
