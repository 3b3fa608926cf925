// Package cortex is the reasoning layer: prompt assembly, the ACT
// loop, and the dispatcher that executes innate skills and external
// MCP tools behind one result envelope.
package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/chalie-ai/chalie/internal/config"
	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/types"
)

// ToolRegistry holds connections to the configured MCP servers and
// the manifests discovered from them
type ToolRegistry struct {
	mu        sync.Mutex
	clients   map[string]*client.Client // server name -> client
	owners    map[string]string         // tool name -> server name
	manifests []types.ToolManifest
}

// NewToolRegistry connects every configured server over stdio and
// discovers its tools. A server that fails to connect is skipped with
// a warning; the rest stay usable.
func NewToolRegistry(ctx context.Context, servers []config.ToolServer) *ToolRegistry {
	r := &ToolRegistry{
		clients: make(map[string]*client.Client),
		owners:  make(map[string]string),
	}
	for _, srv := range servers {
		if err := r.connect(ctx, srv); err != nil {
			logging.Warn("cortex", "tool server %s: %v - skipping", srv.Name, err)
		}
	}
	return r
}

func (r *ToolRegistry) connect(ctx context.Context, srv config.ToolServer) error {
	var env []string
	for k, v := range srv.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	c, err := client.NewStdioMCPClient(srv.Command, env, srv.Args...)
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "chalie", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[srv.Name] = c
	for _, t := range listResp.Tools {
		var params map[string]any
		if data, err := json.Marshal(t.InputSchema); err == nil {
			json.Unmarshal(data, &params)
		}
		r.owners[t.Name] = srv.Name
		r.manifests = append(r.manifests, types.ToolManifest{
			Name:                t.Name,
			Description:         t.Description,
			Parameters:          params,
			TriggerType:         "on_demand",
			NotificationEnabled: srv.Notifications,
		})
	}
	logging.Info("cortex", "tool server %s connected (%d tools)", srv.Name, len(listResp.Tools))
	return nil
}

// Manifests returns the discovered tool manifests
func (r *ToolRegistry) Manifests() []types.ToolManifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ToolManifest, len(r.manifests))
	copy(out, r.manifests)
	return out
}

// NotificationTools returns the names of tools that accept
// __notification__ invocations
func (r *ToolRegistry) NotificationTools() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.manifests {
		if m.NotificationEnabled {
			out = append(out, m.Name)
		}
	}
	return out
}

// Call invokes a tool by name and flattens its text content
func (r *ToolRegistry) Call(ctx context.Context, tool string, args map[string]any) (string, error) {
	r.mu.Lock()
	owner, ok := r.owners[tool]
	c := r.clients[owner]
	r.mu.Unlock()
	if !ok || c == nil {
		return "", fmt.Errorf("unknown tool %q", tool)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", tool, err)
	}

	text := flattenContent(resp.Content)
	if resp.IsError {
		return "", fmt.Errorf("tool %s: %s", tool, text)
	}
	return text, nil
}

// Close shuts down all server connections
func (r *ToolRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, c := range r.clients {
		if err := c.Close(); err != nil {
			logging.Warn("cortex", "close tool server %s: %v", name, err)
		}
	}
	r.clients = make(map[string]*client.Client)
}

func flattenContent(content []mcp.Content) string {
	var out string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			if out != "" {
				out += "\n"
			}
			out += tc.Text
		}
	}
	return out
}
