// Package mcpserver exposes the fabric over the Model Context Protocol.
// A client can submit requests, browse the catalogs and check health.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"agentfabric/internal/usecase/orchestrator"
	"agentfabric/internal/usecase/registry"
)

// Processor runs one request end to end.
type Processor interface {
	Process(ctx context.Context, req orchestrator.Request) *orchestrator.Result
}

// Catalog yields the current component registry.
type Catalog interface {
	Registry(ctx context.Context) (*registry.Registry, error)
}

// New builds an MCP server with the process, list and health tools.
func New(proc Processor, catalog Catalog, version string, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"agentfabric",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Submit natural-language requests with fabric_process. "+
			"Missing agents and tools are generated on demand. Use fabric_list and fabric_health to inspect the catalogs."),
	)

	process := &ProcessTool{proc: proc, logger: logger}
	s.AddTool(process.Definition(), process.Handle)

	list := &ListTool{catalog: catalog}
	s.AddTool(list.Definition(), list.Handle)

	health := &HealthTool{catalog: catalog}
	s.AddTool(health.Definition(), health.Handle)

	return s
}

// Serve runs the server on stdin/stdout until the client disconnects.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// ProcessTool handles fabric_process.
type ProcessTool struct {
	proc   Processor
	logger *slog.Logger
}

// Definition returns the MCP tool definition.
func (t *ProcessTool) Definition() mcp.Tool {
	return mcp.NewTool("fabric_process",
		mcp.WithDescription("Plan, build if needed, and run a pipeline of agents for a natural-language request."),
		mcp.WithString("request",
			mcp.Required(),
			mcp.Description("What you want done, e.g. \"Calculate the median of [10, 30, 50]\""),
		),
		mcp.WithArray("files",
			mcp.Description("Paths of input files (text, CSV or JSON) to attach"),
			mcp.WithStringItems(),
		),
		mcp.WithBoolean("auto_create",
			mcp.Description("Generate missing agents and tools (default: server setting)"),
		),
	)
}

// Handle processes the tool call.
func (t *ProcessTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := req.GetString("request", "")
	if text == "" {
		return mcp.NewToolResultError("'request' is required"), nil
	}
	r := orchestrator.Request{Text: text, Paths: req.GetStringSlice("files", nil)}
	if v, ok := req.GetArguments()["auto_create"].(bool); ok {
		r.AutoCreate = &v
	}

	res := t.proc.Process(ctx, r)
	t.logger.Info("mcp request processed", "workflow_id", res.WorkflowID, "status", res.Status)
	return jsonResult(res)
}

// ListTool handles fabric_list.
type ListTool struct {
	catalog Catalog
}

// Definition returns the MCP tool definition.
func (t *ListTool) Definition() mcp.Tool {
	return mcp.NewTool("fabric_list",
		mcp.WithDescription("List registered agents or tools."),
		mcp.WithString("kind",
			mcp.Description("agents (default) or tools"),
			mcp.Enum("agents", "tools"),
		),
		mcp.WithString("query",
			mcp.Description("Only components whose name or description contains this text"),
		),
	)
}

// Handle processes the tool call.
func (t *ListTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reg, err := t.catalog.Registry(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load registry: %v", err)), nil
	}
	query := req.GetString("query", "")
	switch kind := req.GetString("kind", "agents"); kind {
	case "agents":
		if query != "" {
			return jsonResult(reg.SearchAgents(query))
		}
		return jsonResult(reg.ListAgents(registry.AgentFilter{}))
	case "tools":
		if query != "" {
			return jsonResult(reg.SearchTools(query))
		}
		return jsonResult(reg.ListTools(registry.ToolFilter{}))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown kind %q (want agents or tools)", kind)), nil
	}
}

// HealthTool handles fabric_health.
type HealthTool struct {
	catalog Catalog
}

// Definition returns the MCP tool definition.
func (t *HealthTool) Definition() mcp.Tool {
	return mcp.NewTool("fabric_health",
		mcp.WithDescription("Report registry health: score, status, and counts of invalid components."),
	)
}

// Handle processes the tool call.
func (t *HealthTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reg, err := t.catalog.Registry(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load registry: %v", err)), nil
	}
	h := reg.HealthCheck()
	return jsonResult(map[string]any{
		"health_score":     h.Score,
		"status":           h.Status,
		"total_components": h.TotalComponents,
		"valid_components": h.ValidComponents,
		"issues":           h.Issues,
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
