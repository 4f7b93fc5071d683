// Package mcpserver exposes the tool surface as MCP tools so any
// MCP-speaking planner can drive the six operations.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"traceai/internal/tools"
)

// Register adds all six operations to the MCP server.
func Register(s *server.MCPServer, svc *tools.Service) {
	s.AddTool(graphQueryTool(), handler(svc, tools.OpGraphQuery))
	s.AddTool(traceLineageTool(), handler(svc, tools.OpTraceLineage))
	s.AddTool(analyzeImpactTool(), handler(svc, tools.OpAnalyzeImpact))
	s.AddTool(findDependenciesTool(), handler(svc, tools.OpFindDependencies))
	s.AddTool(semanticSearchTool(), handler(svc, tools.OpSemanticSearch))
	s.AddTool(graphStatsTool(), handler(svc, tools.OpGraphStats))
}

// handler adapts one operation: arguments pass through schema
// validation inside Service.Call, results render as JSON text.
func handler(svc *tools.Service, op string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := svc.Call(ctx, op, raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func graphQueryTool() mcp.Tool {
	return mcp.NewTool(tools.OpGraphQuery,
		mcp.WithDescription("Find graph nodes by kind, name substring, or exact id. Returns structured node records."),
		mcp.WithString("kind",
			mcp.Description("Node kind filter: document, component, datasource, dataentity, parameter"),
		),
		mcp.WithString("name_substring",
			mcp.Description("Case-insensitive substring match on node names"),
		),
		mcp.WithString("id",
			mcp.Description("Exact node id lookup; overrides the other filters"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of nodes to return"),
		),
	)
}

func traceLineageTool() mcp.Tool {
	return mcp.NewTool(tools.OpTraceLineage,
		mcp.WithDescription("Trace upstream/downstream data lineage for a named data entity or source."),
		mcp.WithString("entity_name",
			mcp.Required(),
			mcp.Description("Entity or source name, matched case-insensitively"),
		),
		mcp.WithString("direction",
			mcp.Description("upstream, downstream, or both (default both)"),
		),
		mcp.WithNumber("max_depth",
			mcp.Description("Maximum lineage hops (default 8)"),
		),
	)
}

func analyzeImpactTool() mcp.Tool {
	return mcp.NewTool(tools.OpAnalyzeImpact,
		mcp.WithDescription("List the components that read or write a named entity: the one-hop change blast radius."),
		mcp.WithString("entity_name",
			mcp.Required(),
			mcp.Description("Entity or source name"),
		),
	)
}

func findDependenciesTool() mcp.Tool {
	return mcp.NewTool(tools.OpFindDependencies,
		mcp.WithDescription("Walk execution dependencies (PRECEDES and CALLS) from a component."),
		mcp.WithString("component_id",
			mcp.Required(),
			mcp.Description("Component node id"),
		),
		mcp.WithString("direction",
			mcp.Description("upstream, downstream, or both (default both)"),
		),
		mcp.WithNumber("max_depth",
			mcp.Description("Maximum traversal depth (default 8)"),
		),
	)
}

func semanticSearchTool() mcp.Tool {
	return mcp.NewTool(tools.OpSemanticSearch,
		mcp.WithDescription("Semantic similarity search over node text surfaces. Returns node ids with scores."),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Free-text query"),
		),
		mcp.WithNumber("k",
			mcp.Description("Number of results (default 10)"),
		),
		mcp.WithObject("filter",
			mcp.Description("Metadata equality filter, e.g. {\"kind\": \"component\"}"),
		),
	)
}

func graphStatsTool() mcp.Tool {
	return mcp.NewTool(tools.OpGraphStats,
		mcp.WithDescription("Graph statistics: node/edge counts by kind and document type."),
	)
}
