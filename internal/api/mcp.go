package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tenantbot/internal/intake"
	"github.com/kalambet/tenantbot/internal/queue"
	"github.com/kalambet/tenantbot/internal/retrieval"
)

// MCPRetriever abstracts tenant-scoped semantic search for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, tenantID, query string, k int) ([]retrieval.ScoredChunk, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Retriever   MCPRetriever
	Metrics     MetricsReader
	DeadLetters DeadLetters
	Queue       Queue
	Processor   queue.Processor
}

// NewMCPServer creates an MCP server exposing operator tools over the
// tenant pipeline.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"tenantbot",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("tenantbot: inspect tenant knowledge bases, metrics and dead letters, and inject test messages."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Semantically search one tenant's knowledge base."),
			mcp.WithString("tenant_id", mcp.Description("Tenant (agent) id"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("query_metrics",
			mcp.WithDescription("Return a tenant's most recent metrics, newest first."),
			mcp.WithString("tenant_id", mcp.Description("Tenant (agent) id"), mcp.Required()),
			mcp.WithString("type", mcp.Description("Optional metric type: response_time, error, message_count, queue_length, gpu_usage")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 20)")),
		),
		mcpQueryMetrics(deps),
	)

	s.AddTool(
		mcp.NewTool("list_dead_letters",
			mcp.WithDescription("List dead-lettered jobs, most recently failed first."),
			mcp.WithString("tenant_id", mcp.Description("Optional tenant filter")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 20)")),
		),
		mcpListDeadLetters(deps),
	)

	s.AddTool(
		mcp.NewTool("enqueue_message",
			mcp.WithDescription("Queue a chat message for a tenant as if it arrived through intake."),
			mcp.WithString("tenant_id", mcp.Description("Tenant (agent) id"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Recipient user id on the platform"), mcp.Required()),
			mcp.WithString("text", mcp.Description("Message text"), mcp.Required()),
			mcp.WithString("platform", mcp.Description("Reply platform (telegram, discord, webhook)")),
		),
		mcpEnqueueMessage(deps),
	)

	return s
}

func clampLimit(n, def, max int) int {
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenantID, err := req.RequireString("tenant_id")
		if err != nil {
			return mcpError("tenant_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := clampLimit(req.GetInt("limit", 5), 5, 50)

		chunks, err := deps.Retriever.Retrieve(ctx, tenantID, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(chunks)
	}
}

func mcpQueryMetrics(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenantID, err := req.RequireString("tenant_id")
		if err != nil {
			return mcpError("tenant_id is required"), nil
		}
		limit := clampLimit(req.GetInt("limit", 20), 20, 500)

		metrics := deps.Metrics.Query(ctx, tenantID, req.GetString("type", ""), limit)
		if len(metrics) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(metrics)
	}
}

func mcpListDeadLetters(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := clampLimit(req.GetInt("limit", 20), 20, 200)

		jobs, err := deps.DeadLetters.ListDeadJobs(ctx, req.GetString("tenant_id", ""), limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing dead letters failed: %v", err)), nil
		}
		out := make([]deadLetter, len(jobs))
		for i, j := range jobs {
			out[i] = toDeadLetter(j)
		}
		return mcpJSON(out)
	}
}

func mcpEnqueueMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload := map[string]any{
			"agent_id":  req.GetString("tenant_id", ""),
			"user_id":   req.GetString("user_id", ""),
			"text":      req.GetString("text", ""),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		if p := req.GetString("platform", ""); p != "" {
			payload["platform"] = p
		}

		msg, err := intake.ValidatePayload(payload)
		if err != nil {
			var ve *intake.ValidationError
			if errors.As(err, &ve) {
				return mcpError(ve.Message), nil
			}
			return mcpError(err.Error()), nil
		}

		id, err := deps.Queue.Enqueue(ctx, msg.TenantID, msg)
		if err != nil {
			return mcpError(fmt.Sprintf("enqueue failed: %v", err)), nil
		}
		deps.Queue.EnsureWorker(msg.TenantID, deps.Processor)

		return mcpText(fmt.Sprintf("Queued message %s for tenant %s", id, msg.TenantID)), nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
