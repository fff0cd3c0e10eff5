package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tiermem/internal/fastcache"
	"github.com/kalambet/tiermem/internal/memory"
	"github.com/kalambet/tiermem/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. Scheduler is
// optional; when nil the scrub tool reports unavailability.
type MCPDeps struct {
	Memory    *memory.Manager
	Scheduler *memory.Scheduler
}

// NewMCPServer creates an MCP server exposing the memory manager to
// research agents: session recall, completion, stats, and the shared
// content cache.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"tiermem",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tiermem — tiered memory for research sessions: recall past sessions, archive finished ones, and reuse fetched page content."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_session",
			mcp.WithDescription("Look up a research session by id across all memory tiers. Reading a session keeps it warm."),
			mcp.WithString("session_id", mcp.Description("Session id to look up"), mcp.Required()),
		),
		mcpGetSession(deps),
	)

	s.AddTool(
		mcp.NewTool("complete_session",
			mcp.WithDescription("Archive an in-flight session into durable memory, marking it finished."),
			mcp.WithString("session_id", mcp.Description("Session id to archive"), mcp.Required()),
			mcp.WithString("status", mcp.Description("Final status (completed, failed, or paused; default completed)")),
		),
		mcpCompleteSession(deps),
	)

	s.AddTool(
		mcp.NewTool("session_history",
			mcp.WithDescription("Return the tier migration trail for one session, oldest first."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpSessionHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("cached_content",
			mcp.WithDescription("Fetch cached page content for a URL, if a recent fetch is still cached."),
			mcp.WithString("url", mcp.Description("URL to look up"), mcp.Required()),
		),
		mcpCachedContent(deps),
	)

	s.AddTool(
		mcp.NewTool("run_scrub",
			mcp.WithDescription("Run one maintenance cycle now: age stale sessions down the tiers and purge expired trash."),
		),
		mcpRunScrub(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"memory://stats",
			"Memory Stats",
			mcp.WithResourceDescription("Per-tier session counts and recent migration activity"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpGetSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		rec, tier, err := deps.Memory.GetSession(ctx, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("session %s not found", sessionID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}

		b, err := json.Marshal(SessionResponse{Tier: tier, Session: rec})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal session: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCompleteSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		rec, _, err := deps.Memory.GetSession(ctx, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("session %s not found", sessionID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}

		if status := req.GetString("status", ""); status != "" {
			rec.Status = status
		}
		rec.Status = completedStatus(rec.Status)

		if err := deps.Memory.CompleteSession(ctx, rec); err != nil {
			if errors.Is(err, memory.ErrPendingDeletion) {
				return mcpError(fmt.Sprintf("session %s is pending deletion and cannot be archived", sessionID)), nil
			}
			return mcpError(fmt.Sprintf("failed to archive session: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Session %s archived to %s memory", sessionID, storage.TierHot)), nil
	}
}

func mcpSessionHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		migrations, err := deps.Memory.SessionHistory(ctx, sessionID)
		if err != nil {
			return mcpError(fmt.Sprintf("history lookup failed: %v", err)), nil
		}
		if len(migrations) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(migrations)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCachedContent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}

		content, err := deps.Memory.GetCachedContent(ctx, url)
		if errors.Is(err, fastcache.ErrMiss) {
			return mcpError(fmt.Sprintf("no cached content for %s", url)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("content lookup failed: %v", err)), nil
		}
		return mcpText(string(content)), nil
	}
}

func mcpRunScrub(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Scheduler == nil {
			return mcpError("scrub not available: no scheduler configured"), nil
		}

		stats, err := deps.Scheduler.RunCycle(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("scrub failed: %v", err)), nil
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal scrub report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.Memory.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to collect stats: %w", err)
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
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
