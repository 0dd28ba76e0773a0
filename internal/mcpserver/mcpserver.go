// Package mcpserver exposes the read operations as MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/zulandar/pulse/internal/delta"
	"github.com/zulandar/pulse/internal/logging"
	"github.com/zulandar/pulse/internal/pulse"
	"github.com/zulandar/pulse/internal/store"
)

// New returns an MCP server with every Pulse tool registered.
func New(svc *pulse.Service, version string, logger *zap.Logger) *server.MCPServer {
	s := server.NewMCPServer("pulse", version, server.WithToolCapabilities(true))
	h := &handlers{svc: svc, log: logging.OrNop(logger).Named("mcp")}

	s.AddTool(mcp.NewTool("list_projects",
		mcp.WithDescription("List tracked projects with their scopes and last snapshot time"),
		mcp.WithBoolean("include_inactive", mcp.Description("Include inactive projects")),
	), h.listProjects)

	s.AddTool(mcp.NewTool("get_pulse",
		mcp.WithDescription("Latest status snapshot of a project, each claim with its evidence events"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id")),
	), h.getPulse)

	s.AddTool(mcp.NewTool("get_events",
		mcp.WithDescription("Page through a project's events, newest first"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id")),
		mcp.WithString("source_type", mcp.Description("jira, slack, discord or github")),
		mcp.WithString("kind", mcp.Description("message, comment, status_change or issue_update")),
		mcp.WithNumber("limit", mcp.Description("Page size, default 50, max 200")),
		mcp.WithNumber("offset", mcp.Description("Rows to skip")),
	), h.getEvents)

	s.AddTool(mcp.NewTool("get_changes",
		mcp.WithDescription("What changed for a project since a time, relative age (3d, 12h) or snapshot id"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id")),
		mcp.WithString("since", mcp.Required(), mcp.Description("RFC 3339 time, YYYY-MM-DD, 3d/12h, or a snapshot id")),
	), h.getChanges)

	s.AddTool(mcp.NewTool("get_blockers",
		mcp.WithDescription("Open blockers of a project, most recently active first"),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id")),
	), h.getBlockers)

	return s
}

// Serve runs s over stdin/stdout until ctx is cancelled or input ends.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s).Listen(ctx, in, out)
}

type handlers struct {
	svc *pulse.Service
	log *zap.Logger
}

type errorResult struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errResult(code, msg string) *mcp.CallToolResult {
	data, _ := json.Marshal(errorResult{Error: true, Code: code, Message: msg})
	res := mcp.NewToolResultText(string(data))
	res.IsError = true
	return res
}

// result encodes v as the tool's text content, turning lookup failures
// into tool errors the model can read.
func (h *handlers) result(tool string, v interface{}, err error) (*mcp.CallToolResult, error) {
	switch {
	case errors.Is(err, store.ErrProjectNotFound), errors.Is(err, store.ErrSnapshotNotFound):
		return errResult("not_found", err.Error()), nil
	case errors.Is(err, delta.ErrSnapshotProject):
		return errResult("invalid_parameters", err.Error()), nil
	case err != nil:
		h.log.Error("tool failed", zap.String("tool", tool), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", tool, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s: encode result: %w", tool, err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func args(req mcp.CallToolRequest) map[string]any {
	m, _ := req.Params.Arguments.(map[string]any)
	return m
}

func optString(req mcp.CallToolRequest, key string) string {
	v, _ := args(req)[key].(string)
	return v
}

func optInt(req mcp.CallToolRequest, key string) int {
	v, _ := args(req)[key].(float64)
	return int(v)
}

func (h *handlers) listProjects(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	all, _ := args(req)["include_inactive"].(bool)
	projects, err := h.svc.ListProjects(ctx, all)
	return h.result("list_projects", map[string]interface{}{"projects": projects}, err)
}

func (h *handlers) getPulse(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return errResult("invalid_parameters", err.Error()), nil
	}
	p, err := h.svc.GetPulse(ctx, id)
	return h.result("get_pulse", p, err)
}

func (h *handlers) getEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return errResult("invalid_parameters", err.Error()), nil
	}
	page, err := h.svc.GetEvents(ctx, id, pulse.EventFilter{
		SourceType: optString(req, "source_type"),
		Kind:       optString(req, "kind"),
		Limit:      optInt(req, "limit"),
		Offset:     optInt(req, "offset"),
	})
	return h.result("get_events", page, err)
}

func (h *handlers) getChanges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return errResult("invalid_parameters", err.Error()), nil
	}
	raw, err := req.RequireString("since")
	if err != nil {
		return errResult("invalid_parameters", err.Error()), nil
	}
	since, err := delta.ParseSince(raw, time.Now())
	if err != nil {
		return errResult("invalid_parameters", err.Error()), nil
	}
	cl, err := h.svc.GetChanges(ctx, id, since)
	return h.result("get_changes", cl, err)
}

func (h *handlers) getBlockers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return errResult("invalid_parameters", err.Error()), nil
	}
	blockers, err := h.svc.GetBlockers(ctx, id)
	return h.result("get_blockers", map[string]interface{}{"project_id": id, "blockers": blockers}, err)
}
