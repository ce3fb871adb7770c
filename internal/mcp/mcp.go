// Package mcp implements the Model Context Protocol server for conductor.
//
// The MCP server exposes the engine's intake, decision and inspection
// operations as MCP tools, so MCP-compatible agents can drive branches the
// same way the HTTP API does.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/conductor/internal/auth"
	"github.com/ashita-ai/conductor/internal/ctxutil"
	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/service/branches"
	"github.com/ashita-ai/conductor/internal/service/engine"
)

// Server wraps the MCP server with conductor's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *engine.Engine
	branches  *branches.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools, resources
// and prompts registered.
func New(eng *engine.Engine, branchSvc *branches.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		engine:   eng,
		branches: branchSvc,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"conductor",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithRecovery(),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// identity returns the caller identity for a tool call. Calls without one
// come from an unauthenticated transport and run as the development actor.
func identity(ctx context.Context) ctxutil.Identity {
	if id, ok := ctxutil.IdentityFromContext(ctx); ok {
		return id
	}
	return ctxutil.Identity{Actor: auth.DevActor()}
}

// visibleBranch loads a branch and hides it from callers scoped to another
// workspace.
func (s *Server) visibleBranch(ctx context.Context, raw string) (model.Branch, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return model.Branch{}, fmt.Errorf("invalid branch_id %q", raw)
	}
	b, err := s.branches.GetBranch(ctx, id)
	if err != nil {
		return model.Branch{}, err
	}
	if !identity(ctx).CanSee(b.WorkspaceID) {
		return model.Branch{}, branches.ErrBranchNotFound
	}
	return b, nil
}

func canWrite(ctx context.Context) bool {
	return identity(ctx).Actor.Class != model.ActorViewer
}

// serviceErrorResult turns an engine or branch error into a tool error.
// Unexpected errors are logged and reported without detail.
func (s *Server) serviceErrorResult(op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, branches.ErrBranchNotFound),
		errors.Is(err, engine.ErrBranchNotFound):
		return errorResult("branch not found")
	case errors.Is(err, engine.ErrRunNotFound):
		return errorResult("run not found")
	case errors.Is(err, engine.ErrDecisionNotFound):
		return errorResult("decision not found")
	case errors.Is(err, engine.ErrEmptyMessage),
		errors.Is(err, engine.ErrUnknownOption),
		errors.Is(err, engine.ErrDecisionResolved),
		errors.Is(err, engine.ErrRunNotWaiting),
		errors.Is(err, engine.ErrBranchBusy),
		errors.Is(err, engine.ErrClosed):
		return errorResult(err.Error())
	}
	s.logger.Error("mcp: "+op, "error", err)
	return errorResult(op + " failed")
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
