package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	branchURIPrefix = "conductor://branches/"
	messagesSuffix  = "/messages"
)

func (s *Server) registerResources() {
	// conductor://branches/{id}/messages: a branch's message history.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			branchURIPrefix+"{id}"+messagesSuffix,
			"Branch Messages",
			mcplib.WithTemplateDescription("Message history of a branch, oldest first"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleBranchMessages,
	)
}

// branchIDFromURI extracts {id} from conductor://branches/{id}/messages.
func branchIDFromURI(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, branchURIPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid branch URI: %s", uri)
	}
	id, ok := strings.CutSuffix(rest, messagesSuffix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid branch URI: %s", uri)
	}
	return id, nil
}

func (s *Server) handleBranchMessages(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	raw, err := branchIDFromURI(uri)
	if err != nil {
		return nil, err
	}
	b, err := s.visibleBranch(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: branch messages: %w", err)
	}
	msgs, err := s.branches.Messages(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("mcp: branch messages: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"branch_id": b.ID,
		"name":      b.Name,
		"messages":  msgs,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal messages: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
