package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriveBranchPrompt(t *testing.T) {
	s := &Server{}
	req := mcplib.GetPromptRequest{}
	req.Params.Arguments = map[string]string{"branch_id": "b-1"}

	result, err := s.handleDriveBranchPrompt(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	text := result.Messages[0].Content.(mcplib.TextContent).Text
	assert.Contains(t, text, `conductor_send_message with branch_id="b-1"`)
	assert.Contains(t, text, "conductor://branches/b-1/messages")

	req.Params.Arguments = map[string]string{}
	_, err = s.handleDriveBranchPrompt(context.Background(), req)
	assert.Error(t, err)
}
