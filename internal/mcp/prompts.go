package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// drive-branch walks an agent through sending a message and following
	// the run to completion, answering decisions on the way.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("drive-branch",
			mcplib.WithPromptDescription("Send a message to a branch and follow the run until it finishes"),
			mcplib.WithArgument("branch_id",
				mcplib.ArgumentDescription("Branch to work on"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleDriveBranchPrompt,
	)
}

func (s *Server) handleDriveBranchPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	branchID := request.Params.Arguments["branch_id"]
	if branchID == "" {
		return nil, fmt.Errorf("branch_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Drive a conductor branch",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You are working on conductor branch %[1]s.

1. CALL conductor_send_message with branch_id="%[1]s" and your message.
   Keep the returned run_id.

2. FOLLOW the run with conductor_run_status (or page conductor_branch_events
   with after_seq set to the last_seq you saw) until its status is done,
   failed or cancelled.

3. If the status is waiting_user, read the open decisions and answer each
   one with conductor_resolve_decision. The run resumes on its own.

4. If the run is heading the wrong way, call conductor_interrupt and send a
   corrected message.

Read the conversation so far from the resource conductor://branches/%[1]s/messages.`, branchID),
				},
			},
		},
	}, nil
}
