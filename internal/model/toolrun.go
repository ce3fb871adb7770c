package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ToolRunStatus represents the lifecycle state of one tool invocation.
type ToolRunStatus string

const (
	ToolRunQueued    ToolRunStatus = "queued"
	ToolRunRunning   ToolRunStatus = "running"
	ToolRunDone      ToolRunStatus = "done"
	ToolRunFailed    ToolRunStatus = "failed"
	ToolRunCancelled ToolRunStatus = "cancelled"
)

// Pending reports whether the tool run still needs to be executed.
func (s ToolRunStatus) Pending() bool {
	return s == ToolRunQueued || s == ToolRunRunning
}

// ToolRun is one scheduled invocation of a named tool within an AgentRun.
type ToolRun struct {
	ID          uuid.UUID          `json:"id"`
	RunID       uuid.UUID          `json:"run_id"`
	BranchID    uuid.UUID          `json:"branch_id"`
	ToolName    string             `json:"tool_name"`
	Args        map[string]any     `json:"args"`
	IdentityKey string             `json:"identity_key"`
	Status      ToolRunStatus      `json:"status"`
	Result      *RuntimeToolResult `json:"result,omitempty"`
	Artifacts   []Artifact         `json:"artifacts,omitempty"`
	Approved    bool               `json:"approved"`
	Depth       int                `json:"depth"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
}

// ToolIdentityKey returns the de-duplication key for (toolName, args).
// encoding/json sorts map keys, so logically equal argument objects
// produce the same key.
func ToolIdentityKey(toolName string, args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		b = []byte("{}")
	}
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{'\n'})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
