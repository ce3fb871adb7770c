// Package tools holds the tool registry and the execution contract every
// tool invocation goes through: argument validation, the mutation gate,
// the risk guard, the timeout race and result normalization.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/workspace"
)

var (
	ErrToolNameEmpty = errors.New("tools: tool name is empty")
	ErrNilHandler    = errors.New("tools: tool handler is nil")
	ErrDuplicateTool = errors.New("tools: tool already registered")
)

// Context is what a handler may know about the invocation.
type Context struct {
	WorkspaceID string
	BranchID    uuid.UUID
	RunID       uuid.UUID
	ToolRunID   uuid.UUID
	Actor       model.Actor
	Approved    bool
	Snapshot    *workspace.Snapshot
}

// SessionID identifies the conversation a mutation token is bound to.
func (c Context) SessionID() string {
	return c.BranchID.String()
}

// Handler executes one tool call. The returned value may have any shape;
// the executor normalizes it.
type Handler func(ctx context.Context, tc Context, args map[string]any) (any, error)

// Tool is a registered tool.
type Tool struct {
	Name          string
	Description   string
	ArgsSchema    map[string]any
	ReturnsSchema map[string]any
	// Mutate marks tools whose execution changes workspace data directly.
	Mutate bool
	// Staging marks the mutation staging entry point; its arguments are
	// run through the risk guard before the handler is called.
	Staging bool
	// Timeout overrides the policy's per-tool budget when non-zero.
	Timeout time.Duration
	Execute Handler
}

// Registry stores tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(initial ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(initial))}
	for _, t := range initial {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return fmt.Errorf("%w: %q", ErrNilHandler, t.Name)
	}
	if err := checkSchema(t.ArgsSchema); err != nil {
		return fmt.Errorf("tools: %s: %w", t.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Descriptor is the part of a tool the planner is shown.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	ArgsSchema  map[string]any `json:"args_schema,omitempty"`
	Mutate      bool           `json:"mutate"`
}

// Descriptors returns planner-facing descriptions, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	names := r.Names()
	out := make([]Descriptor, 0, len(names))
	for _, n := range names {
		t, _ := r.Get(n)
		out = append(out, Descriptor{Name: t.Name, Description: t.Description, ArgsSchema: t.ArgsSchema, Mutate: t.Mutate})
	}
	return out
}
