package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusActive(t *testing.T) {
	for _, s := range ActiveRunStatuses {
		assert.True(t, s.Active(), s)
		assert.False(t, s.Terminal(), s)
	}
	for _, s := range []RunStatus{RunStatusDone, RunStatusFailed, RunStatusCancelled} {
		assert.False(t, s.Active(), s)
		assert.True(t, s.Terminal(), s)
	}
}

func TestRunTransitions(t *testing.T) {
	assert.True(t, CanTransition(RunStatusQueued, RunStatusRunning))
	assert.True(t, CanTransition(RunStatusRunning, RunStatusWaitingTools))
	assert.True(t, CanTransition(RunStatusWaitingTools, RunStatusRunning))
	assert.True(t, CanTransition(RunStatusWaitingTools, RunStatusWaitingUser))
	assert.True(t, CanTransition(RunStatusWaitingUser, RunStatusRunning))
	assert.True(t, CanTransition(RunStatusRunning, RunStatusDone))

	assert.False(t, CanTransition(RunStatusQueued, RunStatusDone))
	assert.False(t, CanTransition(RunStatusWaitingUser, RunStatusDone))
	assert.False(t, CanTransition(RunStatusDone, RunStatusRunning))
	assert.False(t, CanTransition(RunStatusCancelled, RunStatusCancelled))

	for _, s := range ActiveRunStatuses {
		assert.True(t, CanTransition(s, RunStatusCancelled), s)
		assert.True(t, CanTransition(s, RunStatusFailed), s)
	}

	err := ValidateTransition(RunStatusDone, RunStatusRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "done -> running")
}

func TestToolIdentityKeyIgnoresMapOrder(t *testing.T) {
	a := ToolIdentityKey("fetch_url", map[string]any{"url": "https://x.test", "depth": 2})
	b := ToolIdentityKey("fetch_url", map[string]any{"depth": 2, "url": "https://x.test"})
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, ToolIdentityKey("crawl_site", map[string]any{"url": "https://x.test", "depth": 2}))
	assert.NotEqual(t, a, ToolIdentityKey("fetch_url", map[string]any{"url": "https://y.test", "depth": 2}))
	assert.Equal(t, ToolIdentityKey("list_competitors", nil), ToolIdentityKey("list_competitors", map[string]any{}))
}

func TestDecisionOptionApproves(t *testing.T) {
	assert.True(t, DecisionOption{ID: "x", Outcome: OutcomeApprove}.Approves())
	assert.False(t, DecisionOption{ID: "approve", Outcome: OutcomeReject}.Approves())
	assert.True(t, DecisionOption{ID: "go", Label: "Yes, proceed"}.Approves())
	assert.False(t, DecisionOption{ID: "skip", Label: "Skip this step"}.Approves())
	// Substrings do not count.
	assert.False(t, DecisionOption{ID: "disallow", Label: "Disallow"}.Approves())
}

func TestActorSectionAllowed(t *testing.T) {
	assert.True(t, Actor{}.SectionAllowed("competitors"))
	a := Actor{AllowedSections: []string{"products"}}
	assert.True(t, a.SectionAllowed("products"))
	assert.False(t, a.SectionAllowed("competitors"))
}
