package model

import "time"

// MutationKind tags the variant of a MutationOperation.
type MutationKind string

const (
	MutationCreateRow      MutationKind = "create_row"
	MutationUpdateRow      MutationKind = "update_row"
	MutationUpdateRows     MutationKind = "update_rows"
	MutationDeleteRow      MutationKind = "delete_row"
	MutationDeleteRows     MutationKind = "delete_rows"
	MutationClearSection   MutationKind = "clear_section"
	MutationAppendList     MutationKind = "append_list"
	MutationRemoveListItem MutationKind = "remove_list_items"
)

// Valid reports whether k is a known operation kind.
func (k MutationKind) Valid() bool {
	switch k {
	case MutationCreateRow, MutationUpdateRow, MutationUpdateRows, MutationDeleteRow,
		MutationDeleteRows, MutationClearSection, MutationAppendList, MutationRemoveListItem:
		return true
	}
	return false
}

// DeleteLike reports whether the operation removes whole rows.
func (k MutationKind) DeleteLike() bool {
	return k == MutationDeleteRow || k == MutationDeleteRows || k == MutationClearSection
}

// MutationOperation is one proposed change to a section of workspace records.
// Which fields are meaningful depends on Kind:
//
//	create_row         Patch
//	update_row         RowID, Patch
//	update_rows        RowIDs or Where, Patch
//	delete_row         RowID
//	delete_rows        RowIDs or Where
//	clear_section      (section only)
//	append_list        RowID, Field, Values
//	remove_list_items  RowID, Field, Values
type MutationOperation struct {
	Kind    MutationKind   `json:"kind"`
	Section string         `json:"section"`
	RowID   string         `json:"row_id,omitempty"`
	RowIDs  []string       `json:"row_ids,omitempty"`
	Where   map[string]any `json:"where,omitempty"`
	Patch   map[string]any `json:"patch,omitempty"`
	Field   string         `json:"field,omitempty"`
	Values  []any          `json:"values,omitempty"`
}

// MutationState tracks a staged mutation through apply and undo.
type MutationState string

const (
	MutationStaged  MutationState = "staged"
	MutationApplied MutationState = "applied"
	MutationUndone  MutationState = "undone"
)

// RowSample is a before or after image of one record.
type RowSample struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// StageRequest asks the mutation service to stage a batch of operations.
type StageRequest struct {
	WorkspaceID string              `json:"workspace_id"`
	SessionID   string              `json:"session_id"`
	Operations  []MutationOperation `json:"operations"`
}

// StageResult is returned by the mutation service after staging.
type StageResult struct {
	MutationID   string      `json:"mutation_id"`
	ConfirmToken string      `json:"confirm_token"`
	MatchedCount int         `json:"matched_count"`
	BeforeSample []RowSample `json:"before_sample"`
	AfterSample  []RowSample `json:"after_sample"`
	Warnings     []string    `json:"warnings"`
}

// ApplyResult is returned after a staged mutation has been applied.
type ApplyResult struct {
	MutationID   string    `json:"mutation_id"`
	ChangedCount int       `json:"changed_count"`
	UndoToken    string    `json:"undo_token"`
	AppliedAt    time.Time `json:"applied_at"`
}

// UndoResult is returned after an applied mutation has been reverted.
type UndoResult struct {
	MutationID    string    `json:"mutation_id"`
	RestoredCount int       `json:"restored_count"`
	UndoneAt      time.Time `json:"undone_at"`
}
