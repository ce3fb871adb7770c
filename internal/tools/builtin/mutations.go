package builtin

import (
	"context"
	"fmt"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/tools"
)

// Mutator is the mutation service contract.
type Mutator interface {
	Stage(ctx context.Context, req model.StageRequest) (model.StageResult, error)
	Apply(ctx context.Context, mutationID, confirmToken string) (model.ApplyResult, error)
	Undo(ctx context.Context, mutationID, undoToken string) (model.UndoResult, error)
}

// MutationTools returns stage_mutation, apply_mutation and undo_mutation.
// Staging never changes records; applying and undoing do, so they are
// flagged Mutate and gated by run policy or an approval decision.
func MutationTools(m Mutator) []tools.Tool {
	tokenArgs := func(tokenField string) map[string]any {
		return map[string]any{
			"type":                 "object",
			"required":             []any{"mutationId", tokenField},
			"additionalProperties": false,
			"properties": map[string]any{
				"mutationId": map[string]any{"type": "string", "format": "uuid"},
				tokenField:   map[string]any{"type": "string"},
			},
		}
	}
	return []tools.Tool{
		{
			Name:        StageMutation,
			Description: "Stage a batch of changes to workspace records and preview the affected rows. Nothing is written until apply_mutation runs.",
			ArgsSchema: map[string]any{
				"type":     "object",
				"required": []any{"operations"},
				"properties": map[string]any{
					"operations": map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
				},
			},
			Staging: true,
			Execute: func(ctx context.Context, tc tools.Context, args map[string]any) (any, error) {
				ops, err := tools.ParseOperations(args)
				if err != nil {
					return nil, err
				}
				res, err := m.Stage(ctx, model.StageRequest{
					WorkspaceID: tc.WorkspaceID,
					SessionID:   tc.SessionID(),
					Operations:  ops,
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"summary":      fmt.Sprintf("Staged %d operation(s) matching %d row(s)", len(ops), res.MatchedCount),
					"mutationId":   res.MutationID,
					"confirmToken": res.ConfirmToken,
					"matchedCount": res.MatchedCount,
					"beforeSample": res.BeforeSample,
					"afterSample":  res.AfterSample,
					"warnings":     res.Warnings,
					"continuations": []any{map[string]any{
						"suggestedNextTools": []any{ApplyMutation},
						"reason":             "apply the staged change",
						"args":               map[string]any{"mutationId": res.MutationID, "confirmToken": res.ConfirmToken},
					}},
				}, nil
			},
		},
		{
			Name:        ApplyMutation,
			Description: "Apply a staged mutation using its confirm token.",
			ArgsSchema:  tokenArgs("confirmToken"),
			Mutate:      true,
			Execute: func(ctx context.Context, _ tools.Context, args map[string]any) (any, error) {
				res, err := m.Apply(ctx, stringArg(args, "mutationId"), stringArg(args, "confirmToken"))
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"summary":      fmt.Sprintf("Applied mutation: %d row(s) changed", res.ChangedCount),
					"mutationId":   res.MutationID,
					"changedCount": res.ChangedCount,
					"undoToken":    res.UndoToken,
					"appliedAt":    res.AppliedAt,
				}, nil
			},
		},
		{
			Name:        UndoMutation,
			Description: "Revert an applied mutation using its undo token.",
			ArgsSchema:  tokenArgs("undoToken"),
			Mutate:      true,
			Execute: func(ctx context.Context, _ tools.Context, args map[string]any) (any, error) {
				res, err := m.Undo(ctx, stringArg(args, "mutationId"), stringArg(args, "undoToken"))
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"summary":       fmt.Sprintf("Undid mutation: %d row(s) restored", res.RestoredCount),
					"mutationId":    res.MutationID,
					"restoredCount": res.RestoredCount,
					"undoneAt":      res.UndoneAt,
				}, nil
			},
		},
	}
}
