// Package builtin provides the tools a conductor deployment registers by
// default: workspace record readers, the mutation staging/apply/undo
// tools, and remote web tools served by a tool worker.
package builtin

import (
	"context"
	"fmt"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/tools"
)

// Tool names.
const (
	ListCompetitors     = "list_competitors"
	ListRecords         = "list_records"
	GetRecord           = "get_record"
	StageMutation       = "stage_mutation"
	ApplyMutation       = "apply_mutation"
	UndoMutation        = "undo_mutation"
	FetchURL            = "fetch_url"
	CrawlSite           = "crawl_site"
	DeepResearch        = "deep_research"
	DiscoverCompetitors = "discover_competitors"
	GenerateDocument    = "generate_document"
)

const defaultListLimit = 25

// RecordReader reads workspace records.
type RecordReader interface {
	ListRecords(ctx context.Context, workspaceID, section, query string, limit int) ([]model.RowSample, error)
	GetRecord(ctx context.Context, workspaceID, section, id string) (model.RowSample, error)
}

// RecordTools returns the read-only record tools.
func RecordTools(records RecordReader) []tools.Tool {
	return []tools.Tool{
		{
			Name:        ListCompetitors,
			Description: "List competitors saved in the workspace, optionally filtered by a search query.",
			ArgsSchema: map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "maxLength": 200},
					"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
				},
			},
			ReturnsSchema: listReturns("competitors"),
			Execute: func(ctx context.Context, tc tools.Context, args map[string]any) (any, error) {
				rows, err := records.ListRecords(ctx, tc.WorkspaceID, "competitors", stringArg(args, "query"), intArg(args, "limit", defaultListLimit))
				if err != nil {
					return nil, err
				}
				out := map[string]any{
					"competitors": rowData(rows),
					"count":       len(rows),
				}
				if len(rows) == 0 {
					out["summary"] = "No competitors are saved in this workspace yet"
					out["continuations"] = []any{map[string]any{
						"suggestedNextTools": []any{DiscoverCompetitors},
						"reason":             "workspace has no competitors",
					}}
				}
				return out, nil
			},
		},
		{
			Name:        ListRecords,
			Description: "List records of any workspace section.",
			ArgsSchema: map[string]any{
				"type":                 "object",
				"required":             []any{"section"},
				"additionalProperties": false,
				"properties": map[string]any{
					"section": map[string]any{"type": "string"},
					"query":   map[string]any{"type": "string", "maxLength": 200},
					"limit":   map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
				},
			},
			ReturnsSchema: listReturns("records"),
			Execute: func(ctx context.Context, tc tools.Context, args map[string]any) (any, error) {
				section := stringArg(args, "section")
				rows, err := records.ListRecords(ctx, tc.WorkspaceID, section, stringArg(args, "query"), intArg(args, "limit", defaultListLimit))
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"records": rowData(rows),
					"section": section,
				}, nil
			},
		},
		{
			Name:        GetRecord,
			Description: "Fetch one workspace record by section and id.",
			ArgsSchema: map[string]any{
				"type":                 "object",
				"required":             []any{"section", "id"},
				"additionalProperties": false,
				"properties": map[string]any{
					"section": map[string]any{"type": "string"},
					"id":      map[string]any{"type": "string"},
				},
			},
			ReturnsSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"record": map[string]any{"type": "object"}},
			},
			Execute: func(ctx context.Context, tc tools.Context, args map[string]any) (any, error) {
				section, id := stringArg(args, "section"), stringArg(args, "id")
				row, err := records.GetRecord(ctx, tc.WorkspaceID, section, id)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"record":   row.Data,
					"summary":  fmt.Sprintf("Loaded %s record %s", section, id),
					"deepLink": fmt.Sprintf("/workspaces/%s/%s/%s", tc.WorkspaceID, section, id),
				}, nil
			},
		},
	}
}

func listReturns(key string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			key: map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
		},
	}
}

func rowData(rows []model.RowSample) []any {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Data)
	}
	return out
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
