package mutation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/conductor/internal/model"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ListRecords returns up to limit rows of a section ordered by creation
// time. A non-empty query keeps rows whose searchable fields contain it,
// case-insensitively.
func (s *Service) ListRecords(ctx context.Context, workspaceID, section, query string, limit int) ([]model.RowSample, error) {
	sec, ok := s.catalog.Section(section)
	if !ok {
		return nil, fmt.Errorf("%w: unknown section %q", ErrInvalidOperation, section)
	}
	rows, err := loadSection(ctx, s.db, workspaceID, section)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]model.RowSample, 0, len(rows))
	for _, r := range rows {
		if q != "" && !matchesQuery(r.Data, sec.Searchable, q) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetRecord returns one row.
func (s *Service) GetRecord(ctx context.Context, workspaceID, section, id string) (model.RowSample, error) {
	return loadRow(ctx, s.db, workspaceID, section, id)
}

// CountRecords returns row counts per section for a workspace. Sections
// with no rows are present with a zero count.
func (s *Service) CountRecords(ctx context.Context, workspaceID string) (map[string]int, error) {
	counts := make(map[string]int)
	for _, name := range s.catalog.Names() {
		counts[name] = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT section, COUNT(*) FROM records WHERE workspace_id = ? GROUP BY section`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("mutation: count records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var section string
		var n int
		if err := rows.Scan(&section, &n); err != nil {
			return nil, fmt.Errorf("mutation: scan count: %w", err)
		}
		counts[section] = n
	}
	return counts, rows.Err()
}

// InsertRecord adds a row directly, bypassing staging. It is used for
// seeding and imports.
func (s *Service) InsertRecord(ctx context.Context, workspaceID, section string, data map[string]any) (model.RowSample, error) {
	if _, ok := s.catalog.Section(section); !ok {
		return model.RowSample{}, fmt.Errorf("%w: unknown section %q", ErrInvalidOperation, section)
	}
	row := newRow(workspaceID, data, s.now())
	if err := upsertRow(ctx, s.db, workspaceID, section, row, s.now()); err != nil {
		return model.RowSample{}, err
	}
	return row, nil
}

func newRow(workspaceID string, patch map[string]any, at time.Time) model.RowSample {
	data := make(map[string]any, len(patch)+3)
	for k, v := range patch {
		data[k] = v
	}
	id, _ := data["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	data["id"] = id
	data["workspace_id"] = workspaceID
	if _, ok := data["created_at"]; !ok {
		data["created_at"] = formatTime(at)
	}
	return model.RowSample{ID: id, Data: data}
}

func loadSection(ctx context.Context, q querier, workspaceID, section string) ([]model.RowSample, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, data FROM records WHERE workspace_id = ? AND section = ?
		 ORDER BY created_at, id`, workspaceID, section)
	if err != nil {
		return nil, fmt.Errorf("mutation: list %s: %w", section, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.RowSample
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("mutation: scan %s row: %w", section, err)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("mutation: decode %s/%s: %w", section, id, err)
		}
		out = append(out, model.RowSample{ID: id, Data: data})
	}
	return out, rows.Err()
}

func loadRow(ctx context.Context, q querier, workspaceID, section, id string) (model.RowSample, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM records WHERE workspace_id = ? AND section = ? AND id = ?`,
		workspaceID, section, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RowSample{}, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, section, id)
	}
	if err != nil {
		return model.RowSample{}, fmt.Errorf("mutation: get %s/%s: %w", section, id, err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return model.RowSample{}, fmt.Errorf("mutation: decode %s/%s: %w", section, id, err)
	}
	return model.RowSample{ID: id, Data: data}, nil
}

func upsertRow(ctx context.Context, q querier, workspaceID, section string, row model.RowSample, at time.Time) error {
	raw, err := json.Marshal(row.Data)
	if err != nil {
		return fmt.Errorf("mutation: encode %s/%s: %w", section, row.ID, err)
	}
	created, _ := row.Data["created_at"].(string)
	if created == "" {
		created = formatTime(at)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO records (workspace_id, section, id, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workspace_id, section, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		workspaceID, section, row.ID, string(raw), created, formatTime(at))
	if err != nil {
		return fmt.Errorf("mutation: write %s/%s: %w", section, row.ID, err)
	}
	return nil
}

func deleteRow(ctx context.Context, q querier, workspaceID, section, id string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM records WHERE workspace_id = ? AND section = ? AND id = ?`, workspaceID, section, id)
	if err != nil {
		return fmt.Errorf("mutation: delete %s/%s: %w", section, id, err)
	}
	return nil
}

func matchesQuery(data map[string]any, fields []string, q string) bool {
	if len(fields) == 0 {
		fields = sortedKeys(data)
	}
	for _, f := range fields {
		if s, ok := data[f].(string); ok && strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
