package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/ashita-ai/conductor/internal/model"
)

// change is the net effect of a batch on one row. A nil Before means the
// batch created the row; a nil After means it deleted it.
type change struct {
	Section string         `json:"section"`
	ID      string         `json:"id"`
	Before  map[string]any `json:"before"`
	After   map[string]any `json:"-"`
}

type sectionState struct {
	order    []string
	rows     map[string]map[string]any
	original map[string]map[string]any
}

// workset simulates a batch of operations over copies of the affected
// sections so Stage and Apply compute identical effects.
type workset struct {
	q           querier
	workspaceID string
	at          time.Time
	sections    map[string]*sectionState
	touched     []touchKey
	seen        map[touchKey]bool
}

type touchKey struct{ section, id string }

func (s *Service) simulate(ctx context.Context, q querier, workspaceID string, ops []model.MutationOperation) (*workset, int, []string, error) {
	w := &workset{
		q:           q,
		workspaceID: workspaceID,
		at:          s.now(),
		sections:    make(map[string]*sectionState),
		seen:        make(map[touchKey]bool),
	}
	matched := 0
	var warnings []string
	for i, op := range ops {
		if !op.Kind.Valid() {
			return nil, 0, nil, fmt.Errorf("%w: operation %d has unknown kind %q", ErrInvalidOperation, i, op.Kind)
		}
		if _, ok := s.catalog.Section(op.Section); !ok {
			return nil, 0, nil, fmt.Errorf("%w: operation %d targets unknown section %q", ErrInvalidOperation, i, op.Section)
		}
		st, err := w.section(ctx, op.Section)
		if err != nil {
			return nil, 0, nil, err
		}

		if op.Kind == model.MutationCreateRow {
			row := newRow(workspaceID, op.Patch, w.at)
			st.rows[row.ID] = row.Data
			st.order = append(st.order, row.ID)
			w.touch(op.Section, row.ID)
			continue
		}

		targets := resolveTargets(op, st)
		if len(targets) == 0 {
			warnings = append(warnings, fmt.Sprintf("%s matched no rows in %s", op.Kind, op.Section))
			continue
		}
		matched += len(targets)
		for _, id := range targets {
			w.touch(op.Section, id)
			data := st.rows[id]
			switch op.Kind {
			case model.MutationUpdateRow, model.MutationUpdateRows:
				next := copyMap(data)
				for k, v := range op.Patch {
					next[k] = v
				}
				st.rows[id] = next
			case model.MutationDeleteRow, model.MutationDeleteRows, model.MutationClearSection:
				delete(st.rows, id)
			case model.MutationAppendList:
				next := copyMap(data)
				next[op.Field] = appendUnique(asList(data[op.Field]), op.Values)
				st.rows[id] = next
			case model.MutationRemoveListItem:
				next := copyMap(data)
				next[op.Field] = removeValues(asList(data[op.Field]), op.Values)
				st.rows[id] = next
			}
		}
	}
	return w, matched, warnings, nil
}

func (w *workset) section(ctx context.Context, name string) (*sectionState, error) {
	if st, ok := w.sections[name]; ok {
		return st, nil
	}
	rows, err := loadSection(ctx, w.q, w.workspaceID, name)
	if err != nil {
		return nil, err
	}
	st := &sectionState{
		rows:     make(map[string]map[string]any, len(rows)),
		original: make(map[string]map[string]any, len(rows)),
	}
	for _, r := range rows {
		st.order = append(st.order, r.ID)
		st.rows[r.ID] = r.Data
		st.original[r.ID] = r.Data
	}
	w.sections[name] = st
	return st, nil
}

func (w *workset) touch(section, id string) {
	k := touchKey{section, id}
	if !w.seen[k] {
		w.seen[k] = true
		w.touched = append(w.touched, k)
	}
}

// changes returns the net per-row effects in first-touch order.
func (w *workset) changes() []change {
	var out []change
	for _, k := range w.touched {
		st := w.sections[k.section]
		before := st.original[k.id]
		after := st.rows[k.id]
		if before == nil && after == nil {
			continue
		}
		if reflect.DeepEqual(before, after) {
			continue
		}
		out = append(out, change{Section: k.section, ID: k.id, Before: before, After: after})
	}
	return out
}

func resolveTargets(op model.MutationOperation, st *sectionState) []string {
	switch op.Kind {
	case model.MutationUpdateRow, model.MutationDeleteRow, model.MutationAppendList, model.MutationRemoveListItem:
		if _, ok := st.rows[op.RowID]; ok && op.RowID != "" {
			return []string{op.RowID}
		}
		return nil
	case model.MutationClearSection:
		return liveIDs(st, nil)
	}
	if len(op.RowIDs) > 0 {
		var out []string
		for _, id := range op.RowIDs {
			if _, ok := st.rows[id]; ok && !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
		return out
	}
	return liveIDs(st, op.Where)
}

func liveIDs(st *sectionState, where map[string]any) []string {
	var out []string
	for _, id := range st.order {
		data, ok := st.rows[id]
		if !ok || slices.Contains(out, id) {
			continue
		}
		if matchesWhere(data, where) {
			out = append(out, id)
		}
	}
	return out
}

func matchesWhere(data, where map[string]any) bool {
	for k, want := range where {
		got, ok := data[k]
		if !ok || !strings.EqualFold(fmt.Sprint(got), fmt.Sprint(want)) {
			return false
		}
	}
	return true
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func asList(v any) []any {
	switch x := v.(type) {
	case []any:
		return append([]any(nil), x...)
	case string:
		if x == "" {
			return nil
		}
		return []any{x}
	}
	return nil
}

func appendUnique(list, values []any) []any {
	for _, v := range values {
		if !containsValue(list, v) {
			list = append(list, v)
		}
	}
	if list == nil {
		list = []any{}
	}
	return list
}

func removeValues(list, values []any) []any {
	out := []any{}
	for _, v := range list {
		if !containsValue(values, v) {
			out = append(out, v)
		}
	}
	return out
}

func containsValue(list []any, v any) bool {
	for _, x := range list {
		if fmt.Sprint(x) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func samples(changes []change, after bool) []model.RowSample {
	out := []model.RowSample{}
	for _, c := range changes {
		data := c.Before
		if after {
			data = c.After
		}
		if data == nil {
			continue
		}
		out = append(out, model.RowSample{ID: c.ID, Data: data})
		if len(out) >= sampleLimit {
			break
		}
	}
	return out
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
