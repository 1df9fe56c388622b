// Package tracker compares a Baseline with a Working Copy.
package tracker

import (
	"roster/api/internal/model"
)

// ComputeDiff reports what must be sent to the remote layer to turn
// baseline into working. It never mutates its inputs and the returned rows
// share no maps with them.
func ComputeDiff(baseline, working model.Set) model.Diff {
	diff := model.Diff{
		Added:   []model.Row{},
		Updated: []model.RowUpdate{},
		Deleted: []model.Row{},
	}

	base := make(map[string]model.Row, len(baseline.Rows))
	for _, row := range baseline.Rows {
		if row.IsNew || row.ID == "" {
			continue
		}
		base[row.ID] = row
	}

	present := make(map[string]struct{}, len(working.Rows))
	for _, row := range working.Rows {
		if row.IsNew {
			diff.Added = append(diff.Added, row.Clone())
			continue
		}
		if row.ID == "" {
			continue
		}
		present[row.ID] = struct{}{}
		prev, ok := base[row.ID]
		if !ok {
			continue
		}
		if !DataEqual(prev.Data, row.Data) {
			diff.Updated = append(diff.Updated, model.RowUpdate{ID: row.ID, Data: model.CloneData(row.Data)})
		}
	}

	for _, row := range baseline.Rows {
		if row.IsNew || row.ID == "" {
			continue
		}
		if _, ok := present[row.ID]; !ok {
			diff.Deleted = append(diff.Deleted, row.Clone())
		}
	}

	diff.SchemaChanged = !SchemaEqual(baseline.Schema, working.Schema)
	return diff
}

// DataEqual treats a nil map and an empty map as equal.
func DataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for key, value := range a {
		other, ok := b[key]
		if !ok || other != value {
			return false
		}
	}
	return true
}

// SchemaEqual compares schemas as sets of {name,type} pairs.
func SchemaEqual(a, b []model.Column) bool {
	left := columnSet(a)
	right := columnSet(b)
	if len(left) != len(right) {
		return false
	}
	for key := range left {
		if _, ok := right[key]; !ok {
			return false
		}
	}
	return true
}

type columnKey struct {
	name string
	typ  string
}

func columnSet(columns []model.Column) map[columnKey]struct{} {
	out := make(map[columnKey]struct{}, len(columns))
	for _, column := range columns {
		out[columnKey{name: column.Name, typ: column.Type}] = struct{}{}
	}
	return out
}

// ChangeSetFor converts a diff into the payload of one sync. The schema is
// attached only when it changed.
func ChangeSetFor(diff model.Diff, working model.Set) model.ChangeSet {
	change := model.ChangeSet{
		Added:   diff.Added,
		Updated: diff.Updated,
		Deleted: diff.Deleted,
	}
	if diff.SchemaChanged {
		change.Schema = append([]model.Column(nil), working.Schema...)
		if change.Schema == nil {
			change.Schema = []model.Column{}
		}
	}
	return change
}
