package model

import "testing"

func TestSetCloneIsDeep(t *testing.T) {
	original := Set{
		Schema: []Column{{Name: "Name", Type: TypeText}},
		Rows:   []Row{{ID: "row_1", Data: map[string]string{"Name": "Ada"}}},
	}
	clone := original.Clone()
	clone.Rows[0].Data["Name"] = "Grace"
	clone.Schema[0].Name = "Full name"
	clone.Rows = append(clone.Rows, Row{TempID: "tmp"})

	if original.Rows[0].Data["Name"] != "Ada" {
		t.Fatalf("row data leaked through clone: %q", original.Rows[0].Data["Name"])
	}
	if original.Schema[0].Name != "Name" {
		t.Fatalf("schema leaked through clone: %q", original.Schema[0].Name)
	}
	if len(original.Rows) != 1 {
		t.Fatalf("expected 1 row in original, got %d", len(original.Rows))
	}
}

func TestRowIndexResolvesIDAndTempID(t *testing.T) {
	set := Set{Rows: []Row{
		{ID: "row_1"},
		{TempID: "tmp-1", IsNew: true},
	}}
	if got := set.RowIndex("row_1"); got != 0 {
		t.Fatalf("RowIndex(row_1) = %d, want 0", got)
	}
	if got := set.RowIndex("tmp-1"); got != 1 {
		t.Fatalf("RowIndex(tmp-1) = %d, want 1", got)
	}
	if got := set.RowIndex(""); got != -1 {
		t.Fatalf("RowIndex(\"\") = %d, want -1", got)
	}
}

func TestDiffDirty(t *testing.T) {
	cases := []struct {
		name  string
		diff  Diff
		dirty bool
	}{
		{name: "empty", diff: Diff{}, dirty: false},
		{name: "added", diff: Diff{Added: []Row{{}}}, dirty: true},
		{name: "updated", diff: Diff{Updated: []RowUpdate{{ID: "a"}}}, dirty: true},
		{name: "deleted", diff: Diff{Deleted: []Row{{}}}, dirty: true},
		{name: "schema", diff: Diff{SchemaChanged: true}, dirty: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.diff.Dirty(); got != tc.dirty {
				t.Fatalf("Dirty() = %v, want %v", got, tc.dirty)
			}
		})
	}
}
