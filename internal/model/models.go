// Package model holds the passive row and schema shapes shared by the
// editor, the dirty tracker and the remote persistence layer.
package model

import "time"

const TypeText = "text"

// Reserved row fields.
const (
	FieldName     = "Name"
	FieldEmail    = "Email"
	FieldStatus   = "Status"
	FieldNotified = "Notified"
	FieldScore    = "Score"
)

type Row struct {
	ID     string            `json:"id,omitempty"`
	TempID string            `json:"tempId,omitempty"`
	Data   map[string]string `json:"data"`
	IsNew  bool              `json:"isNew"`
}

// Ref returns the handle used to address the row locally: the remote id
// once assigned, the client temp id before that.
func (r Row) Ref() string {
	if r.ID != "" {
		return r.ID
	}
	return r.TempID
}

func (r Row) Clone() Row {
	out := r
	out.Data = CloneData(r.Data)
	return out
}

type Column struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	IsDefault bool   `json:"isDefault"`
}

// Set is the shape of both the Working Copy and the Baseline.
type Set struct {
	Rows   []Row    `json:"rows"`
	Schema []Column `json:"schema"`
}

// Clone returns a deep copy; mutating the result never affects s.
func (s Set) Clone() Set {
	out := Set{
		Rows:   make([]Row, len(s.Rows)),
		Schema: make([]Column, len(s.Schema)),
	}
	for i, row := range s.Rows {
		out.Rows[i] = row.Clone()
	}
	copy(out.Schema, s.Schema)
	return out
}

func (s Set) HasColumn(name string) bool {
	for _, column := range s.Schema {
		if column.Name == name {
			return true
		}
	}
	return false
}

// RowIndex returns the position of the row addressed by ref, or -1.
func (s Set) RowIndex(ref string) int {
	if ref == "" {
		return -1
	}
	for i, row := range s.Rows {
		if row.ID == ref || (row.ID == "" && row.TempID == ref) {
			return i
		}
	}
	return -1
}

func (s Set) ColumnNames() []string {
	names := make([]string, 0, len(s.Schema))
	for _, column := range s.Schema {
		names = append(names, column.Name)
	}
	return names
}

type RowUpdate struct {
	ID   string            `json:"id"`
	Data map[string]string `json:"data"`
}

type Diff struct {
	Added         []Row       `json:"added"`
	Updated       []RowUpdate `json:"updated"`
	Deleted       []Row       `json:"deleted"`
	SchemaChanged bool        `json:"schemaChanged"`
}

func (d Diff) Dirty() bool {
	return len(d.Added) > 0 || len(d.Updated) > 0 || len(d.Deleted) > 0 || d.SchemaChanged
}

func (d Diff) Empty() bool {
	return !d.Dirty()
}

// ChangeSet is what one sync sends to the remote layer. Schema is nil
// unless the schema changed.
type ChangeSet struct {
	Added   []Row       `json:"added"`
	Updated []RowUpdate `json:"updated"`
	Deleted []Row       `json:"deleted"`
	Schema  []Column    `json:"schema,omitempty"`
}

// Ack maps the temp id of every added row to the id the remote assigned.
type Ack struct {
	AssignedIDs map[string]string `json:"assignedIds"`
	AppliedAt   time.Time         `json:"appliedAt"`
}

func CloneData(data map[string]string) map[string]string {
	if data == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(data))
	for key, value := range data {
		out[key] = value
	}
	return out
}
