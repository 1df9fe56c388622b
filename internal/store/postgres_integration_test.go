package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"roster/api/internal/model"
)

func TestPostgresStoreSyncLifecycle(t *testing.T) {
	db, ctx := openTestDB(t)
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewPostgresStore(db)

	if _, err := s.FetchSnapshot(ctx, "ws_missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for unknown workspace, got %v", err)
	}

	if _, err := s.EnsureWorkspace(ctx, "ws_1", "Hiring"); err != nil {
		t.Fatalf("EnsureWorkspace() error = %v", err)
	}
	snapshot, err := s.FetchSnapshot(ctx, "ws_1")
	if err != nil {
		t.Fatalf("FetchSnapshot() error = %v", err)
	}
	if len(snapshot.Schema) != len(DefaultSchema) || len(snapshot.Rows) != 0 {
		t.Fatalf("unexpected initial snapshot %+v", snapshot)
	}

	schema := append(append([]model.Column{}, DefaultSchema...), model.Column{Name: "Referral Source", Type: model.TypeText})
	ack, err := s.SyncChanges(ctx, "ws_1", model.ChangeSet{
		Added: []model.Row{
			{TempID: "tmp-1", IsNew: true, Data: map[string]string{"Name": "Ada", "Email": "ada@example.com", "Status": "New", "Referral Source": "Meetup"}},
		},
		Schema: schema,
	})
	if err != nil {
		t.Fatalf("SyncChanges() error = %v", err)
	}
	rowID := ack.AssignedIDs["tmp-1"]
	if rowID == "" {
		t.Fatalf("expected assigned id, got %+v", ack)
	}

	snapshot, err = s.FetchSnapshot(ctx, "ws_1")
	if err != nil {
		t.Fatalf("FetchSnapshot() error = %v", err)
	}
	if len(snapshot.Schema) != 4 || snapshot.Schema[3].Name != "Referral Source" {
		t.Fatalf("unexpected schema %+v", snapshot.Schema)
	}
	if len(snapshot.Rows) != 1 || snapshot.Rows[0].ID != rowID || snapshot.Rows[0].Data["Referral Source"] != "Meetup" {
		t.Fatalf("unexpected rows %+v", snapshot.Rows)
	}

	_, err = s.SyncChanges(ctx, "ws_1", model.ChangeSet{
		Added:   []model.Row{{TempID: "tmp-2", IsNew: true, Data: map[string]string{"Name": "Grace"}}},
		Updated: []model.RowUpdate{{ID: "row_gone", Data: map[string]string{"Name": "x"}}},
	})
	if !errors.Is(err, ErrRowMissing) {
		t.Fatalf("expected ErrRowMissing, got %v", err)
	}
	snapshot, _ = s.FetchSnapshot(ctx, "ws_1")
	if len(snapshot.Rows) != 1 {
		t.Fatalf("failed change set must not apply partially, got %d rows", len(snapshot.Rows))
	}

	if err := s.UpdateRow(ctx, "ws_1", rowID, map[string]string{"Name": "Ada", "Status": "Shortlisted", "Notified": "false"}); err != nil {
		t.Fatalf("UpdateRow() error = %v", err)
	}
	if err := s.UpdateRow(ctx, "ws_1", "row_gone", map[string]string{}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}

	if _, err := s.SyncChanges(ctx, "ws_1", model.ChangeSet{Deleted: []model.Row{{ID: rowID}}}); err != nil {
		t.Fatalf("SyncChanges(delete) error = %v", err)
	}
	snapshot, _ = s.FetchSnapshot(ctx, "ws_1")
	if len(snapshot.Rows) != 0 {
		t.Fatalf("expected row deleted, got %+v", snapshot.Rows)
	}
}
