package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-logr/logr"

	"roster/api/internal/model"
	"roster/api/internal/workspace"
)

func snapshot(names ...string) model.Set {
	set := model.Set{Schema: []model.Column{{Name: "Name", Type: model.TypeText, IsDefault: true}}}
	for i, name := range names {
		set.Rows = append(set.Rows, model.Row{ID: "row_" + string(rune('a'+i)), Data: map[string]string{"Name": name}})
	}
	return set
}

func TestRecordListLoad(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir, logr.Discard())

	first, created, err := svc.Record("ws_1", snapshot("Ada"), "Avery", "sync: 1 rows")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if !created || first.Hash == "" {
		t.Fatalf("expected first commit, got %+v created=%v", first, created)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "ws_1", snapshotFile)); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	second, created, err := svc.Record("ws_1", snapshot("Ada", "Grace"), "Avery", "sync: 2 rows")
	if err != nil || !created {
		t.Fatalf("Record() second = %v created=%v", err, created)
	}

	history, err := svc.List("ws_1", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(history))
	}
	if history[0].Hash != second.Hash || history[1].Hash != first.Hash {
		t.Fatalf("expected newest first, got %+v", history)
	}
	if history[0].Author != "Avery" {
		t.Fatalf("unexpected author %q", history[0].Author)
	}

	loaded, err := svc.Load("ws_1", first.Hash)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Rows) != 1 || loaded.Rows[0].Data["Name"] != "Ada" {
		t.Fatalf("unexpected snapshot %+v", loaded)
	}

	limited, err := svc.List("ws_1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("List(limit=1) = %d, %v", len(limited), err)
	}
}

func TestRecordSkipsUnchangedSnapshot(t *testing.T) {
	svc := New(t.TempDir(), logr.Discard())
	first, _, err := svc.Record("ws_1", snapshot("Ada"), "Avery", "first")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	again, created, err := svc.Record("ws_1", snapshot("Ada"), "Avery", "again")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if created {
		t.Fatal("unchanged snapshot should not create a commit")
	}
	if again.Hash != first.Hash {
		t.Fatalf("expected head %s, got %s", first.Hash, again.Hash)
	}
}

func TestListWithoutHistory(t *testing.T) {
	svc := New(t.TempDir(), logr.Discard())
	if _, err := svc.List("ws_missing", 10); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
	if _, err := svc.List("../escape", 10); !errors.Is(err, ErrInvalidWorkspaceID) {
		t.Fatalf("expected ErrInvalidWorkspaceID, got %v", err)
	}
}

func TestOnSyncRecordsBaseline(t *testing.T) {
	svc := New(t.TempDir(), logr.Discard())
	svc.OnSync(context.Background(), workspace.SyncEvent{
		Kind:        workspace.CommandSync,
		WorkspaceID: "ws_2",
		ActorName:   "Grace Hopper",
		Baseline:    snapshot("Ada", "Grace"),
	})

	history, err := svc.List("ws_2", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(history))
	}
	if history[0].Message != "sync: 2 rows, 1 columns" {
		t.Fatalf("unexpected message %q", history[0].Message)
	}
}

func TestConcurrentRecords(t *testing.T) {
	svc := New(t.TempDir(), logr.Discard())
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := svc.Record("ws_1", snapshot(string(rune('A'+i))), "Avery", "concurrent")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	history, err := svc.List("ws_1", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 commits, got %d", len(history))
	}
}

func TestSanitizeEmail(t *testing.T) {
	cases := map[string]string{"Grace Hopper": "Grace.Hopper", "": "user", "a_b-c": "a.b.c", "!!": "user"}
	for in, want := range cases {
		if got := sanitizeEmail(in); got != want {
			t.Errorf("sanitizeEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
