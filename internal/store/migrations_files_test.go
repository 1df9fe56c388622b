package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrations, err := ListMigrations(filepath.Join("..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("ListMigrations() error = %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations discovered")
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].Version >= migrations[i].Version {
			t.Fatalf("migrations out of order: %s before %s", migrations[i-1].Version, migrations[i].Version)
		}
	}
	if migrations[0].Name != "0001_workspaces.up.sql" {
		t.Fatalf("unexpected first migration %q", migrations[0].Name)
	}
}

func TestListMigrationsRejectsMissingDown(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "0001_init.up.sql"), "SELECT 1;")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	_, err := ListMigrations(dir)
	if err == nil || !strings.Contains(err.Error(), "both up and down") {
		t.Fatalf("expected pairing error, got %v", err)
	}
}

func TestListMigrationsOrdersByVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0002_b.down.sql", "0001_a.up.sql", "0001_a.down.sql"} {
		writeFile(t, filepath.Join(dir, name), "SELECT 1;")
	}
	migrations, err := ListMigrations(dir)
	if err != nil {
		t.Fatalf("ListMigrations() error = %v", err)
	}
	if len(migrations) != 2 || migrations[0].Version != "0001" || migrations[1].Down != filepath.Join(dir, "0002_b.down.sql") {
		t.Fatalf("unexpected migrations %+v", migrations)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
