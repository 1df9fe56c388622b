package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var migrationPattern = regexp.MustCompile(`^(\d+)_[a-z0-9_]+\.(up|down)\.sql$`)

type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// ListMigrations pairs the up and down files of migrationsDir, ordered by
// version.
func ListMigrations(migrationsDir string) ([]Migration, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := migrationPattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		item, ok := byVersion[match[1]]
		if !ok {
			item = &Migration{Version: match[1]}
			byVersion[match[1]] = item
		}
		path := filepath.Join(migrationsDir, name)
		switch match[2] {
		case "up":
			if item.Up != "" {
				return nil, fmt.Errorf("duplicate up migration for version %s", match[1])
			}
			item.Up = path
			item.Name = name
		case "down":
			if item.Down != "" {
				return nil, fmt.Errorf("duplicate down migration for version %s", match[1])
			}
			item.Down = path
		}
	}

	items := make([]Migration, 0, len(byVersion))
	for _, item := range byVersion {
		if item.Up == "" || item.Down == "" {
			return nil, fmt.Errorf("migration %s must include both up and down files", item.Version)
		}
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version < items[j].Version })
	return items, nil
}

// ApplyMigrations runs every pending up migration, each in its own
// transaction, and returns the names it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := ListMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0)
	for _, migration := range migrations {
		migrated, err := isMigrated(ctx, db, migration.Name)
		if err != nil {
			return applied, err
		}
		if migrated {
			continue
		}
		err = runInTx(ctx, db, migration.Up, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, migration.Name)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", migration.Name, err)
		}
		applied = append(applied, migration.Name)
	}
	return applied, nil
}

// RollbackMigrations reverts the most recent steps applied migrations.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := ListMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	reverted := make([]string, 0)
	for i := len(migrations) - 1; i >= 0 && len(reverted) < steps; i-- {
		migration := migrations[i]
		migrated, err := isMigrated(ctx, db, migration.Name)
		if err != nil {
			return reverted, err
		}
		if !migrated {
			continue
		}
		err = runInTx(ctx, db, migration.Down, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, migration.Name)
			return err
		})
		if err != nil {
			return reverted, fmt.Errorf("revert migration %s: %w", migration.Name, err)
		}
		reverted = append(reverted, migration.Name)
	}
	return reverted, nil
}

func runInTx(ctx context.Context, db *sql.DB, file string, record func(*sql.Tx) error) error {
	contents, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(file), err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if statement := strings.TrimSpace(string(contents)); statement != "" {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute: %w", err)
		}
	}
	if err := record(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
