package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roster/api/internal/model"
	"roster/api/internal/util"
)

// ErrRowMissing is returned when a change set updates a row the remote no
// longer holds. The whole change set is rolled back.
var ErrRowMissing = errors.New("row missing remotely")

// DefaultSchema is the schema a new workspace starts with.
var DefaultSchema = []model.Column{
	{Name: model.FieldName, Type: model.TypeText, IsDefault: true},
	{Name: model.FieldEmail, Type: model.TypeText, IsDefault: true},
	{Name: model.FieldStatus, Type: model.TypeText, IsDefault: true},
}

type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureWorkspace creates the workspace with DefaultSchema unless it exists.
func (s *PostgresStore) EnsureWorkspace(ctx context.Context, workspaceID, name string) (Workspace, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Workspace{}, fmt.Errorf("begin ensure workspace tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO workspaces (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, workspaceID, name)
	if err != nil {
		return Workspace{}, fmt.Errorf("insert workspace: %w", err)
	}
	if created, _ := result.RowsAffected(); created > 0 {
		if err := upsertSchema(ctx, tx, workspaceID, DefaultSchema); err != nil {
			return Workspace{}, err
		}
	}

	var item Workspace
	err = tx.QueryRowContext(ctx, `SELECT id, name, updated_at FROM workspaces WHERE id=$1`, workspaceID).
		Scan(&item.ID, &item.Name, &item.UpdatedAt)
	if err != nil {
		return Workspace{}, fmt.Errorf("read workspace: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Workspace{}, fmt.Errorf("commit ensure workspace tx: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, updated_at FROM workspaces ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	items := make([]Workspace, 0)
	for rows.Next() {
		var item Workspace
		if err := rows.Scan(&item.ID, &item.Name, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return items, nil
}

// FetchSnapshot returns the confirmed rows and schema of a workspace.
// An unknown workspace yields sql.ErrNoRows.
func (s *PostgresStore) FetchSnapshot(ctx context.Context, workspaceID string) (model.Set, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM workspaces WHERE id=$1)`, workspaceID).Scan(&exists); err != nil {
		return model.Set{}, fmt.Errorf("check workspace: %w", err)
	}
	if !exists {
		return model.Set{}, sql.ErrNoRows
	}

	schema, err := s.readSchema(ctx, workspaceID)
	if err != nil {
		return model.Set{}, err
	}
	rows, err := s.readRows(ctx, workspaceID)
	if err != nil {
		return model.Set{}, err
	}
	return model.Set{Rows: rows, Schema: schema}, nil
}

func (s *PostgresStore) readSchema(ctx context.Context, workspaceID string) ([]model.Column, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, is_default
		FROM workspace_columns
		WHERE workspace_id=$1
		ORDER BY position ASC, name ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	schema := make([]model.Column, 0)
	for rows.Next() {
		var column model.Column
		if err := rows.Scan(&column.Name, &column.Type, &column.IsDefault); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		schema = append(schema, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return schema, nil
}

func (s *PostgresStore) readRows(ctx context.Context, workspaceID string) ([]model.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data
		FROM workspace_rows
		WHERE workspace_id=$1
		ORDER BY position ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	items := make([]model.Row, 0)
	for rows.Next() {
		var (
			row model.Row
			raw []byte
		)
		if err := rows.Scan(&row.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal(raw, &row.Data); err != nil {
			return nil, fmt.Errorf("decode row %s: %w", row.ID, err)
		}
		if row.Data == nil {
			row.Data = map[string]string{}
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}

// SyncChanges applies a change set in one transaction: either every row
// change and the schema change commit, or none do.
func (s *PostgresStore) SyncChanges(ctx context.Context, workspaceID string, change model.ChangeSet) (model.Ack, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Ack{}, fmt.Errorf("begin sync tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM workspaces WHERE id=$1 FOR UPDATE`, workspaceID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Ack{}, sql.ErrNoRows
	}
	if err != nil {
		return model.Ack{}, fmt.Errorf("lock workspace: %w", err)
	}

	if change.Schema != nil {
		if err := upsertSchema(ctx, tx, workspaceID, change.Schema); err != nil {
			return model.Ack{}, err
		}
	}

	ack := model.Ack{AssignedIDs: make(map[string]string, len(change.Added))}
	for _, row := range change.Added {
		payload, err := encodeData(row.Data)
		if err != nil {
			return model.Ack{}, err
		}
		id := util.NewID("row")
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspace_rows (id, workspace_id, data)
			VALUES ($1, $2, $3)
		`, id, workspaceID, payload); err != nil {
			return model.Ack{}, fmt.Errorf("insert row: %w", err)
		}
		if row.TempID != "" {
			ack.AssignedIDs[row.TempID] = id
		}
	}

	for _, update := range change.Updated {
		payload, err := encodeData(update.Data)
		if err != nil {
			return model.Ack{}, err
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE workspace_rows
			SET data=$3, updated_at=NOW()
			WHERE workspace_id=$1 AND id=$2
		`, workspaceID, update.ID, payload)
		if err != nil {
			return model.Ack{}, fmt.Errorf("update row %s: %w", update.ID, err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return model.Ack{}, fmt.Errorf("update row %s: %w", update.ID, ErrRowMissing)
		}
	}

	for _, row := range change.Deleted {
		if row.ID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM workspace_rows WHERE workspace_id=$1 AND id=$2`, workspaceID, row.ID); err != nil {
			return model.Ack{}, fmt.Errorf("delete row %s: %w", row.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE workspaces SET updated_at=NOW() WHERE id=$1`, workspaceID); err != nil {
		return model.Ack{}, fmt.Errorf("touch workspace: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Ack{}, fmt.Errorf("commit sync tx: %w", err)
	}
	ack.AppliedAt = s.now().UTC()
	return ack, nil
}

// UpdateRow replaces the data of one confirmed row outside the batched sync.
func (s *PostgresStore) UpdateRow(ctx context.Context, workspaceID, rowID string, data map[string]string) error {
	payload, err := encodeData(data)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE workspace_rows
		SET data=$3, updated_at=NOW()
		WHERE workspace_id=$1 AND id=$2
	`, workspaceID, rowID, payload)
	if err != nil {
		return fmt.Errorf("update row: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE workspaces SET updated_at=NOW() WHERE id=$1`, workspaceID); err != nil {
		return fmt.Errorf("touch workspace: %w", err)
	}
	return nil
}

// upsertSchema makes the stored columns equal to schema: columns are
// upserted by name and any column not in schema is removed.
func upsertSchema(ctx context.Context, tx *sql.Tx, workspaceID string, schema []model.Column) error {
	names := make([]string, 0, len(schema))
	for position, column := range schema {
		columnType := column.Type
		if columnType == "" {
			columnType = model.TypeText
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspace_columns (workspace_id, name, type, is_default, position)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (workspace_id, name) DO UPDATE
			SET type=EXCLUDED.type, is_default=EXCLUDED.is_default, position=EXCLUDED.position
		`, workspaceID, column.Name, columnType, column.IsDefault, position); err != nil {
			return fmt.Errorf("upsert column %s: %w", column.Name, err)
		}
		names = append(names, column.Name)
	}

	namesJSON, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("marshal column names: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM workspace_columns
		WHERE workspace_id=$1
			AND NOT (name = ANY(ARRAY(SELECT jsonb_array_elements_text($2::jsonb))))
	`, workspaceID, string(namesJSON)); err != nil {
		return fmt.Errorf("remove stale columns: %w", err)
	}
	return nil
}

func encodeData(data map[string]string) (string, error) {
	if data == nil {
		data = map[string]string{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal row data: %w", err)
	}
	return string(payload), nil
}
