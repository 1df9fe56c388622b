package workspace

import (
	"errors"
	"fmt"
)

var (
	ErrNotOpen            = errors.New("workspace not open")
	ErrWorkspaceMismatch  = errors.New("session is for a different workspace")
	ErrForbidden          = errors.New("forbidden")
	ErrSyncInProgress     = errors.New("sync already in progress")
	ErrRowNotFound        = errors.New("row not found")
	ErrRowNotConfirmed    = errors.New("row has no remote id yet")
	ErrColumnNotFound     = errors.New("column not found")
	ErrInvalidColumn      = errors.New("column name is required")
	ErrStatusColumn       = errors.New("status changes go through the transition workflow")
	ErrCommandNotFound    = errors.New("command not found")
	ErrCommandNotRetrying = errors.New("command is not in a retryable state")
)

type DuplicateColumnError struct {
	Name string
}

func (e *DuplicateColumnError) Error() string {
	return fmt.Sprintf("column %q already exists", e.Name)
}

// SyncError reports a failed remote write. The working copy is untouched.
type SyncError struct {
	WorkspaceID string
	CommandID   string
	Err         error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync workspace %s: %v", e.WorkspaceID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// PatchError reports a failed immediate row update. Nothing was applied
// locally.
type PatchError struct {
	RowID     string
	CommandID string
	Err       error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("update row %s: %v", e.RowID, e.Err)
}

func (e *PatchError) Unwrap() error { return e.Err }
