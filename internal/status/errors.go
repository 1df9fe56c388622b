package status

import (
	"errors"
	"fmt"
)

var (
	ErrTransitionInProgress = errors.New("a status change is already open for this row")
	ErrNoTransition         = errors.New("no status change open for this row")
	ErrWrongStage           = errors.New("status change is not at this step")
)

// ValidationError is raised before any remote call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// RowUpdateError means the status commit failed; the status was not
// applied locally.
type RowUpdateError struct {
	RowID     string
	Status    Status
	CommandID string
	Err       error
}

func (e *RowUpdateError) Error() string {
	return fmt.Sprintf("commit status %s on row %s: %v", e.Status, e.RowID, e.Err)
}

func (e *RowUpdateError) Unwrap() error { return e.Err }

// NotificationError means the dispatch failed and the row stays pending at
// its previous status.
type NotificationError struct {
	RowID  string
	Status Status
	Err    error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s for row %s: %v", e.Status, e.RowID, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }
