package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"roster/api/internal/auth"
	"roster/api/internal/history"
	"roster/api/internal/status"
	"roster/api/internal/store"
	"roster/api/internal/workspace"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (httpStatus int, code, message string, details any) {
	var (
		domainErr    *DomainError
		duplicate    *workspace.DuplicateColumnError
		syncErr      *workspace.SyncError
		patchErr     *workspace.PatchError
		validation   *status.ValidationError
		rowUpdateErr *status.RowUpdateError
		notifyErr    *status.NotificationError
	)
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, workspace.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Error(), map[string]any{"field": validation.Field}
	case errors.Is(err, workspace.ErrInvalidColumn), errors.Is(err, workspace.ErrColumnNotFound), errors.Is(err, workspace.ErrStatusColumn):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.As(err, &duplicate):
		return http.StatusConflict, "DUPLICATE_COLUMN", duplicate.Error(), map[string]any{"column": duplicate.Name}
	case errors.Is(err, workspace.ErrSyncInProgress):
		return http.StatusConflict, "SYNC_IN_PROGRESS", "A sync is already running", nil
	case errors.Is(err, status.ErrTransitionInProgress):
		return http.StatusConflict, "TRANSITION_IN_PROGRESS", "A status change is already open for this row", nil
	case errors.Is(err, status.ErrNoTransition), errors.Is(err, status.ErrWrongStage):
		return http.StatusConflict, "INVALID_STAGE", err.Error(), nil
	case errors.Is(err, workspace.ErrNotOpen), errors.Is(err, workspace.ErrWorkspaceMismatch):
		return http.StatusConflict, "WORKSPACE_NOT_OPEN", "Workspace is not open", nil
	case errors.Is(err, workspace.ErrRowNotConfirmed):
		return http.StatusConflict, "ROW_NOT_CONFIRMED", "Row has not been synced yet", nil
	case errors.Is(err, workspace.ErrCommandNotRetrying):
		return http.StatusConflict, "COMMAND_NOT_RETRYABLE", "Command is not in a failed state", nil
	case errors.As(err, &syncErr):
		return http.StatusBadGateway, "SYNC_FAILED", "Saving changes failed", map[string]any{"commandId": syncErr.CommandID}
	case errors.As(err, &rowUpdateErr):
		return http.StatusBadGateway, "ROW_UPDATE_FAILED", "Updating the row failed", map[string]any{"commandId": rowUpdateErr.CommandID, "rowId": rowUpdateErr.RowID}
	case errors.As(err, &patchErr):
		return http.StatusBadGateway, "ROW_UPDATE_FAILED", "Updating the row failed", map[string]any{"commandId": patchErr.CommandID, "rowId": patchErr.RowID}
	case errors.As(err, &notifyErr):
		return http.StatusBadGateway, "NOTIFICATION_FAILED", "Sending the notification failed", map[string]any{"rowId": notifyErr.RowID}
	case errors.Is(err, workspace.ErrRowNotFound), errors.Is(err, workspace.ErrCommandNotFound),
		errors.Is(err, history.ErrNoHistory), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrRowMissing):
		return http.StatusConflict, "REMOTE_CHANGED", "A row was removed remotely", nil
	case errors.Is(err, history.ErrInvalidWorkspaceID):
		return http.StatusBadRequest, "INVALID_WORKSPACE", "Invalid workspace id", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
