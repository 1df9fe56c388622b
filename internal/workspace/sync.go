package workspace

import (
	"context"

	"roster/api/internal/model"
	"roster/api/internal/rbac"
	"roster/api/internal/tracker"
)

type SyncResult struct {
	NoOp          bool              `json:"noOp"`
	CommandID     string            `json:"commandId,omitempty"`
	Added         int               `json:"added"`
	Updated       int               `json:"updated"`
	Deleted       int               `json:"deleted"`
	SchemaChanged bool              `json:"schemaChanged"`
	AssignedIDs   map[string]string `json:"assignedIds,omitempty"`
	// Reloaded is false when the post-sync snapshot could not be fetched.
	Reloaded bool `json:"reloaded"`
}

// Sync sends the current diff to the remote store as one change set. Only
// one sync runs at a time; a call made while another is in flight fails with
// ErrSyncInProgress. Edits made during the remote write stay in the working
// copy and show up in the next diff. Remote writes are serialized, so a row
// patch in flight finishes before the diff is taken and one issued during
// the sync waits until the reload is done.
func (e *Editor) Sync(ctx context.Context, s rbac.WorkspaceSession) (SyncResult, error) {
	e.mu.Lock()
	if err := e.authorizeLocked(s, rbac.ActionSync); err != nil {
		e.mu.Unlock()
		return SyncResult{}, err
	}
	if e.syncState == SyncSyncing {
		e.mu.Unlock()
		return SyncResult{}, ErrSyncInProgress
	}
	e.syncState = SyncSyncing
	e.mu.Unlock()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	diff := tracker.ComputeDiff(e.baseline, e.working)
	if !diff.Dirty() {
		e.syncState = SyncIdle
		e.lastSyncErr = nil
		st := e.bumpLocked()
		e.mu.Unlock()
		e.publish(st)
		return SyncResult{NoOp: true, Reloaded: true}, nil
	}

	workspaceID := e.workspaceID
	captured := e.working.Clone()
	change := tracker.ChangeSetFor(diff, captured)
	startSeq := e.editSeq
	cmd := e.commands.append(Command{Kind: CommandSync, Actor: s.UserID}, e.now())
	st := e.bumpLocked()
	e.mu.Unlock()
	e.publish(st)

	result := SyncResult{
		CommandID:     cmd.ID,
		Added:         len(change.Added),
		Updated:       len(change.Updated),
		Deleted:       len(change.Deleted),
		SchemaChanged: diff.SchemaChanged,
	}

	ack, err := e.remote.SyncChanges(ctx, workspaceID, change)
	if err != nil {
		syncErr := &SyncError{WorkspaceID: workspaceID, CommandID: cmd.ID, Err: err}
		e.mu.Lock()
		e.syncState = SyncFailed
		e.lastSyncErr = syncErr
		e.commands.mark(cmd.ID, CommandFailed, err, e.now())
		st := e.bumpLocked()
		e.mu.Unlock()
		e.log.Error(err, "sync failed", "workspace", workspaceID, "command", cmd.ID)
		e.publish(st)
		return result, syncErr
	}
	result.AssignedIDs = ack.AssignedIDs

	e.mu.Lock()
	e.baseline = assignIDs(captured, ack.AssignedIDs)
	e.working = assignIDs(e.working, ack.AssignedIDs)
	e.syncState = SyncIdle
	e.lastSyncErr = nil
	e.remoteAhead = false
	e.commands.mark(cmd.ID, CommandCommitted, nil, e.now())
	editedDuring := e.editSeq != startSeq
	pending := e.working.Clone()
	st = e.bumpLocked()
	e.mu.Unlock()
	e.publish(st)

	if editedDuring {
		e.saveDraft(ctx, workspaceID, pending)
	} else {
		e.clearDraft(ctx, workspaceID)
	}

	snapshot, err := e.remote.FetchSnapshot(ctx, workspaceID)
	if err != nil {
		e.log.Error(err, "reload after sync failed", "workspace", workspaceID)
	} else {
		e.mu.Lock()
		if e.workspaceID == workspaceID {
			result.Reloaded = true
			e.baseline = snapshot.Clone()
			if e.editSeq == startSeq {
				e.working = snapshot.Clone()
			}
		}
		st = e.bumpLocked()
		e.mu.Unlock()
		e.publish(st)
	}

	e.log.Info("workspace synced", "workspace", workspaceID, "command", cmd.ID,
		"added", result.Added, "updated", result.Updated, "deleted", result.Deleted,
		"schemaChanged", result.SchemaChanged)
	e.notifyObservers(ctx, SyncEvent{
		Kind:        CommandSync,
		WorkspaceID: workspaceID,
		Actor:       s.UserID,
		ActorName:   s.UserName,
		Baseline:    e.Snapshot().Baseline,
		DeletedIDs:  rowIDs(change.Deleted),
	})
	return result, nil
}

// CommitRowPatch persists patch on one confirmed row immediately, outside
// the batched sync. The remote receives the baseline row with patch applied.
// On success the patch lands in both baseline and working copy, so it never
// shows as a pending change. On failure nothing changes locally. A patch
// issued while a sync is writing waits for it and is built from the
// reloaded baseline.
func (e *Editor) CommitRowPatch(ctx context.Context, s rbac.WorkspaceSession, rowID string, patch map[string]string) (Command, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	if err := e.authorizeLocked(s, rbac.ActionEdit); err != nil {
		e.mu.Unlock()
		return Command{}, err
	}
	cmd, data, err := e.preparePatchLocked(s, rowID, patch, "")
	if err != nil {
		e.mu.Unlock()
		return Command{}, err
	}
	workspaceID := e.workspaceID
	st := e.bumpLocked()
	e.mu.Unlock()
	e.publish(st)

	return e.runPatch(ctx, s, workspaceID, cmd, data)
}

// RetryCommand re-issues a failed command. A failed sync is retried by
// syncing the current diff.
func (e *Editor) RetryCommand(ctx context.Context, s rbac.WorkspaceSession, commandID string) (Command, error) {
	e.mu.Lock()
	if err := e.authorizeLocked(s, rbac.ActionEdit); err != nil {
		e.mu.Unlock()
		return Command{}, err
	}
	prev, ok := e.commands.get(commandID)
	if !ok {
		e.mu.Unlock()
		return Command{}, ErrCommandNotFound
	}
	if prev.State != CommandFailed {
		e.mu.Unlock()
		return Command{}, ErrCommandNotRetrying
	}

	if prev.Kind == CommandSync {
		e.mu.Unlock()
		result, err := e.Sync(ctx, s)
		if err != nil {
			return Command{}, err
		}
		e.mu.Lock()
		e.commands.mark(prev.ID, CommandRetried, nil, e.now())
		cmd, _ := e.commands.get(result.CommandID)
		st := e.bumpLocked()
		e.mu.Unlock()
		e.publish(st)
		return cmd, nil
	}
	e.mu.Unlock()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	if err := e.authorizeLocked(s, rbac.ActionEdit); err != nil {
		e.mu.Unlock()
		return Command{}, err
	}
	if prev, ok = e.commands.get(commandID); !ok {
		e.mu.Unlock()
		return Command{}, ErrCommandNotFound
	}
	if prev.State != CommandFailed {
		e.mu.Unlock()
		return Command{}, ErrCommandNotRetrying
	}
	cmd, data, err := e.preparePatchLocked(s, prev.RowID, prev.Patch, prev.ID)
	if err != nil {
		e.mu.Unlock()
		return Command{}, err
	}
	e.commands.mark(prev.ID, CommandRetried, nil, e.now())
	workspaceID := e.workspaceID
	st := e.bumpLocked()
	e.mu.Unlock()
	e.publish(st)

	return e.runPatch(ctx, s, workspaceID, cmd, data)
}

func (e *Editor) preparePatchLocked(s rbac.WorkspaceSession, rowID string, patch map[string]string, retryOf string) (Command, map[string]string, error) {
	idx := e.baseline.RowIndex(rowID)
	if idx < 0 {
		if e.working.RowIndex(rowID) >= 0 {
			return Command{}, nil, ErrRowNotConfirmed
		}
		return Command{}, nil, ErrRowNotFound
	}
	base := e.baseline.Rows[idx]
	if base.ID == "" || base.IsNew {
		return Command{}, nil, ErrRowNotConfirmed
	}
	data := model.CloneData(base.Data)
	for key, value := range patch {
		data[key] = value
	}
	cmd := e.commands.append(Command{
		Kind:    CommandRowPatch,
		RowID:   base.ID,
		Patch:   model.CloneData(patch),
		Actor:   s.UserID,
		RetryOf: retryOf,
	}, e.now())
	return cmd, data, nil
}

func (e *Editor) runPatch(ctx context.Context, s rbac.WorkspaceSession, workspaceID string, cmd Command, data map[string]string) (Command, error) {
	if err := e.remote.UpdateRow(ctx, workspaceID, cmd.RowID, data); err != nil {
		e.mu.Lock()
		e.commands.mark(cmd.ID, CommandFailed, err, e.now())
		st := e.bumpLocked()
		failed, _ := e.commands.get(cmd.ID)
		e.mu.Unlock()
		e.log.Error(err, "row update failed", "workspace", workspaceID, "row", cmd.RowID, "command", cmd.ID)
		e.publish(st)
		return failed, &PatchError{RowID: cmd.RowID, CommandID: cmd.ID, Err: err}
	}

	e.mu.Lock()
	if e.workspaceID != workspaceID {
		// The editor moved on while the write was in flight.
		e.mu.Unlock()
		return cmd, nil
	}
	if idx := e.baseline.RowIndex(cmd.RowID); idx >= 0 {
		applyPatch(&e.baseline.Rows[idx], cmd.Patch)
	}
	if idx := e.working.RowIndex(cmd.RowID); idx >= 0 {
		applyPatch(&e.working.Rows[idx], cmd.Patch)
	}
	e.commands.mark(cmd.ID, CommandCommitted, nil, e.now())
	committed, _ := e.commands.get(cmd.ID)
	working := e.working.Clone()
	baseline := e.baseline.Clone()
	st := e.bumpLocked()
	e.mu.Unlock()

	e.saveDraftIfDirty(ctx, workspaceID, baseline, working)
	e.publish(st)
	e.notifyObservers(ctx, SyncEvent{
		Kind:        CommandRowPatch,
		WorkspaceID: workspaceID,
		Actor:       s.UserID,
		ActorName:   s.UserName,
		Baseline:    baseline,
	})
	return committed, nil
}

func (e *Editor) saveDraftIfDirty(ctx context.Context, workspaceID string, baseline, working model.Set) {
	if tracker.ComputeDiff(baseline, working).Dirty() {
		e.saveDraft(ctx, workspaceID, working)
		return
	}
	e.clearDraft(ctx, workspaceID)
}

func applyPatch(row *model.Row, patch map[string]string) {
	if row.Data == nil {
		row.Data = map[string]string{}
	}
	for key, value := range patch {
		row.Data[key] = value
	}
}

// assignIDs confirms the rows the remote acknowledged. Rows without an
// assigned id stay new.
func assignIDs(set model.Set, assigned map[string]string) model.Set {
	out := set.Clone()
	for i := range out.Rows {
		row := &out.Rows[i]
		if !row.IsNew {
			continue
		}
		if id, ok := assigned[row.TempID]; ok && id != "" {
			row.ID = id
			row.IsNew = false
		}
	}
	return out
}

func rowIDs(rows []model.Row) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.ID != "" {
			ids = append(ids, row.ID)
		}
	}
	return ids
}
