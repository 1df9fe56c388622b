// Package workspace holds the per-user editing session of one workspace
// table: the Working Copy, its Baseline, and the operations that mutate and
// reconcile them with the remote store.
package workspace

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"roster/api/internal/model"
	"roster/api/internal/rbac"
	"roster/api/internal/tracker"
	"roster/api/internal/util"
)

// Remote is the persistence layer that owns the workspace table.
type Remote interface {
	FetchSnapshot(ctx context.Context, workspaceID string) (model.Set, error)
	SyncChanges(ctx context.Context, workspaceID string, change model.ChangeSet) (model.Ack, error)
	UpdateRow(ctx context.Context, workspaceID, rowID string, data map[string]string) error
}

// DraftStore keeps the Working Copy of one owner and workspace so an
// unsynced session can survive a reload.
type DraftStore interface {
	Save(ctx context.Context, owner, workspaceID string, set model.Set) error
	Load(ctx context.Context, owner, workspaceID string) (model.Set, bool, error)
	Clear(ctx context.Context, owner, workspaceID string) error
}

// SyncEvent is delivered to observers after a remote write succeeded.
type SyncEvent struct {
	Kind        CommandKind
	WorkspaceID string
	Actor       string
	ActorName   string
	Baseline    model.Set
	DeletedIDs  []string
}

type SyncObserver interface {
	OnSync(ctx context.Context, event SyncEvent)
}

type SyncObserverFunc func(ctx context.Context, event SyncEvent)

func (f SyncObserverFunc) OnSync(ctx context.Context, event SyncEvent) { f(ctx, event) }

type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncSyncing SyncState = "syncing"
	SyncFailed  SyncState = "failed"
)

// State is an immutable snapshot of the editor.
type State struct {
	WorkspaceID   string     `json:"workspaceId"`
	Baseline      model.Set  `json:"baseline"`
	Working       model.Set  `json:"working"`
	Diff          model.Diff `json:"diff"`
	Dirty         bool       `json:"dirty"`
	SyncState     SyncState  `json:"syncState"`
	LastSyncError string     `json:"lastSyncError,omitempty"`
	RemoteAhead   bool       `json:"remoteAhead"`
	Commands      []Command  `json:"commands"`
	Version       uint64     `json:"version"`
}

type Option func(*Editor)

func WithDraftStore(store DraftStore) Option {
	return func(e *Editor) { e.drafts = store }
}

func WithLogger(log logr.Logger) Option {
	return func(e *Editor) { e.log = log }
}

func WithObserver(observer SyncObserver) Option {
	return func(e *Editor) { e.observers = append(e.observers, observer) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Editor) { e.now = now }
}

type Editor struct {
	owner     string
	remote    Remote
	drafts    DraftStore
	observers []SyncObserver
	log       logr.Logger
	now       func() time.Time

	// writeMu serializes remote writes. It is always taken before mu.
	writeMu sync.Mutex

	mu          sync.Mutex
	workspaceID string
	baseline    model.Set
	working     model.Set
	syncState   SyncState
	lastSyncErr error
	remoteAhead bool
	// editSeq counts user mutations of the working copy.
	editSeq  uint64
	version  uint64
	commands *commandLog

	subMu       sync.Mutex
	subscribers map[int]func(State)
	nextSub     int
	delivered   uint64
}

func NewEditor(owner string, remote Remote, opts ...Option) *Editor {
	e := &Editor{
		owner:       owner,
		remote:      remote,
		log:         logr.Discard(),
		now:         time.Now,
		syncState:   SyncIdle,
		commands:    newCommandLog(commandLogLimit),
		subscribers: map[int]func(State){},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithValues("owner", owner)
	return e
}

func (e *Editor) Owner() string { return e.owner }

func (e *Editor) WorkspaceID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workspaceID
}

// Snapshot returns the current state; mutating it never affects the editor.
func (e *Editor) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

// Subscribe registers fn to receive every new state. The returned function
// removes the subscription.
func (e *Editor) Subscribe(fn func(State)) func() {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = fn
	e.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subscribers, id)
			e.subMu.Unlock()
		})
	}
}

// Open loads the workspace named by the session. Switching away from another
// workspace discards that workspace's draft. Reopening the current workspace
// while it has pending edits goes through the same guard as an incoming
// snapshot.
func (e *Editor) Open(ctx context.Context, s rbac.WorkspaceSession) (State, error) {
	if !s.Can(rbac.ActionRead) {
		return State{}, ErrForbidden
	}
	if strings.TrimSpace(s.WorkspaceID) == "" {
		return State{}, ErrNotOpen
	}
	if syncing := e.isSyncing(); syncing {
		return State{}, ErrSyncInProgress
	}

	snapshot, err := e.remote.FetchSnapshot(ctx, s.WorkspaceID)
	if err != nil {
		return State{}, fmt.Errorf("fetch snapshot: %w", err)
	}

	var draft model.Set
	hasDraft := false
	if e.drafts != nil {
		draft, hasDraft, err = e.drafts.Load(ctx, e.owner, s.WorkspaceID)
		if err != nil {
			e.log.Error(err, "load draft failed", "workspace", s.WorkspaceID)
			hasDraft = false
		}
	}

	e.mu.Lock()
	if e.syncState == SyncSyncing {
		e.mu.Unlock()
		return State{}, ErrSyncInProgress
	}
	previous := e.workspaceID
	if previous == s.WorkspaceID && tracker.ComputeDiff(e.baseline, e.working).Dirty() {
		// Reopening keeps pending edits; the fresh snapshot only marks the
		// remote as ahead.
		if tracker.ComputeDiff(e.baseline, snapshot).Dirty() {
			e.remoteAhead = true
		}
		st := e.bumpLocked()
		e.mu.Unlock()
		e.log.V(1).Info("workspace reopened with pending edits", "workspace", s.WorkspaceID, "remoteAhead", st.RemoteAhead)
		e.publish(st)
		return st, nil
	}
	e.workspaceID = s.WorkspaceID
	e.baseline = snapshot.Clone()
	if hasDraft {
		e.working = draft.Clone()
	} else {
		e.working = snapshot.Clone()
	}
	e.syncState = SyncIdle
	e.lastSyncErr = nil
	e.remoteAhead = false
	e.editSeq++
	if previous != s.WorkspaceID {
		e.commands.reset()
	}
	st := e.bumpLocked()
	e.mu.Unlock()

	if previous != "" && previous != s.WorkspaceID {
		e.clearDraft(ctx, previous)
	}
	e.log.V(1).Info("workspace opened", "workspace", s.WorkspaceID, "rows", len(snapshot.Rows), "draft", hasDraft)
	e.publish(st)
	return st, nil
}

// Row returns a copy of the working row addressed by ref.
func (e *Editor) Row(s rbac.WorkspaceSession, ref string) (model.Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.authorizeLocked(s, rbac.ActionRead); err != nil {
		return model.Row{}, err
	}
	idx := e.working.RowIndex(ref)
	if idx < 0 {
		return model.Row{}, ErrRowNotFound
	}
	return e.working.Rows[idx].Clone(), nil
}

// AddRow appends a locally created row. Every schema column is present in
// the row, blank unless given in data.
func (e *Editor) AddRow(ctx context.Context, s rbac.WorkspaceSession, data map[string]string) (model.Row, error) {
	e.mu.Lock()
	if err := e.authorizeLocked(s, rbac.ActionEdit); err != nil {
		e.mu.Unlock()
		return model.Row{}, err
	}
	for key := range data {
		if !e.working.HasColumn(key) {
			e.mu.Unlock()
			return model.Row{}, fmt.Errorf("%w: %s", ErrColumnNotFound, key)
		}
	}
	row := model.Row{TempID: util.NewTempID(), IsNew: true, Data: map[string]string{}}
	for _, column := range e.working.Schema {
		row.Data[column.Name] = data[column.Name]
	}
	e.working.Rows = append(e.working.Rows, row)
	st, working := e.editedLocked()
	e.mu.Unlock()

	e.afterEdit(ctx, st, working)
	return row.Clone(), nil
}

func (e *Editor) UpdateCell(ctx context.Context, s rbac.WorkspaceSession, ref, column, value string) error {
	if column == model.FieldStatus {
		return ErrStatusColumn
	}
	e.mu.Lock()
	if err := e.authorizeLocked(s, rbac.ActionEdit); err != nil {
		e.mu.Unlock()
		return err
	}
	idx := e.working.RowIndex(ref)
	if idx < 0 {
		e.mu.Unlock()
		return ErrRowNotFound
	}
	if !e.working.HasColumn(column) {
		e.mu.Unlock()
		return ErrColumnNotFound
	}
	row := &e.working.Rows[idx]
	if current, ok := row.Data[column]; ok && current == value {
		e.mu.Unlock()
		return nil
	}
	row.Data[column] = value
	st, working := e.editedLocked()
	e.mu.Unlock()

	e.afterEdit(ctx, st, working)
	return nil
}

func (e *Editor) DeleteRow(ctx context.Context, s rbac.WorkspaceSession, ref string) error {
	e.mu.Lock()
	if err := e.authorizeLocked(s, rbac.ActionEdit); err != nil {
		e.mu.Unlock()
		return err
	}
	idx := e.working.RowIndex(ref)
	if idx < 0 {
		e.mu.Unlock()
		return ErrRowNotFound
	}
	e.working.Rows = append(e.working.Rows[:idx], e.working.Rows[idx+1:]...)
	st, working := e.editedLocked()
	e.mu.Unlock()

	e.afterEdit(ctx, st, working)
	return nil
}

// AddColumn appends a text column and back-fills it into every working row.
// Names are compared exactly, so "email" and "Email" may coexist.
func (e *Editor) AddColumn(ctx context.Context, s rbac.WorkspaceSession, name string) (model.Column, error) {
	if strings.TrimSpace(name) == "" {
		return model.Column{}, ErrInvalidColumn
	}
	e.mu.Lock()
	if err := e.authorizeLocked(s, rbac.ActionEdit); err != nil {
		e.mu.Unlock()
		return model.Column{}, err
	}
	if e.working.HasColumn(name) {
		e.mu.Unlock()
		return model.Column{}, &DuplicateColumnError{Name: name}
	}
	column := model.Column{Name: name, Type: model.TypeText, IsDefault: false}
	e.working.Schema = append(e.working.Schema, column)
	for i := range e.working.Rows {
		if e.working.Rows[i].Data == nil {
			e.working.Rows[i].Data = map[string]string{}
		}
		e.working.Rows[i].Data[name] = ""
	}
	st, working := e.editedLocked()
	e.mu.Unlock()

	e.afterEdit(ctx, st, working)
	return column, nil
}

// ApplyIncomingSnapshot adopts an externally delivered snapshot only when
// the working copy is clean. A dropped snapshot sets RemoteAhead.
func (e *Editor) ApplyIncomingSnapshot(ctx context.Context, s rbac.WorkspaceSession, snapshot model.Set) (bool, error) {
	e.mu.Lock()
	if err := e.authorizeLocked(s, rbac.ActionRead); err != nil {
		e.mu.Unlock()
		return false, err
	}
	if tracker.ComputeDiff(e.baseline, e.working).Dirty() {
		changed := !e.remoteAhead
		e.remoteAhead = true
		var st State
		if changed {
			st = e.bumpLocked()
		}
		e.mu.Unlock()
		e.log.V(1).Info("refresh dropped, local edits pending", "workspace", s.WorkspaceID)
		if changed {
			e.publish(st)
		}
		return false, nil
	}
	e.baseline = snapshot.Clone()
	e.working = snapshot.Clone()
	e.remoteAhead = false
	workspaceID := e.workspaceID
	st := e.bumpLocked()
	e.mu.Unlock()

	e.clearDraft(ctx, workspaceID)
	e.publish(st)
	return true, nil
}

// Revalidate fetches the remote snapshot and passes it through
// ApplyIncomingSnapshot.
func (e *Editor) Revalidate(ctx context.Context, s rbac.WorkspaceSession) (bool, error) {
	e.mu.Lock()
	err := e.authorizeLocked(s, rbac.ActionRead)
	e.mu.Unlock()
	if err != nil {
		return false, err
	}
	snapshot, err := e.remote.FetchSnapshot(ctx, s.WorkspaceID)
	if err != nil {
		return false, fmt.Errorf("fetch snapshot: %w", err)
	}
	return e.ApplyIncomingSnapshot(ctx, s, snapshot)
}

func (e *Editor) isSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncState == SyncSyncing
}

func (e *Editor) authorizeLocked(s rbac.WorkspaceSession, action rbac.Action) error {
	if e.workspaceID == "" {
		return ErrNotOpen
	}
	if s.WorkspaceID != e.workspaceID {
		return ErrWorkspaceMismatch
	}
	if !s.Can(action) {
		return ErrForbidden
	}
	return nil
}

// editedLocked records a user mutation and returns the state to publish and
// a copy of the working set for the draft.
func (e *Editor) editedLocked() (State, model.Set) {
	e.editSeq++
	return e.bumpLocked(), e.working.Clone()
}

func (e *Editor) bumpLocked() State {
	e.version++
	return e.stateLocked()
}

func (e *Editor) stateLocked() State {
	diff := tracker.ComputeDiff(e.baseline, e.working)
	st := State{
		WorkspaceID: e.workspaceID,
		Baseline:    e.baseline.Clone(),
		Working:     e.working.Clone(),
		Diff:        diff,
		Dirty:       diff.Dirty(),
		SyncState:   e.syncState,
		RemoteAhead: e.remoteAhead,
		Commands:    e.commands.list(),
		Version:     e.version,
	}
	if e.lastSyncErr != nil {
		st.LastSyncError = e.lastSyncErr.Error()
	}
	return st
}

func (e *Editor) afterEdit(ctx context.Context, st State, working model.Set) {
	e.saveDraft(ctx, st.WorkspaceID, working)
	e.publish(st)
}

// publish delivers st to subscribers unless a newer state was already
// delivered.
func (e *Editor) publish(st State) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if st.Version <= e.delivered {
		return
	}
	e.delivered = st.Version
	for _, fn := range e.subscribers {
		fn(st)
	}
}

func (e *Editor) saveDraft(ctx context.Context, workspaceID string, working model.Set) {
	if e.drafts == nil || workspaceID == "" {
		return
	}
	if err := e.drafts.Save(ctx, e.owner, workspaceID, working); err != nil {
		e.log.Error(err, "save draft failed", "workspace", workspaceID)
	}
}

func (e *Editor) clearDraft(ctx context.Context, workspaceID string) {
	if e.drafts == nil || workspaceID == "" {
		return
	}
	if err := e.drafts.Clear(ctx, e.owner, workspaceID); err != nil {
		e.log.Error(err, "clear draft failed", "workspace", workspaceID)
	}
}

func (e *Editor) notifyObservers(ctx context.Context, event SyncEvent) {
	for _, observer := range e.observers {
		observer.OnSync(ctx, event)
	}
}
