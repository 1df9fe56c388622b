package app

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"roster/api/internal/auth"
	"roster/api/internal/history"
	"roster/api/internal/model"
	"roster/api/internal/notify"
	"roster/api/internal/rbac"
	"roster/api/internal/refresh"
	"roster/api/internal/search"
	"roster/api/internal/status"
	"roster/api/internal/store"
	"roster/api/internal/workspace"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      rbac.Role
	Claims    auth.Claims
	ExpiresAt time.Time
}

type dataStore interface {
	workspace.Remote
	EnsureWorkspace(ctx context.Context, workspaceID, name string) (store.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]store.Workspace, error)
	Ping(ctx context.Context) error
}

type eventPublisher interface {
	Publish(ctx context.Context, event refresh.Event) error
}

type rowSearcher interface {
	Search(q search.Query) search.Response
}

type historyLog interface {
	List(workspaceID string, limit int) ([]history.Commit, error)
	Load(workspaceID, hash string) (model.Set, error)
}

// Deps collects the collaborators of a Service. Only Store, Issuer and
// Notifier are required.
type Deps struct {
	Store      dataStore
	Issuer     *auth.Issuer
	Notifier   status.Notifier
	Drafts     workspace.DraftStore
	Publisher  eventPublisher
	Search     rowSearcher
	History    historyLog
	Observers  []workspace.SyncObserver
	ScoreField string
	Log        logr.Logger
}

// userWorkspace is the editing state of one signed-in user. Every user gets
// an independent editor and transition workflow.
type userWorkspace struct {
	editor      *workspace.Editor
	transitions *status.Orchestrator

	mu      sync.Mutex
	session rbac.WorkspaceSession
}

func (u *userWorkspace) remember(s rbac.WorkspaceSession) {
	u.mu.Lock()
	u.session = s
	u.mu.Unlock()
}

func (u *userWorkspace) lastSession() rbac.WorkspaceSession {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.session
}

type Service struct {
	store      dataStore
	issuer     *auth.Issuer
	notifier   status.Notifier
	drafts     workspace.DraftStore
	publisher  eventPublisher
	search     rowSearcher
	history    historyLog
	observers  []workspace.SyncObserver
	scoreField string
	log        logr.Logger

	mu    sync.Mutex
	users map[string]*userWorkspace
}

func New(deps Deps) *Service {
	log := deps.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Service{
		store:      deps.Store,
		issuer:     deps.Issuer,
		notifier:   deps.Notifier,
		drafts:     deps.Drafts,
		publisher:  deps.Publisher,
		search:     deps.Search,
		history:    deps.History,
		observers:  deps.Observers,
		scoreField: deps.ScoreField,
		log:        log,
		users:      make(map[string]*userWorkspace),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// PingDrafts checks the draft store. checked is false when no store is
// configured or it cannot report its health.
func (s *Service) PingDrafts(ctx context.Context) (checked bool, err error) {
	p, ok := s.drafts.(pinger)
	if !ok {
		return false, nil
	}
	return true, p.Ping(ctx)
}

func (s *Service) Login(name string, role rbac.Role) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}
	if role == "" {
		role = rbac.RoleEditor
	}
	userID := "usr_" + strings.ToLower(strings.ReplaceAll(userName, " ", "-"))
	token, claims, err := s.issuer.Issue(userID, userName, role)
	if err != nil {
		return Session{}, err
	}
	return sessionFromClaims(token, claims), nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := s.issuer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	return sessionFromClaims(token, claims), nil
}

func sessionFromClaims(token string, claims auth.Claims) Session {
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      rbac.Normalize(claims.Role),
		Claims:    claims,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}
}

// workspaceSession scopes a signed-in session to one workspace.
func (s *Service) workspaceSession(session Session, workspaceID string) (rbac.WorkspaceSession, error) {
	ws, ok := session.Claims.Session(workspaceID)
	if !ok {
		return rbac.WorkspaceSession{}, workspace.ErrForbidden
	}
	return ws, nil
}

func (s *Service) userFor(session Session) *userWorkspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[session.UserID]; ok {
		return user
	}

	opts := []workspace.Option{
		workspace.WithLogger(s.log.WithName("editor")),
		workspace.WithObserver(workspace.SyncObserverFunc(s.announce)),
	}
	if s.drafts != nil {
		opts = append(opts, workspace.WithDraftStore(s.drafts))
	}
	for _, observer := range s.observers {
		opts = append(opts, workspace.WithObserver(observer))
	}
	editor := workspace.NewEditor(session.UserID, s.store, opts...)
	user := &userWorkspace{
		editor: editor,
		transitions: status.New(editor, s.notifier,
			status.WithScoreField(s.scoreField),
			status.WithLogger(s.log.WithName("status")),
		),
	}
	s.users[session.UserID] = user
	return user
}

// scoped resolves the caller's editor for workspaceID and remembers the
// session for background revalidation.
func (s *Service) scoped(session Session, workspaceID string) (*userWorkspace, rbac.WorkspaceSession, error) {
	ws, err := s.workspaceSession(session, workspaceID)
	if err != nil {
		return nil, rbac.WorkspaceSession{}, err
	}
	user := s.userFor(session)
	user.remember(ws)
	return user, ws, nil
}

func (s *Service) ListWorkspaces(ctx context.Context) ([]store.Workspace, error) {
	return s.store.ListWorkspaces(ctx)
}

func (s *Service) CreateWorkspace(ctx context.Context, session Session, workspaceID, name string) (store.Workspace, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return store.Workspace{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "id is required", nil)
	}
	ws, err := s.workspaceSession(session, workspaceID)
	if err != nil {
		return store.Workspace{}, err
	}
	if !ws.Can(rbac.ActionAdmin) {
		return store.Workspace{}, workspace.ErrForbidden
	}
	if strings.TrimSpace(name) == "" {
		name = workspaceID
	}
	return s.store.EnsureWorkspace(ctx, workspaceID, name)
}

func (s *Service) Open(ctx context.Context, session Session, workspaceID string) (workspace.State, error) {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return workspace.State{}, err
	}
	previous := user.editor.WorkspaceID()
	state, err := user.editor.Open(ctx, ws)
	if err != nil {
		return workspace.State{}, err
	}
	if previous != workspaceID {
		user.transitions.Reset()
	}
	return state, nil
}

func (s *Service) Snapshot(session Session, workspaceID string) (workspace.State, error) {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return workspace.State{}, err
	}
	if !ws.Can(rbac.ActionRead) {
		return workspace.State{}, workspace.ErrForbidden
	}
	state := user.editor.Snapshot()
	if state.WorkspaceID == "" {
		return workspace.State{}, workspace.ErrNotOpen
	}
	if state.WorkspaceID != workspaceID {
		return workspace.State{}, workspace.ErrWorkspaceMismatch
	}
	return state, nil
}

func (s *Service) AddRow(ctx context.Context, session Session, workspaceID string, data map[string]string) (model.Row, error) {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return model.Row{}, err
	}
	return user.editor.AddRow(ctx, ws, data)
}

func (s *Service) UpdateCell(ctx context.Context, session Session, workspaceID, ref, column, value string) error {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return err
	}
	return user.editor.UpdateCell(ctx, ws, ref, column, value)
}

func (s *Service) DeleteRow(ctx context.Context, session Session, workspaceID, ref string) error {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return err
	}
	return user.editor.DeleteRow(ctx, ws, ref)
}

func (s *Service) AddColumn(ctx context.Context, session Session, workspaceID, name string) (model.Column, error) {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return model.Column{}, err
	}
	return user.editor.AddColumn(ctx, ws, name)
}

func (s *Service) Sync(ctx context.Context, session Session, workspaceID string) (workspace.SyncResult, error) {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return workspace.SyncResult{}, err
	}
	return user.editor.Sync(ctx, ws)
}

func (s *Service) Revalidate(ctx context.Context, session Session, workspaceID string) (bool, error) {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return false, err
	}
	return user.editor.Revalidate(ctx, ws)
}

// RetryCommand retries a failed entry of the caller's command log. Row
// patches that belong to a status change are routed through the workflow.
func (s *Service) RetryCommand(ctx context.Context, session Session, workspaceID, commandID string) (workspace.Command, error) {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return workspace.Command{}, err
	}
	for _, cmd := range user.editor.Snapshot().Commands {
		if cmd.ID == commandID && cmd.Kind == workspace.CommandRowPatch {
			return user.transitions.Retry(ctx, ws, commandID)
		}
	}
	return user.editor.RetryCommand(ctx, ws, commandID)
}

func (s *Service) BeginTransition(ctx context.Context, session Session, workspaceID, rowID, to string) (status.Result, error) {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return status.Result{}, err
	}
	return user.transitions.Begin(ctx, ws, rowID, to)
}

func (s *Service) DeclineNotification(ctx context.Context, session Session, workspaceID, rowID string) (status.Result, error) {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return status.Result{}, err
	}
	return user.transitions.Decline(ctx, ws, rowID)
}

func (s *Service) AcceptNotification(ctx context.Context, session Session, workspaceID, rowID string) (notify.Message, error) {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return notify.Message{}, err
	}
	return user.transitions.Accept(ctx, ws, rowID)
}

func (s *Service) SendNotification(ctx context.Context, session Session, workspaceID, rowID string, msg notify.Message) (status.Result, error) {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return status.Result{}, err
	}
	return user.transitions.Send(ctx, ws, rowID, msg)
}

func (s *Service) AbandonTransition(session Session, workspaceID, rowID string) error {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return err
	}
	if !ws.Can(rbac.ActionTransition) {
		return workspace.ErrForbidden
	}
	return user.transitions.Abandon(rowID)
}

func (s *Service) OpenTransitions(session Session, workspaceID string) ([]status.Transition, error) {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return nil, err
	}
	if !ws.Can(rbac.ActionRead) {
		return nil, workspace.ErrForbidden
	}
	if user.editor.WorkspaceID() != workspaceID {
		return []status.Transition{}, nil
	}
	return user.transitions.Open(), nil
}

func (s *Service) Search(session Session, q search.Query) (search.Response, error) {
	ws, err := s.workspaceSession(session, q.WorkspaceID)
	if err != nil {
		return search.Response{}, err
	}
	if !ws.Can(rbac.ActionRead) {
		return search.Response{}, workspace.ErrForbidden
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q), nil
}

func (s *Service) History(session Session, workspaceID string, limit int) ([]history.Commit, error) {
	if err := s.canRead(session, workspaceID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []history.Commit{}, nil
	}
	return s.history.List(workspaceID, limit)
}

func (s *Service) HistorySnapshot(session Session, workspaceID, hash string) (model.Set, error) {
	if err := s.canRead(session, workspaceID); err != nil {
		return model.Set{}, err
	}
	if s.history == nil {
		return model.Set{}, history.ErrNoHistory
	}
	return s.history.Load(workspaceID, hash)
}

func (s *Service) canRead(session Session, workspaceID string) error {
	ws, err := s.workspaceSession(session, workspaceID)
	if err != nil {
		return err
	}
	if !ws.Can(rbac.ActionRead) {
		return workspace.ErrForbidden
	}
	return nil
}

// Subscribe streams the caller's editor states for workspaceID.
func (s *Service) Subscribe(session Session, workspaceID string, fn func(workspace.State)) (func(), error) {
	user, ws, err := s.scoped(session, workspaceID)
	if err != nil {
		return nil, err
	}
	if !ws.Can(rbac.ActionRead) {
		return nil, workspace.ErrForbidden
	}
	unsubscribe := user.editor.Subscribe(func(state workspace.State) {
		if state.WorkspaceID == workspaceID {
			fn(state)
		}
	})
	return unsubscribe, nil
}

// announce tells other replicas and users that a workspace changed.
func (s *Service) announce(ctx context.Context, event workspace.SyncEvent) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, refresh.Event{
		WorkspaceID: event.WorkspaceID,
		Origin:      event.Actor,
		Kind:        string(event.Kind),
	})
	if err != nil {
		s.log.Error(err, "publish refresh event", "workspace", event.WorkspaceID)
	}
}

// HandleRefresh revalidates every editor that has the changed workspace
// open, except the one whose write produced the event.
func (s *Service) HandleRefresh(ctx context.Context, event refresh.Event) {
	for owner, user := range s.snapshotUsers() {
		if owner == event.Origin || user.editor.WorkspaceID() != event.WorkspaceID {
			continue
		}
		s.revalidate(ctx, owner, user)
	}
}

// RevalidateAll refreshes every open editor from the remote store.
func (s *Service) RevalidateAll(ctx context.Context) {
	for owner, user := range s.snapshotUsers() {
		if user.editor.WorkspaceID() == "" {
			continue
		}
		s.revalidate(ctx, owner, user)
	}
}

func (s *Service) revalidate(ctx context.Context, owner string, user *userWorkspace) {
	session := user.lastSession()
	if session.WorkspaceID != user.editor.WorkspaceID() {
		return
	}
	applied, err := user.editor.Revalidate(ctx, session)
	if err != nil {
		s.log.Error(err, "revalidate workspace", "owner", owner, "workspace", session.WorkspaceID)
		return
	}
	s.log.V(1).Info("workspace revalidated", "owner", owner, "workspace", session.WorkspaceID, "applied", applied)
}

func (s *Service) snapshotUsers() map[string]*userWorkspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*userWorkspace, len(s.users))
	for owner, user := range s.users {
		out[owner] = user
	}
	return out
}
