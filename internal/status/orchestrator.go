// Package status runs candidate status changes: validation, the score
// based auto-reject, and the consent-gated notification workflow. Commits go
// through the editor's immediate row update path.
package status

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"roster/api/internal/model"
	"roster/api/internal/notify"
	"roster/api/internal/rbac"
	"roster/api/internal/workspace"
)

type Status string

const (
	StatusNew   Status = "New"
	Shortlisted Status = "Shortlisted"
	Interviewed Status = "Interviewed"
	Rejected    Status = "Rejected"
	Hired       Status = "Hired"
	Archived    Status = "Archived"
)

var known = map[Status]bool{StatusNew: true, Shortlisted: true, Interviewed: true, Rejected: true, Hired: true, Archived: true}

// Parse maps a stored field value to a Status. An empty value reads as New.
func Parse(value string) (Status, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return StatusNew, true
	}
	s := Status(value)
	return s, known[s]
}

const (
	autoRejectFloor   = 0.0
	autoRejectCeiling = 40.0
)

type Stage string

const (
	StageConsent Stage = "consent"
	StageCompose Stage = "compose"
	// StagePending follows a failed dispatch. Send may be retried.
	StagePending Stage = "pending"
)

type Transition struct {
	RowID     string    `json:"rowId"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Stage     Stage     `json:"stage"`
	LastError string    `json:"lastError,omitempty"`
	OpenedAt  time.Time `json:"openedAt"`
}

type Outcome string

const (
	OutcomeNoOp            Outcome = "noop"
	OutcomeAutoRejected    Outcome = "auto_rejected"
	OutcomeCommitted       Outcome = "committed"
	OutcomeAwaitingConsent Outcome = "awaiting_consent"
	OutcomeNotified        Outcome = "notified"
)

type Result struct {
	Outcome    Outcome            `json:"outcome"`
	Status     Status             `json:"status"`
	Notified   bool               `json:"notified"`
	Command    *workspace.Command `json:"command,omitempty"`
	Transition *Transition        `json:"transition,omitempty"`
}

// RowCommitter is the part of the editor the orchestrator needs.
type RowCommitter interface {
	Row(s rbac.WorkspaceSession, ref string) (model.Row, error)
	CommitRowPatch(ctx context.Context, s rbac.WorkspaceSession, rowID string, patch map[string]string) (workspace.Command, error)
	RetryCommand(ctx context.Context, s rbac.WorkspaceSession, commandID string) (workspace.Command, error)
}

type Notifier interface {
	Template(status string, recipient notify.Recipient) (notify.Message, error)
	SendNotification(ctx context.Context, rowID, templateStatus string, msg notify.Message) error
}

type Option func(*Orchestrator)

// WithScoreField names the row field holding the quality score.
func WithScoreField(field string) Option {
	return func(o *Orchestrator) {
		if field != "" {
			o.scoreField = field
		}
	}
}

func WithLogger(log logr.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

type Orchestrator struct {
	rows       RowCommitter
	notifier   Notifier
	scoreField string
	log        logr.Logger
	now        func() time.Time

	mu   sync.Mutex
	open map[string]*Transition
	busy map[string]bool
}

func New(rows RowCommitter, notifier Notifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rows:       rows,
		notifier:   notifier,
		scoreField: model.FieldScore,
		log:        logr.Discard(),
		now:        time.Now,
		open:       map[string]*Transition{},
		busy:       map[string]bool{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Begin starts a status change of rowID to the requested status.
func (o *Orchestrator) Begin(ctx context.Context, s rbac.WorkspaceSession, rowID, to string) (Result, error) {
	if !canTransition(s) {
		return Result{}, workspace.ErrForbidden
	}
	target, ok := Parse(to)
	if !ok || strings.TrimSpace(to) == "" {
		return Result{}, &ValidationError{Field: "status", Reason: "unknown status " + strconv.Quote(to)}
	}
	if err := o.reserve(rowID); err != nil {
		return Result{}, err
	}
	defer o.release(rowID)

	row, err := o.confirmedRow(s, rowID)
	if err != nil {
		return Result{}, err
	}
	if err := validateIdentity(row); err != nil {
		return Result{}, err
	}
	from, _ := Parse(row.Data[model.FieldStatus])

	if from == StatusNew && o.belowThreshold(row) {
		cmd, err := o.commit(ctx, s, row.ID, Rejected, map[string]string{model.FieldStatus: string(Rejected)})
		if err != nil {
			return Result{}, err
		}
		o.log.Info("auto-rejected below score threshold", "row", row.ID, "requested", target)
		return Result{Outcome: OutcomeAutoRejected, Status: Rejected, Command: &cmd}, nil
	}
	if target == from {
		return Result{Outcome: OutcomeNoOp, Status: from}, nil
	}
	if target == StatusNew || !notify.HasTemplate(string(target)) {
		cmd, err := o.commit(ctx, s, row.ID, target, map[string]string{model.FieldStatus: string(target)})
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeCommitted, Status: target, Command: &cmd}, nil
	}

	transition := &Transition{
		RowID:    row.ID,
		From:     from,
		To:       target,
		Stage:    StageConsent,
		OpenedAt: o.now(),
	}
	o.mu.Lock()
	o.open[row.ID] = transition
	o.mu.Unlock()
	copied := *transition
	return Result{Outcome: OutcomeAwaitingConsent, Status: from, Transition: &copied}, nil
}

// Decline commits the status without notifying the candidate.
func (o *Orchestrator) Decline(ctx context.Context, s rbac.WorkspaceSession, rowID string) (Result, error) {
	transition, err := o.take(s, rowID, StageConsent)
	if err != nil {
		return Result{}, err
	}
	defer o.release(rowID)

	cmd, err := o.commit(ctx, s, rowID, transition.To, map[string]string{
		model.FieldStatus:   string(transition.To),
		model.FieldNotified: "false",
	})
	o.close(rowID)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeCommitted, Status: transition.To, Command: &cmd}, nil
}

// Accept moves to composition and returns the pre-filled message.
func (o *Orchestrator) Accept(ctx context.Context, s rbac.WorkspaceSession, rowID string) (notify.Message, error) {
	transition, err := o.take(s, rowID, StageConsent)
	if err != nil {
		return notify.Message{}, err
	}
	defer o.release(rowID)

	row, err := o.rows.Row(s, rowID)
	if err != nil {
		return notify.Message{}, err
	}
	msg, err := o.notifier.Template(string(transition.To), notify.Recipient{
		Name:  strings.TrimSpace(row.Data[model.FieldName]),
		Email: strings.TrimSpace(row.Data[model.FieldEmail]),
	})
	if err != nil {
		return notify.Message{}, err
	}
	o.setStage(rowID, StageCompose, "")
	return msg, nil
}

// Send dispatches msg and, when it was delivered, commits the status and the
// notified flag as one row update. A failed dispatch leaves the workflow
// open in StagePending.
func (o *Orchestrator) Send(ctx context.Context, s rbac.WorkspaceSession, rowID string, msg notify.Message) (Result, error) {
	transition, err := o.take(s, rowID, StageCompose, StagePending)
	if err != nil {
		return Result{}, err
	}
	defer o.release(rowID)

	if err := msg.Validate(); err != nil {
		return Result{}, &ValidationError{Field: "to", Reason: err.Error()}
	}

	if err := o.notifier.SendNotification(ctx, rowID, string(transition.To), msg); err != nil {
		o.setStage(rowID, StagePending, err.Error())
		o.log.Error(err, "notification failed", "row", rowID, "status", transition.To)
		return Result{}, &NotificationError{RowID: rowID, Status: transition.To, Err: err}
	}

	cmd, err := o.commit(ctx, s, rowID, transition.To, map[string]string{
		model.FieldStatus:   string(transition.To),
		model.FieldNotified: "true",
	})
	o.close(rowID)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeNotified, Status: transition.To, Notified: true, Command: &cmd}, nil
}

// Abandon closes the workflow and leaves the row unchanged.
func (o *Orchestrator) Abandon(rowID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.open[rowID]; !ok {
		return ErrNoTransition
	}
	if o.busy[rowID] {
		return ErrTransitionInProgress
	}
	delete(o.open, rowID)
	return nil
}

// Retry re-issues a status commit that failed at the row update.
func (o *Orchestrator) Retry(ctx context.Context, s rbac.WorkspaceSession, commandID string) (workspace.Command, error) {
	cmd, err := o.rows.RetryCommand(ctx, s, commandID)
	if err != nil {
		var patchErr *workspace.PatchError
		if errors.As(err, &patchErr) {
			return cmd, &RowUpdateError{RowID: patchErr.RowID, CommandID: patchErr.CommandID, Err: patchErr.Err}
		}
		return cmd, err
	}
	return cmd, nil
}

// Open lists the open workflows, oldest first.
func (o *Orchestrator) Open() []Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Transition, 0, len(o.open))
	for _, transition := range o.open {
		out = append(out, *transition)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].RowID < out[j].RowID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (o *Orchestrator) Get(rowID string) (Transition, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	transition, ok := o.open[rowID]
	if !ok {
		return Transition{}, false
	}
	return *transition, true
}

// Reset drops every open workflow, used when the editor switches workspace.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.open = map[string]*Transition{}
}

func (o *Orchestrator) reserve(rowID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.open[rowID]; ok || o.busy[rowID] {
		return ErrTransitionInProgress
	}
	o.busy[rowID] = true
	return nil
}

// canTransition reports whether s may run a workflow to its end. Every
// outcome commits a row patch, so edit is required along with transition.
func canTransition(s rbac.WorkspaceSession) bool {
	return s.Can(rbac.ActionTransition) && s.Can(rbac.ActionEdit)
}

func (o *Orchestrator) release(rowID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.busy, rowID)
}

// take marks the open workflow busy after checking its stage.
func (o *Orchestrator) take(s rbac.WorkspaceSession, rowID string, stages ...Stage) (Transition, error) {
	if !canTransition(s) {
		return Transition{}, workspace.ErrForbidden
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	transition, ok := o.open[rowID]
	if !ok {
		return Transition{}, ErrNoTransition
	}
	if o.busy[rowID] {
		return Transition{}, ErrTransitionInProgress
	}
	for _, stage := range stages {
		if transition.Stage == stage {
			o.busy[rowID] = true
			return *transition, nil
		}
	}
	return Transition{}, ErrWrongStage
}

func (o *Orchestrator) setStage(rowID string, stage Stage, lastError string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if transition, ok := o.open[rowID]; ok {
		transition.Stage = stage
		transition.LastError = lastError
	}
}

func (o *Orchestrator) close(rowID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.open, rowID)
}

func (o *Orchestrator) commit(ctx context.Context, s rbac.WorkspaceSession, rowID string, to Status, patch map[string]string) (workspace.Command, error) {
	cmd, err := o.rows.CommitRowPatch(ctx, s, rowID, patch)
	if err != nil {
		return cmd, &RowUpdateError{RowID: rowID, Status: to, CommandID: cmd.ID, Err: err}
	}
	return cmd, nil
}

func (o *Orchestrator) confirmedRow(s rbac.WorkspaceSession, rowID string) (model.Row, error) {
	row, err := o.rows.Row(s, rowID)
	if errors.Is(err, workspace.ErrRowNotFound) {
		return model.Row{}, &ValidationError{Field: "row", Reason: "row not found"}
	}
	if err != nil {
		return model.Row{}, err
	}
	if row.ID == "" || row.IsNew {
		return model.Row{}, &ValidationError{Field: "row", Reason: "sync the row before changing its status"}
	}
	return row, nil
}

func (o *Orchestrator) belowThreshold(row model.Row) bool {
	raw := strings.TrimSpace(row.Data[o.scoreField])
	if raw == "" {
		return false
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false
	}
	return score > autoRejectFloor && score < autoRejectCeiling
}

func validateIdentity(row model.Row) error {
	if strings.TrimSpace(row.Data[model.FieldName]) == "" {
		return &ValidationError{Field: model.FieldName, Reason: "is required before changing status"}
	}
	if strings.TrimSpace(row.Data[model.FieldEmail]) == "" {
		return &ValidationError{Field: model.FieldEmail, Reason: "is required before changing status"}
	}
	return nil
}
