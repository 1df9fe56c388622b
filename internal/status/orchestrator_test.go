package status

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roster/api/internal/model"
	"roster/api/internal/notify"
	"roster/api/internal/rbac"
	"roster/api/internal/workspace"
)

type fakeRows struct {
	rows    map[string]model.Row
	patches []map[string]string
	retries []string

	commitFn func(rowID string, patch map[string]string) (workspace.Command, error)
}

func newFakeRows(rows ...model.Row) *fakeRows {
	f := &fakeRows{rows: map[string]model.Row{}}
	for _, row := range rows {
		f.rows[row.Ref()] = row
	}
	return f
}

func (f *fakeRows) Row(_ rbac.WorkspaceSession, ref string) (model.Row, error) {
	row, ok := f.rows[ref]
	if !ok {
		return model.Row{}, workspace.ErrRowNotFound
	}
	return row.Clone(), nil
}

func (f *fakeRows) CommitRowPatch(_ context.Context, _ rbac.WorkspaceSession, rowID string, patch map[string]string) (workspace.Command, error) {
	if f.commitFn != nil {
		return f.commitFn(rowID, patch)
	}
	f.patches = append(f.patches, model.CloneData(patch))
	row := f.rows[rowID]
	for key, value := range patch {
		row.Data[key] = value
	}
	f.rows[rowID] = row
	return workspace.Command{ID: "cmd_1", Kind: workspace.CommandRowPatch, State: workspace.CommandCommitted, RowID: rowID}, nil
}

func (f *fakeRows) RetryCommand(_ context.Context, _ rbac.WorkspaceSession, commandID string) (workspace.Command, error) {
	f.retries = append(f.retries, commandID)
	return workspace.Command{ID: "cmd_2", RetryOf: commandID, State: workspace.CommandCommitted}, nil
}

type sentNotification struct {
	rowID    string
	template string
	msg      notify.Message
}

type fakeNotifier struct {
	sent   []sentNotification
	sendFn func() error
}

func (f *fakeNotifier) Template(status string, recipient notify.Recipient) (notify.Message, error) {
	if !notify.HasTemplate(status) {
		return notify.Message{}, notify.ErrNoTemplate
	}
	return notify.Message{To: []string{recipient.Email}, Subject: status, Body: "Hi " + recipient.Name}, nil
}

func (f *fakeNotifier) SendNotification(_ context.Context, rowID, templateStatus string, msg notify.Message) error {
	if f.sendFn != nil {
		if err := f.sendFn(); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sentNotification{rowID: rowID, template: templateStatus, msg: msg})
	return nil
}

func candidate(id, status, score string) model.Row {
	return model.Row{ID: id, Data: map[string]string{
		"Name":   "Ada Lovelace",
		"Email":  "ada@example.com",
		"Status": status,
		"Score":  score,
	}}
}

func session() rbac.WorkspaceSession {
	return rbac.NewSession("ws_1", "u_1", "Hiring Lead", rbac.RoleEditor)
}

func TestAutoRuleRejectsLowScoreWithoutNotification(t *testing.T) {
	for _, target := range []string{"Shortlisted", "Hired", "New", "Archived"} {
		t.Run(target, func(t *testing.T) {
			rows := newFakeRows(candidate("row_1", "New", "25"))
			notifier := &fakeNotifier{}
			o := New(rows, notifier)

			result, err := o.Begin(context.Background(), session(), "row_1", target)
			require.NoError(t, err)
			assert.Equal(t, OutcomeAutoRejected, result.Outcome)
			assert.Equal(t, Rejected, result.Status)
			assert.Equal(t, "Rejected", rows.rows["row_1"].Data["Status"])
			assert.Empty(t, notifier.sent)
			assert.Empty(t, o.Open())
		})
	}
}

func TestAutoRuleOnlyFiresOutOfNew(t *testing.T) {
	cases := []struct {
		name    string
		status  string
		score   string
		outcome Outcome
	}{
		{name: "past new", status: "Shortlisted", score: "25", outcome: OutcomeAwaitingConsent},
		{name: "zero score", status: "New", score: "0", outcome: OutcomeAwaitingConsent},
		{name: "at ceiling", status: "New", score: "40", outcome: OutcomeAwaitingConsent},
		{name: "not a number", status: "New", score: "n/a", outcome: OutcomeAwaitingConsent},
		{name: "blank status reads as new", status: "", score: "12.5", outcome: OutcomeAutoRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rows := newFakeRows(candidate("row_1", tc.status, tc.score))
			o := New(rows, &fakeNotifier{})

			result, err := o.Begin(context.Background(), session(), "row_1", "Interviewed")
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, result.Outcome)
		})
	}
}

func TestCustomScoreField(t *testing.T) {
	row := candidate("row_1", "New", "")
	row.Data["Quality"] = "10"
	rows := newFakeRows(row)
	o := New(rows, &fakeNotifier{}, WithScoreField("Quality"))

	result, err := o.Begin(context.Background(), session(), "row_1", "Hired")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoRejected, result.Outcome)
}

func TestValidationBlocksRemoteCalls(t *testing.T) {
	noEmail := candidate("row_1", "New", "")
	noEmail.Data["Email"] = " "
	noName := candidate("row_2", "New", "")
	delete(noName.Data, "Name")
	unsynced := model.Row{TempID: "tmp-1", IsNew: true, Data: map[string]string{"Name": "x", "Email": "x@example.com"}}
	rows := newFakeRows(noEmail, noName, unsynced)
	notifier := &fakeNotifier{}
	o := New(rows, notifier)
	ctx := context.Background()

	for _, ref := range []string{"row_1", "row_2", "tmp-1", "row_404"} {
		_, err := o.Begin(ctx, session(), ref, "Shortlisted")
		var validation *ValidationError
		assert.ErrorAs(t, err, &validation, ref)
	}

	_, err := o.Begin(ctx, session(), "row_1", "Promoted")
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "status", validation.Field)

	assert.Empty(t, rows.patches)
	assert.Empty(t, notifier.sent)
}

func TestNoOpWhenStatusUnchanged(t *testing.T) {
	rows := newFakeRows(candidate("row_1", "Interviewed", "80"))
	o := New(rows, &fakeNotifier{})

	result, err := o.Begin(context.Background(), session(), "row_1", "Interviewed")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, result.Outcome)
	assert.Empty(t, rows.patches)
}

func TestMovingBackToNewCommitsDirectly(t *testing.T) {
	rows := newFakeRows(candidate("row_1", "Shortlisted", "80"))
	notifier := &fakeNotifier{}
	o := New(rows, notifier)

	result, err := o.Begin(context.Background(), session(), "row_1", "New")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, result.Outcome)
	assert.Equal(t, "New", rows.rows["row_1"].Data["Status"])
	assert.Empty(t, notifier.sent)
}

func TestConsentDeclined(t *testing.T) {
	rows := newFakeRows(candidate("row_1", "New", "85"))
	notifier := &fakeNotifier{}
	o := New(rows, notifier)
	ctx := context.Background()

	result, err := o.Begin(ctx, session(), "row_1", "Shortlisted")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaitingConsent, result.Outcome)
	require.Len(t, o.Open(), 1)
	assert.Equal(t, "New", rows.rows["row_1"].Data["Status"])

	result, err = o.Decline(ctx, session(), "row_1")
	require.NoError(t, err)
	assert.Equal(t, Shortlisted, result.Status)
	assert.False(t, result.Notified)
	assert.Equal(t, "Shortlisted", rows.rows["row_1"].Data["Status"])
	assert.Equal(t, "false", rows.rows["row_1"].Data["Notified"])
	assert.Empty(t, notifier.sent)
	assert.Empty(t, o.Open())
}

func TestConsentAccepted(t *testing.T) {
	rows := newFakeRows(candidate("row_1", "New", "85"))
	notifier := &fakeNotifier{}
	o := New(rows, notifier)
	ctx := context.Background()

	_, err := o.Begin(ctx, session(), "row_1", "Shortlisted")
	require.NoError(t, err)

	msg, err := o.Accept(ctx, session(), "row_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ada@example.com"}, msg.To)
	transition, ok := o.Get("row_1")
	require.True(t, ok)
	assert.Equal(t, StageCompose, transition.Stage)

	msg.Cc = []string{"lead@example.com"}
	result, err := o.Send(ctx, session(), "row_1", msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotified, result.Outcome)
	assert.True(t, result.Notified)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "Shortlisted", notifier.sent[0].template)
	assert.Equal(t, []string{"lead@example.com"}, notifier.sent[0].msg.Cc)
	require.Len(t, rows.patches, 1)
	assert.Equal(t, map[string]string{"Status": "Shortlisted", "Notified": "true"}, rows.patches[0])
	assert.Empty(t, o.Open())
}

func TestNotificationFailureLeavesRowPending(t *testing.T) {
	rows := newFakeRows(candidate("row_1", "Interviewed", "85"))
	notifier := &fakeNotifier{sendFn: func() error { return errors.New("smtp down") }}
	o := New(rows, notifier)
	ctx := context.Background()

	_, err := o.Begin(ctx, session(), "row_1", "Hired")
	require.NoError(t, err)
	msg, err := o.Accept(ctx, session(), "row_1")
	require.NoError(t, err)

	_, err = o.Send(ctx, session(), "row_1", msg)
	var notifyErr *NotificationError
	require.ErrorAs(t, err, &notifyErr)
	var rowErr *RowUpdateError
	assert.False(t, errors.As(err, &rowErr))
	assert.Equal(t, "Interviewed", rows.rows["row_1"].Data["Status"])
	assert.Empty(t, rows.patches)

	transition, ok := o.Get("row_1")
	require.True(t, ok)
	assert.Equal(t, StagePending, transition.Stage)
	assert.Contains(t, transition.LastError, "smtp down")

	notifier.sendFn = nil
	result, err := o.Send(ctx, session(), "row_1", msg)
	require.NoError(t, err)
	assert.Equal(t, Hired, result.Status)
	assert.Equal(t, "Hired", rows.rows["row_1"].Data["Status"])
}

func TestSendRequiresRecipients(t *testing.T) {
	rows := newFakeRows(candidate("row_1", "New", "85"))
	notifier := &fakeNotifier{}
	o := New(rows, notifier)
	ctx := context.Background()

	_, err := o.Begin(ctx, session(), "row_1", "Rejected")
	require.NoError(t, err)
	msg, err := o.Accept(ctx, session(), "row_1")
	require.NoError(t, err)

	msg.To = nil
	_, err = o.Send(ctx, session(), "row_1", msg)
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Empty(t, notifier.sent)

	transition, ok := o.Get("row_1")
	require.True(t, ok)
	assert.Equal(t, StageCompose, transition.Stage)
}

func TestRowUpdateFailureIsDistinct(t *testing.T) {
	rows := newFakeRows(candidate("row_1", "New", "85"))
	rows.commitFn = func(rowID string, _ map[string]string) (workspace.Command, error) {
		return workspace.Command{ID: "cmd_9", State: workspace.CommandFailed}, &workspace.PatchError{RowID: rowID, CommandID: "cmd_9", Err: errors.New("503")}
	}
	o := New(rows, &fakeNotifier{})
	ctx := context.Background()

	_, err := o.Begin(ctx, session(), "row_1", "Shortlisted")
	require.NoError(t, err)
	_, err = o.Decline(ctx, session(), "row_1")
	var rowErr *RowUpdateError
	require.ErrorAs(t, err, &rowErr)
	assert.Equal(t, "cmd_9", rowErr.CommandID)
	assert.Equal(t, "New", rows.rows["row_1"].Data["Status"])
	assert.Empty(t, o.Open())

	cmd, err := o.Retry(ctx, session(), "cmd_9")
	require.NoError(t, err)
	assert.Equal(t, "cmd_9", cmd.RetryOf)
}

func TestOneWorkflowPerRow(t *testing.T) {
	rows := newFakeRows(candidate("row_1", "New", "85"), candidate("row_2", "New", "90"))
	o := New(rows, &fakeNotifier{})
	ctx := context.Background()

	_, err := o.Begin(ctx, session(), "row_1", "Shortlisted")
	require.NoError(t, err)
	_, err = o.Begin(ctx, session(), "row_1", "Hired")
	assert.ErrorIs(t, err, ErrTransitionInProgress)

	_, err = o.Begin(ctx, session(), "row_2", "Interviewed")
	require.NoError(t, err)
	assert.Len(t, o.Open(), 2)

	require.NoError(t, o.Abandon("row_1"))
	assert.ErrorIs(t, o.Abandon("row_1"), ErrNoTransition)
	assert.Equal(t, "New", rows.rows["row_1"].Data["Status"])
	_, err = o.Begin(ctx, session(), "row_1", "Hired")
	require.NoError(t, err)
}

func TestStepsOutOfOrder(t *testing.T) {
	rows := newFakeRows(candidate("row_1", "New", "85"))
	o := New(rows, &fakeNotifier{})
	ctx := context.Background()

	_, err := o.Accept(ctx, session(), "row_1")
	assert.ErrorIs(t, err, ErrNoTransition)

	_, err = o.Begin(ctx, session(), "row_1", "Shortlisted")
	require.NoError(t, err)
	_, err = o.Send(ctx, session(), "row_1", notify.Message{To: []string{"ada@example.com"}})
	assert.ErrorIs(t, err, ErrWrongStage)
}

func TestViewerCannotTransition(t *testing.T) {
	o := New(newFakeRows(candidate("row_1", "New", "85")), &fakeNotifier{})
	viewer := rbac.NewSession("ws_1", "u_2", "Viewer", rbac.RoleViewer)
	_, err := o.Begin(context.Background(), viewer, "row_1", "Hired")
	assert.ErrorIs(t, err, workspace.ErrForbidden)
}

func TestTransitionWithoutEditIsForbiddenBeforeSending(t *testing.T) {
	rows := newFakeRows(candidate("row_1", "New", "85"))
	notifier := &fakeNotifier{}
	o := New(rows, notifier)
	ctx := context.Background()
	limited := session()
	limited.Permissions = []rbac.Action{rbac.ActionRead, rbac.ActionTransition}

	_, err := o.Begin(ctx, limited, "row_1", "Shortlisted")
	assert.ErrorIs(t, err, workspace.ErrForbidden)
	assert.Empty(t, o.Open())

	_, err = o.Begin(ctx, session(), "row_1", "Shortlisted")
	require.NoError(t, err)
	msg, err := o.Accept(ctx, session(), "row_1")
	require.NoError(t, err)

	_, err = o.Send(ctx, limited, "row_1", msg)
	assert.ErrorIs(t, err, workspace.ErrForbidden)
	assert.Empty(t, notifier.sent)
	assert.Empty(t, rows.patches)
	transition, ok := o.Get("row_1")
	require.True(t, ok)
	assert.Equal(t, StageCompose, transition.Stage)
}
