package workspace

import (
	"time"

	"roster/api/internal/model"
	"roster/api/internal/util"
)

type CommandKind string

const (
	CommandSync     CommandKind = "sync"
	CommandRowPatch CommandKind = "row_patch"
)

type CommandState string

const (
	CommandPending   CommandState = "pending"
	CommandCommitted CommandState = "committed"
	CommandFailed    CommandState = "failed"
	// CommandRetried marks a failed command that was re-issued as a new one.
	CommandRetried CommandState = "retried"
)

const commandLogLimit = 200

// Command is one remote write issued by the editor.
type Command struct {
	ID        string            `json:"id"`
	Kind      CommandKind       `json:"kind"`
	State     CommandState      `json:"state"`
	RowID     string            `json:"rowId,omitempty"`
	Patch     map[string]string `json:"patch,omitempty"`
	Actor     string            `json:"actor"`
	Error     string            `json:"error,omitempty"`
	RetryOf   string            `json:"retryOf,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func (c Command) clone() Command {
	out := c
	if c.Patch != nil {
		out.Patch = model.CloneData(c.Patch)
	}
	return out
}

type commandLog struct {
	entries []Command
	limit   int
}

func newCommandLog(limit int) *commandLog {
	return &commandLog{limit: limit}
}

func (l *commandLog) append(cmd Command, now time.Time) Command {
	cmd.ID = util.NewID("cmd")
	cmd.State = CommandPending
	cmd.CreatedAt = now
	cmd.UpdatedAt = now
	l.entries = append(l.entries, cmd)
	if len(l.entries) > l.limit {
		l.entries = append([]Command(nil), l.entries[len(l.entries)-l.limit:]...)
	}
	return cmd.clone()
}

func (l *commandLog) mark(id string, state CommandState, cause error, now time.Time) {
	for i := range l.entries {
		if l.entries[i].ID != id {
			continue
		}
		l.entries[i].State = state
		l.entries[i].UpdatedAt = now
		if cause != nil {
			l.entries[i].Error = cause.Error()
		}
		return
	}
}

func (l *commandLog) get(id string) (Command, bool) {
	for _, cmd := range l.entries {
		if cmd.ID == id {
			return cmd.clone(), true
		}
	}
	return Command{}, false
}

func (l *commandLog) list() []Command {
	out := make([]Command, len(l.entries))
	for i, cmd := range l.entries {
		out[i] = cmd.clone()
	}
	return out
}

func (l *commandLog) reset() {
	l.entries = nil
}
