package session

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("session: not found")
	// ErrBusy reports a claim on a session that another task already holds.
	ErrBusy = errors.New("session: already processing")
)

// Store persists sessions, messages and tasks. Every read and write is scoped
// by organization id; a record of another organization is reported as
// ErrNotFound.
type Store interface {
	HealthCheck(ctx context.Context) error

	CreateSession(ctx context.Context, s Session) error
	// GetSession returns the session with its messages in order.
	GetSession(ctx context.Context, organizationID, sessionID string) (Session, error)
	ListSessions(ctx context.Context, organizationID, ownerID string, limit int) ([]Session, error)
	DeleteSession(ctx context.Context, organizationID, sessionID string) error
	// ClaimSession moves an idle session to processing under activeTaskID as
	// one compare-and-set. A session that is already processing fails with
	// ErrBusy, whichever instance holds it.
	ClaimSession(ctx context.Context, organizationID, sessionID, activeTaskID string) error
	// ReleaseSession returns the session to idle when activeTaskID still
	// holds it and is a no-op otherwise.
	ReleaseSession(ctx context.Context, organizationID, sessionID, activeTaskID string) error

	AppendMessage(ctx context.Context, organizationID string, msg Message) error
	ListMessages(ctx context.Context, organizationID, sessionID string) ([]Message, error)
	// TruncateFrom deletes messageID and every later message of the session,
	// returning how many were removed.
	TruncateFrom(ctx context.Context, organizationID, sessionID, messageID string) (int, error)

	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, organizationID, taskID string) (Task, error)
	UpdateTaskStatus(ctx context.Context, organizationID, taskID string, status TaskStatus) error
	// FinishTask stores the terminal task, appends its result message when
	// present and returns the session to idle, as one unit.
	FinishTask(ctx context.Context, task Task) error
	ListUnfinishedTasks(ctx context.Context) ([]Task, error)
}
