// Package postgres implements session.Store on postgres through pgx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatsql/chatsql/internal/session"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	db *sql.DB
}

var _ session.Store = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping store db: %w", err)
	}
	return nil
}

func (r *Repository) CreateSession(ctx context.Context, s session.Session) error {
	status := s.Status
	if status == "" {
		status = session.StatusIdle
	}
	query := `
INSERT INTO chat_session (session_id, organization_id, owner_id, title, database_connection_ref, model_connection_ref, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.db.ExecContext(ctx, query,
		s.ID, s.OrganizationID, s.OwnerID, s.Title, s.DatabaseConnectionRef, s.ModelConnectionRef, string(status),
	); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *Repository) GetSession(ctx context.Context, organizationID, sessionID string) (session.Session, error) {
	query := `
SELECT session_id, organization_id, owner_id, title, database_connection_ref, model_connection_ref, status, active_task_id, created_at, updated_at
FROM chat_session
WHERE organization_id = $1 AND session_id = $2`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, organizationID, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	messages, err := listMessages(ctx, r.db, organizationID, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	s.Messages = messages
	return s, nil
}

func (r *Repository) ListSessions(ctx context.Context, organizationID, ownerID string, limit int) ([]session.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT session_id, organization_id, owner_id, title, database_connection_ref, model_connection_ref, status, active_task_id, created_at, updated_at
FROM chat_session
WHERE organization_id = $1 AND ($2 = '' OR owner_id = $2)
ORDER BY updated_at DESC, session_id ASC
LIMIT $3`, organizationID, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]session.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return sessions, nil
}

func (r *Repository) DeleteSession(ctx context.Context, organizationID, sessionID string) error {
	result, err := r.db.ExecContext(ctx, `
DELETE FROM chat_session
WHERE organization_id = $1 AND session_id = $2`, organizationID, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireAffected(result, "delete session")
}

func (r *Repository) ClaimSession(ctx context.Context, organizationID, sessionID, activeTaskID string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE chat_session
SET status = 'processing', active_task_id = $3, updated_at = now()
WHERE organization_id = $1 AND session_id = $2 AND status = 'idle'`, organizationID, sessionID, activeTaskID)
	if err != nil {
		return fmt.Errorf("claim session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim session rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM chat_session WHERE organization_id = $1 AND session_id = $2)`, organizationID, sessionID).Scan(&exists); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return session.ErrNotFound
	}
	return session.ErrBusy
}

func (r *Repository) ReleaseSession(ctx context.Context, organizationID, sessionID, activeTaskID string) error {
	if _, err := r.db.ExecContext(ctx, `
UPDATE chat_session
SET status = 'idle', active_task_id = NULL, updated_at = now()
WHERE organization_id = $1 AND session_id = $2 AND active_task_id = $3`, organizationID, sessionID, activeTaskID); err != nil {
		return fmt.Errorf("release session: %w", err)
	}
	return nil
}

func (r *Repository) AppendMessage(ctx context.Context, organizationID string, msg session.Message) error {
	return appendMessage(ctx, r.db, organizationID, msg)
}

func (r *Repository) ListMessages(ctx context.Context, organizationID, sessionID string) ([]session.Message, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM chat_session WHERE organization_id = $1 AND session_id = $2)`, organizationID, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return nil, session.ErrNotFound
	}
	return listMessages(ctx, r.db, organizationID, sessionID)
}

func (r *Repository) TruncateFrom(ctx context.Context, organizationID, sessionID, messageID string) (int, error) {
	result, err := r.db.ExecContext(ctx, `
DELETE FROM chat_message
WHERE organization_id = $1 AND session_id = $2 AND seq >= (
    SELECT seq FROM chat_message
    WHERE organization_id = $1 AND session_id = $2 AND message_id = $3
)`, organizationID, sessionID, messageID)
	if err != nil {
		return 0, fmt.Errorf("truncate messages: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("truncate messages rows affected: %w", err)
	}
	if affected == 0 {
		return 0, session.ErrNotFound
	}
	return int(affected), nil
}

func (r *Repository) CreateTask(ctx context.Context, task session.Task) error {
	query := `
INSERT INTO chat_task (task_id, session_id, organization_id, user_message_id, status, owner_instance)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.db.ExecContext(ctx, query, task.ID, task.SessionID, task.OrganizationID, task.UserMessageID, string(task.Status), task.Owner); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (r *Repository) GetTask(ctx context.Context, organizationID, taskID string) (session.Task, error) {
	query := `
SELECT task_id, session_id, organization_id, user_message_id, status, owner_instance, result_json, error_text, error_kind, created_at, updated_at
FROM chat_task
WHERE organization_id = $1 AND task_id = $2`
	task, err := scanTask(r.db.QueryRowContext(ctx, query, organizationID, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Task{}, session.ErrNotFound
		}
		return session.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (r *Repository) UpdateTaskStatus(ctx context.Context, organizationID, taskID string, status session.TaskStatus) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE chat_task
SET status = $3, updated_at = now()
WHERE organization_id = $1 AND task_id = $2`, organizationID, taskID, string(status))
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return requireAffected(result, "update task status")
}

func (r *Repository) FinishTask(ctx context.Context, task session.Task) error {
	var resultJSON []byte
	if task.Result != nil {
		encoded, err := json.Marshal(task.Result)
		if err != nil {
			return fmt.Errorf("encode task result: %w", err)
		}
		resultJSON = encoded
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
UPDATE chat_task
SET status = $3, result_json = $4::jsonb, error_text = $5, error_kind = $6, updated_at = now()
WHERE organization_id = $1 AND task_id = $2`,
		task.OrganizationID, task.ID, string(task.Status), nullableJSON(resultJSON), task.Error, task.ErrorKind)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	if err := requireAffected(result, "finish task"); err != nil {
		return err
	}
	if task.Result != nil {
		if err := appendMessage(ctx, tx, task.OrganizationID, *task.Result); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE chat_session
SET status = 'idle', active_task_id = NULL, updated_at = now()
WHERE organization_id = $1 AND session_id = $2 AND (active_task_id = $3 OR active_task_id IS NULL)`,
		task.OrganizationID, task.SessionID, task.ID); err != nil {
		return fmt.Errorf("release session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *Repository) ListUnfinishedTasks(ctx context.Context) ([]session.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT task_id, session_id, organization_id, user_message_id, status, owner_instance, result_json, error_text, error_kind, created_at, updated_at
FROM chat_task
WHERE status IN ('created', 'processing')
ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tasks := make([]session.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		s            session.Session
		status       string
		activeTaskID sql.NullString
	)
	if err := row.Scan(
		&s.ID,
		&s.OrganizationID,
		&s.OwnerID,
		&s.Title,
		&s.DatabaseConnectionRef,
		&s.ModelConnectionRef,
		&status,
		&activeTaskID,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return session.Session{}, err
	}
	s.Status = session.Status(status)
	s.ActiveTaskID = activeTaskID.String
	return s, nil
}

func scanTask(row rowScanner) (session.Task, error) {
	var (
		task       session.Task
		status     string
		resultJSON []byte
	)
	if err := row.Scan(
		&task.ID,
		&task.SessionID,
		&task.OrganizationID,
		&task.UserMessageID,
		&status,
		&task.Owner,
		&resultJSON,
		&task.Error,
		&task.ErrorKind,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return session.Task{}, err
	}
	task.Status = session.TaskStatus(status)
	if len(resultJSON) > 0 && string(resultJSON) != "null" {
		var msg session.Message
		if err := json.Unmarshal(resultJSON, &msg); err != nil {
			return session.Task{}, fmt.Errorf("decode task result: %w", err)
		}
		task.Result = &msg
	}
	return task, nil
}

func appendMessage(ctx context.Context, q dbTX, organizationID string, msg session.Message) error {
	var metadata []byte
	if msg.Metadata != nil {
		encoded, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %w", err)
		}
		metadata = encoded
	}
	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	query := `
INSERT INTO chat_message (message_id, session_id, organization_id, role, content, metadata_json, created_at)
SELECT $1, session_id, organization_id, $4, $5, $6::jsonb, $7
FROM chat_session
WHERE session_id = $2 AND organization_id = $3`
	result, err := q.ExecContext(ctx, query,
		msg.ID, msg.SessionID, organizationID, string(msg.Role), msg.Content, nullableJSON(metadata), timestamp)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return requireAffected(result, "append message")
}

func listMessages(ctx context.Context, q dbTX, organizationID, sessionID string) ([]session.Message, error) {
	rows, err := q.QueryContext(ctx, `
SELECT message_id, session_id, role, content, metadata_json, created_at
FROM chat_message
WHERE organization_id = $1 AND session_id = $2
ORDER BY seq ASC`, organizationID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]session.Message, 0)
	for rows.Next() {
		var (
			msg      session.Message
			role     string
			metadata []byte
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &metadata, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = session.Role(role)
		if len(metadata) > 0 && string(metadata) != "null" {
			var meta session.MessageMetadata
			if err := json.Unmarshal(metadata, &meta); err != nil {
				return nil, fmt.Errorf("decode message metadata: %w", err)
			}
			msg.Metadata = &meta
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return session.ErrNotFound
	}
	return nil
}
