package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/chatsql/chatsql/internal/apperrors"
	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/session"
	"github.com/chatsql/chatsql/internal/stream"
)

var errInterrupted = &apperrors.Error{
	Kind:    apperrors.KindInternal,
	Message: "task was interrupted before it finished",
	Hint:    "send the question again",
}

// Transition moves a task along created -> processing -> completed|error.
// A created task may also fail directly, but it cannot complete without
// processing. Repeating the transition a task is already in is a no-op;
// leaving a terminal state or re-entering processing fails with
// ErrInvalidTransition.
// A terminal transition persists the result message (or a diagnostic message
// built from cause), releases the session and publishes the terminal event.
func (m *Manager) Transition(ctx context.Context, organizationID, taskID string, status session.TaskStatus, result *session.Message, cause error) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	unlock := m.locks.lock(taskID)
	defer unlock()

	current, err := m.store.GetTask(ctx, organizationID, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if current.Status == status {
		return nil
	}
	if current.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}

	switch status {
	case session.TaskCreated:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	case session.TaskCompleted:
		if current.Status == session.TaskCreated {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
		}
	case session.TaskProcessing:
		if err := m.store.UpdateTaskStatus(ctx, organizationID, taskID, status); err != nil {
			return fmt.Errorf("mark task processing: %w", err)
		}
		m.publish(stream.EventProcessingStarted, current.SessionID, taskID, nil)
		return nil
	}

	now := m.now()
	finished := current
	finished.Status = status
	finished.UpdatedAt = now
	if status == session.TaskError {
		if cause == nil {
			cause = &apperrors.Error{Kind: apperrors.KindInternal, Message: "task failed"}
		}
		finished.Error = apperrors.Diagnostic(cause)
		finished.ErrorKind = string(apperrors.KindOf(cause))
		if result == nil {
			result = &session.Message{
				ID:        session.NewMessageID(current.SessionID, now),
				SessionID: current.SessionID,
				Role:      session.RoleAssistant,
				Content:   finished.Error,
				Timestamp: now,
				Metadata:  &session.MessageMetadata{TaskID: taskID, ErrorKind: finished.ErrorKind},
			}
		}
	}
	if result != nil {
		msg := result.Clone()
		finished.Result = &msg
	}

	if err := m.store.FinishTask(ctx, finished); err != nil {
		return fmt.Errorf("persist finished task: %w", err)
	}
	m.release(current.SessionID, taskID)
	observability.ObserveTaskFinished(string(status), now.Sub(current.CreatedAt))

	if status == session.TaskCompleted {
		messageID := ""
		if finished.Result != nil {
			messageID = finished.Result.ID
		}
		m.publish(stream.EventTaskCompleted, current.SessionID, taskID, map[string]string{"taskId": taskID, "messageId": messageID})
	} else {
		m.publish(stream.EventTaskError, current.SessionID, taskID, stream.ErrorData{Kind: finished.ErrorKind, Diagnostic: finished.Error})
	}
	return nil
}

// keyedMutex serializes work per key without a global lock.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = map[string]*keyedEntry{}
	}
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
