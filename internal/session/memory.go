package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. It backs the dev profile and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRecord
	tasks    map[string]Task
	now      func() time.Time
}

type sessionRecord struct {
	session  Session
	messages []Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*sessionRecord{},
		tasks:    map[string]Task{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

func (s *MemoryStore) CreateSession(_ context.Context, sess Session) error {
	if sess.ID == "" || sess.OrganizationID == "" {
		return fmt.Errorf("session id and organization id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %q already exists", sess.ID)
	}
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = StatusIdle
	}
	messages := make([]Message, 0, len(sess.Messages))
	for _, msg := range sess.Messages {
		messages = append(messages, msg.Clone())
	}
	sess.Messages = nil
	s.sessions[sess.ID] = &sessionRecord{session: sess, messages: messages}
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, organizationID, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, err := s.lookup(organizationID, sessionID)
	if err != nil {
		return Session{}, err
	}
	out := record.session.Clone()
	out.Messages = make([]Message, 0, len(record.messages))
	for _, msg := range record.messages {
		out.Messages = append(out.Messages, msg.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, organizationID, ownerID string, limit int) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0)
	for _, record := range s.sessions {
		if record.session.OrganizationID != organizationID {
			continue
		}
		if ownerID != "" && record.session.OwnerID != ownerID {
			continue
		}
		out = append(out, record.session.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, organizationID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(organizationID, sessionID); err != nil {
		return err
	}
	delete(s.sessions, sessionID)
	for id, task := range s.tasks {
		if task.SessionID == sessionID {
			delete(s.tasks, id)
		}
	}
	return nil
}

func (s *MemoryStore) ClaimSession(_ context.Context, organizationID, sessionID, activeTaskID string) error {
	if activeTaskID == "" {
		return fmt.Errorf("active task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.lookup(organizationID, sessionID)
	if err != nil {
		return err
	}
	if record.session.Status != StatusIdle {
		return ErrBusy
	}
	record.session.Status = StatusProcessing
	record.session.ActiveTaskID = activeTaskID
	record.session.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ReleaseSession(_ context.Context, organizationID, sessionID, activeTaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.lookup(organizationID, sessionID)
	if err != nil {
		return err
	}
	if record.session.ActiveTaskID != activeTaskID {
		return nil
	}
	record.session.Status = StatusIdle
	record.session.ActiveTaskID = ""
	record.session.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, organizationID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(organizationID, msg)
}

func (s *MemoryStore) appendLocked(organizationID string, msg Message) error {
	record, err := s.lookup(organizationID, msg.SessionID)
	if err != nil {
		return err
	}
	for _, existing := range record.messages {
		if existing.ID == msg.ID {
			return fmt.Errorf("message %q already exists", msg.ID)
		}
	}
	record.messages = append(record.messages, msg.Clone())
	record.session.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, organizationID, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, err := s.lookup(organizationID, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(record.messages))
	for _, msg := range record.messages {
		out = append(out, msg.Clone())
	}
	return out, nil
}

func (s *MemoryStore) TruncateFrom(_ context.Context, organizationID, sessionID, messageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.lookup(organizationID, sessionID)
	if err != nil {
		return 0, err
	}
	for i, msg := range record.messages {
		if msg.ID == messageID {
			removed := len(record.messages) - i
			record.messages = record.messages[:i]
			record.session.UpdatedAt = s.now()
			return removed, nil
		}
	}
	return 0, ErrNotFound
}

func (s *MemoryStore) CreateTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(task.OrganizationID, task.SessionID); err != nil {
		return err
	}
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %q already exists", task.ID)
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, organizationID, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok || task.OrganizationID != organizationID {
		return Task{}, ErrNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryStore) UpdateTaskStatus(_ context.Context, organizationID, taskID string, status TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.OrganizationID != organizationID {
		return ErrNotFound
	}
	task.Status = status
	task.UpdatedAt = s.now()
	s.tasks[taskID] = task
	return nil
}

func (s *MemoryStore) FinishTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[task.ID]
	if !ok || current.OrganizationID != task.OrganizationID {
		return ErrNotFound
	}
	record, err := s.lookup(task.OrganizationID, task.SessionID)
	if err != nil {
		return err
	}
	if task.Result != nil {
		if err := s.appendLocked(task.OrganizationID, *task.Result); err != nil {
			return err
		}
	}
	task.UpdatedAt = s.now()
	s.tasks[task.ID] = task.Clone()
	if record.session.ActiveTaskID == task.ID || record.session.ActiveTaskID == "" {
		record.session.Status = StatusIdle
		record.session.ActiveTaskID = ""
	}
	record.session.UpdatedAt = task.UpdatedAt
	return nil
}

func (s *MemoryStore) ListUnfinishedTasks(context.Context) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0)
	for _, task := range s.tasks {
		if !task.Status.Terminal() {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) lookup(organizationID, sessionID string) (*sessionRecord, error) {
	record, ok := s.sessions[sessionID]
	if !ok || record.session.OrganizationID != organizationID {
		return nil, ErrNotFound
	}
	return record, nil
}
