// Package session holds the conversation data model, sessions that own
// ordered messages and at most one active task, and the stores that persist it.
package session

import (
	"time"

	"github.com/chatsql/chatsql/internal/nl2sql"
	"github.com/chatsql/chatsql/internal/query"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type TaskStatus string

const (
	TaskCreated    TaskStatus = "created"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskError      TaskStatus = "error"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskError
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskCreated, TaskProcessing, TaskCompleted, TaskError:
		return true
	}
	return false
}

type Session struct {
	ID                    string    `json:"id"`
	Title                 string    `json:"title"`
	OwnerID               string    `json:"ownerId"`
	OrganizationID        string    `json:"organizationId"`
	DatabaseConnectionRef string    `json:"databaseConnectionRef"`
	ModelConnectionRef    string    `json:"modelConnectionRef,omitempty"`
	Status                Status    `json:"status"`
	ActiveTaskID          string    `json:"activeTaskId,omitempty"`
	Messages              []Message `json:"messages,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

func (s Session) Clone() Session {
	out := s
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		for i, msg := range s.Messages {
			out.Messages[i] = msg.Clone()
		}
	}
	return out
}

type Message struct {
	ID        string           `json:"id"`
	SessionID string           `json:"sessionId"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

func (m Message) Clone() Message {
	out := m
	if m.Metadata != nil {
		meta := m.Metadata.Clone()
		out.Metadata = &meta
	}
	return out
}

// MessageMetadata is the structured payload attached to assistant answers.
type MessageMetadata struct {
	TaskID        string                    `json:"taskId,omitempty"`
	SQL           *string                   `json:"sql,omitempty"`
	Reasoning     string                    `json:"reasoning,omitempty"`
	Result        *query.Result             `json:"result,omitempty"`
	Visualization *nl2sql.VisualizationHint `json:"visualization,omitempty"`
	CommandHint   string                    `json:"commandHint,omitempty"`
	ErrorKind     string                    `json:"errorKind,omitempty"`
	ArchiveKey    string                    `json:"archiveKey,omitempty"`
}

func (m MessageMetadata) Clone() MessageMetadata {
	out := m
	if m.SQL != nil {
		sql := *m.SQL
		out.SQL = &sql
	}
	if m.Result != nil {
		result := m.Result.Clone()
		out.Result = &result
	}
	if m.Visualization != nil {
		viz := *m.Visualization
		viz.Y = append([]string(nil), m.Visualization.Y...)
		out.Visualization = &viz
	}
	return out
}

type Task struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"sessionId"`
	OrganizationID string     `json:"organizationId"`
	UserMessageID  string     `json:"userMessageId"`
	Status         TaskStatus `json:"status"`
	// Owner is the instance id of the manager running the task.
	Owner string `json:"owner,omitempty"`
	// Result is the assistant message produced by the task.
	Result    *Message  `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"errorKind,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (t Task) Clone() Task {
	out := t
	if t.Result != nil {
		msg := t.Result.Clone()
		out.Result = &msg
	}
	return out
}
