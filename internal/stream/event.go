// Package stream fans task lifecycle events out to every subscriber of a
// session. Delivery is advisory; the persisted session and task records stay
// the source of truth.
package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventConnected         EventType = "connected"
	EventHeartbeat         EventType = "heartbeat"
	EventTaskCreated       EventType = "task_created"
	EventProcessingStarted EventType = "processing_started"
	EventStatusUpdate      EventType = "status_update"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventFinalResultReady  EventType = "final_result_ready"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskError         EventType = "task_error"
)

// Terminal reports whether the event ends a task's stream.
func (t EventType) Terminal() bool {
	return t == EventTaskCompleted || t == EventTaskError
}

// HighFrequency marks progress chatter that consumers may coalesce.
func (t EventType) HighFrequency() bool {
	switch t {
	case EventStatusUpdate, EventStepStarted, EventStepCompleted, EventHeartbeat:
		return true
	}
	return false
}

type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	TaskID    string          `json:"taskId,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	At        time.Time       `json:"at"`
	// Origin is the broker instance that first published the event.
	Origin string `json:"origin,omitempty"`
}

// NewEvent builds an event with data encoded as JSON. A nil data yields no payload.
func NewEvent(eventType EventType, sessionID, taskID string, data any) (Event, error) {
	event := Event{Type: eventType, SessionID: sessionID, TaskID: taskID}
	if data == nil {
		return event, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event data: %w", eventType, err)
	}
	event.Data = raw
	return event, nil
}

func (e Event) Decode(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("decode %s event data: %w", e.Type, err)
	}
	return nil
}

// Step payloads carried by step_started, step_completed and status_update.
type StepData struct {
	Step    string `json:"step"`
	Message string `json:"message,omitempty"`
	Elapsed int64  `json:"elapsedMs,omitempty"`
}

// ErrorData is carried by task_error.
type ErrorData struct {
	Kind       string `json:"kind"`
	Diagnostic string `json:"diagnostic"`
}
