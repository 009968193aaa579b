package api

import (
	"net/http"

	"github.com/chatsql/chatsql/internal/nl2sql"
	"github.com/chatsql/chatsql/internal/session"
	"github.com/chatsql/chatsql/internal/task"
)

type turnRequest struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required,max=16000"`
}

type conversationRequest struct {
	SessionID             string        `json:"sessionId" validate:"omitempty,max=128"`
	Title                 string        `json:"title" validate:"max=200"`
	DatabaseConnectionRef string        `json:"databaseConnectionRef" validate:"required_without=SessionID,max=128"`
	ModelConnectionRef    string        `json:"modelConnectionRef" validate:"max=128"`
	Message               string        `json:"message" validate:"required,max=8000"`
	History               []turnRequest `json:"history" validate:"max=50,dive"`
	Hint                  string        `json:"hint" validate:"max=64"`
	Wait                  bool          `json:"wait"`
}

type conversationResponse struct {
	Session     session.Session `json:"session"`
	Task        session.Task    `json:"task"`
	UserMessage session.Message `json:"userMessage"`
}

// handleConversation creates a session or continues one with a new user
// message. The task runs in the background unless wait is set; clients
// follow it on the session stream or by polling status.
func handleConversation(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Tasks == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TASKS_NOT_CONFIGURED", "task manager is not configured", false, nil)
		return
	}
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}
	var request conversationRequest
	if !decodeRequest(w, r, &request) {
		return
	}

	turns := make([]nl2sql.Turn, 0, len(request.History))
	for _, turn := range request.History {
		turns = append(turns, nl2sql.Turn{Role: turn.Role, Content: turn.Content})
	}
	res, err := deps.Tasks.Submit(r.Context(), task.SubmitInput{
		Caller:                identity.Caller(),
		SessionID:             request.SessionID,
		Title:                 request.Title,
		DatabaseConnectionRef: request.DatabaseConnectionRef,
		ModelConnectionRef:    request.ModelConnectionRef,
		Turns:                 turns,
		Content:               request.Message,
		Hint:                  request.Hint,
		Wait:                  request.Wait,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if request.Wait {
		status = http.StatusOK
	}
	res.Session.Messages = nil
	writeJSON(w, status, conversationResponse{Session: res.Session, Task: res.Task, UserMessage: res.UserMessage})
}
