package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/chatsql/chatsql/internal/session"
)

const defaultSessionListLimit = 50

type sessionSummary struct {
	ID                    string         `json:"id"`
	Title                 string         `json:"title"`
	OwnerID               string         `json:"ownerId"`
	DatabaseConnectionRef string         `json:"databaseConnectionRef"`
	Status                session.Status `json:"status"`
	ActiveTaskID          string         `json:"activeTaskId,omitempty"`
	CreatedAt             string         `json:"createdAt"`
	UpdatedAt             string         `json:"updatedAt"`
}

func handleListSessions(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session store is not configured", false, nil)
		return
	}
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}

	limit := defaultSessionListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 500", false, nil)
			return
		}
		limit = parsed
	}
	owner := identity.UserID
	if r.URL.Query().Get("scope") == "organization" {
		owner = ""
	}

	sessions, err := deps.Sessions.ListSessions(r.Context(), identity.OrganizationID, owner, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionSummary{
			ID:                    sess.ID,
			Title:                 sess.Title,
			OwnerID:               sess.OwnerID,
			DatabaseConnectionRef: sess.DatabaseConnectionRef,
			Status:                sess.Status,
			ActiveTaskID:          sess.ActiveTaskID,
			CreatedAt:             sess.CreatedAt.UTC().Format(timeLayout),
			UpdatedAt:             sess.UpdatedAt.UTC().Format(timeLayout),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func handleGetSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session store is not configured", false, nil)
		return
	}
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}
	sess, err := deps.Sessions.GetSession(r.Context(), identity.OrganizationID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func handleDeleteSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Tasks == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TASKS_NOT_CONFIGURED", "task manager is not configured", false, nil)
		return
	}
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}
	if err := deps.Tasks.DeleteSession(r.Context(), identity.OrganizationID, r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionStatus serves the persisted status, which a client reads after
// every reconnect instead of trusting what the stream delivered.
func handleSessionStatus(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Tasks == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TASKS_NOT_CONFIGURED", "task manager is not configured", false, nil)
		return
	}
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}
	view, err := deps.Tasks.Status(r.Context(), identity.OrganizationID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func handleTruncate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Tasks == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TASKS_NOT_CONFIGURED", "task manager is not configured", false, nil)
		return
	}
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}
	removed, err := deps.Tasks.Truncate(r.Context(), identity.OrganizationID, r.PathValue("id"), r.PathValue("messageID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
