package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/chatsql/chatsql/internal/archive"
)

const timeLayout = time.RFC3339Nano

func handleGetTask(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Tasks == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TASKS_NOT_CONFIGURED", "task manager is not configured", false, nil)
		return
	}
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}
	found, err := deps.Tasks.Task(r.Context(), identity.OrganizationID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func handleCancelTask(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Tasks == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TASKS_NOT_CONFIGURED", "task manager is not configured", false, nil)
		return
	}
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("id")
	if err := deps.Tasks.Cancel(r.Context(), identity.OrganizationID, taskID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"taskId": taskID, "cancelled": true})
}

// handleTaskArchive returns the archived result of a completed task, as the
// raw parquet object or, with ?format=json, decoded.
func handleTaskArchive(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Tasks == nil || deps.Archiver == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ARCHIVE_NOT_CONFIGURED", "result archiving is not configured", false, nil)
		return
	}
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}
	found, err := deps.Tasks.Task(r.Context(), identity.OrganizationID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if found.Result == nil || found.Result.Metadata == nil || found.Result.Metadata.ArchiveKey == "" {
		writeServiceError(w, r, archive.ErrObjectNotFound)
		return
	}
	key := found.Result.Metadata.ArchiveKey

	if r.URL.Query().Get("format") == "json" {
		result, err := deps.Archiver.Load(r.Context(), key)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	body, size, err := deps.Archiver.Open(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer func() { _ = body.Close() }()
	w.Header().Set("Content-Type", archive.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+found.ID+`.parquet"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}
