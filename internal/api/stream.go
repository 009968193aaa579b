package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/stream"
)

const defaultHeartbeatInterval = 15 * time.Second

// handleSessionStream writes session events as NDJSON: a connected event
// carrying the persisted status, then broker events interleaved with
// heartbeats until the client goes away.
func handleSessionStream(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Tasks == nil || deps.Broker == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "STREAM_NOT_CONFIGURED", "stream broker is not configured", false, nil)
		return
	}
	identity, ok := identityFromRequest(w, r)
	if !ok {
		return
	}
	sessionID := r.PathValue("id")

	if _, err := deps.Tasks.Status(r.Context(), identity.OrganizationID, sessionID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	// Subscribe before reading the status sent to the client so nothing
	// published in between is lost.
	sub := deps.Broker.Subscribe(sessionID)
	defer sub.Close()
	view, err := deps.Tasks.Status(r.Context(), identity.OrganizationID, sessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	observability.AddHTTPStreamsOpen(1)
	defer observability.AddHTTPStreamsOpen(-1)
	enc := stream.NewEncoder(w)

	connected, err := stream.NewEvent(stream.EventConnected, sessionID, view.ActiveTaskID, view)
	if err != nil {
		return
	}
	connected.At = time.Now().UTC()
	if err := enc.Encode(connected); err != nil {
		return
	}

	interval := deps.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			heartbeat := stream.Event{Type: stream.EventHeartbeat, SessionID: sessionID, At: time.Now().UTC()}
			if err := enc.Encode(heartbeat); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := enc.Encode(event); err != nil {
				if deps.Logger != nil {
					deps.Logger.DebugContext(r.Context(), "stream write failed",
						slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
						slog.String("session_id", sessionID),
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}
}
