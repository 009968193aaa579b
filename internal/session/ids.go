package session

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

func NewSessionID() string {
	return uuid.NewString()
}

func NewTaskID() string {
	return uuid.NewString()
}

// NewMessageID returns "m_<unix millis>_<session marker>_<random>". The
// embedded timestamp lets clients order messages whose own timestamps tie.
func NewMessageID(sessionID string, at time.Time) string {
	return "m_" + strconv.FormatInt(at.UnixMilli(), 10) + "_" + sessionMarker(sessionID) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// MessageIDTime extracts the creation time embedded by NewMessageID.
func MessageIDTime(id string) (time.Time, bool) {
	parts := strings.SplitN(id, "_", 4)
	if len(parts) < 3 || parts[0] != "m" {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(millis).UTC(), true
}

// MessageIDSession reports whether id was minted for sessionID.
func MessageIDSession(id, sessionID string) bool {
	parts := strings.SplitN(id, "_", 4)
	return len(parts) == 4 && parts[0] == "m" && parts[2] == sessionMarker(sessionID)
}

func sessionMarker(sessionID string) string {
	marker := strings.ReplaceAll(sessionID, "-", "")
	marker = strings.ReplaceAll(marker, "_", "")
	if len(marker) > 8 {
		marker = marker[:8]
	}
	if marker == "" {
		marker = "none"
	}
	return marker
}
