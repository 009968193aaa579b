package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chatsql/chatsql/internal/observability"
)

type contextKey string

const identityKey contextKey = "auth_identity"

const (
	HeaderOrganizationID = "X-Organization-ID"
	HeaderUserID         = "X-User-ID"
	HeaderRole           = "X-Role"
)

// DevIdentity is used when auth is disabled and the request names no caller.
var DevIdentity = Identity{OrganizationID: "dev-org", UserID: "dev-user", Role: "analyst"}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// Middleware authenticates by API key. With required unset, a request
// without a key falls back to the X-Organization-ID, X-User-ID and X-Role
// headers, filling any missing field from DevIdentity.
func Middleware(logger *slog.Logger, validator APIKeyValidator, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := extractAPIKey(r)
			if apiKey == "" {
				if !required {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), headerIdentity(r))))
					return
				}
				writeUnauthorized(w, r, "missing API key")
				return
			}

			identity, ok := validator.Validate(r.Context(), apiKey)
			if !ok {
				if logger != nil {
					logger.WarnContext(r.Context(), "authentication failed",
						slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
						slog.String("path", r.URL.Path),
					)
				}
				writeUnauthorized(w, r, "invalid API key")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func headerIdentity(r *http.Request) Identity {
	identity := DevIdentity
	if value := strings.TrimSpace(r.Header.Get(HeaderOrganizationID)); value != "" {
		identity.OrganizationID = value
	}
	if value := strings.TrimSpace(r.Header.Get(HeaderUserID)); value != "" {
		identity.UserID = value
	}
	if value := strings.TrimSpace(r.Header.Get(HeaderRole)); value != "" {
		identity.Role = value
	}
	return identity
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if authorization == "" {
		return ""
	}
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authorization, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix))
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": "UNAUTHORIZED",
		"message":    message,
		"retryable":  false,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
