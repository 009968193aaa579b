package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatsql/chatsql/internal/archive"
	"github.com/chatsql/chatsql/internal/auth"
	"github.com/chatsql/chatsql/internal/config"
	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/session"
	"github.com/chatsql/chatsql/internal/stream"
	"github.com/chatsql/chatsql/internal/task"
)

type ReadinessCheck func(ctx context.Context) error

// TaskService is the task manager surface the handlers drive.
type TaskService interface {
	Submit(ctx context.Context, in task.SubmitInput) (task.SubmitResult, error)
	Status(ctx context.Context, organizationID, sessionID string) (task.StatusView, error)
	Task(ctx context.Context, organizationID, taskID string) (session.Task, error)
	Cancel(ctx context.Context, organizationID, taskID string) error
	Truncate(ctx context.Context, organizationID, sessionID, messageID string) (int, error)
	DeleteSession(ctx context.Context, organizationID, sessionID string) error
}

type SessionReader interface {
	GetSession(ctx context.Context, organizationID, sessionID string) (session.Session, error)
	ListSessions(ctx context.Context, organizationID, ownerID string, limit int) ([]session.Session, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Tasks             TaskService
	Sessions          SessionReader
	Broker            *stream.Broker
	// Archiver is nil when result archiving is disabled.
	Archiver          *archive.Archiver
	HeartbeatInterval time.Duration
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := map[string]http.HandlerFunc{
		"POST /v1/conversations": func(w http.ResponseWriter, r *http.Request) {
			handleConversation(deps, w, r)
		},
		"GET /v1/sessions": func(w http.ResponseWriter, r *http.Request) {
			handleListSessions(deps, w, r)
		},
		"GET /v1/sessions/{id}": func(w http.ResponseWriter, r *http.Request) {
			handleGetSession(deps, w, r)
		},
		"DELETE /v1/sessions/{id}": func(w http.ResponseWriter, r *http.Request) {
			handleDeleteSession(deps, w, r)
		},
		"GET /v1/sessions/{id}/status": func(w http.ResponseWriter, r *http.Request) {
			handleSessionStatus(deps, w, r)
		},
		"GET /v1/sessions/{id}/stream": func(w http.ResponseWriter, r *http.Request) {
			handleSessionStream(deps, w, r)
		},
		"POST /v1/sessions/{id}/messages/{messageID}/truncate": func(w http.ResponseWriter, r *http.Request) {
			handleTruncate(deps, w, r)
		},
		"GET /v1/tasks/{id}": func(w http.ResponseWriter, r *http.Request) {
			handleGetTask(deps, w, r)
		},
		"POST /v1/tasks/{id}/cancel": func(w http.ResponseWriter, r *http.Request) {
			handleCancelTask(deps, w, r)
		},
		"GET /v1/tasks/{id}/archive": func(w http.ResponseWriter, r *http.Request) {
			handleTaskArchive(deps, w, r)
		},
	}

	authMiddleware := deps.AuthMiddleware
	if authMiddleware == nil {
		if cfg.Auth.Required {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			authMiddleware = func(http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
				})
			}
		} else {
			validator, _ := auth.NewStaticAPIKeyValidator("")
			authMiddleware = auth.Middleware(deps.Logger, validator, false)
		}
	}
	for pattern, handler := range routes {
		mux.Handle(pattern, authMiddleware(handler))
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

func CheckStore(store HealthChecker) ReadinessCheck {
	return func(ctx context.Context) error {
		if store == nil {
			return errors.New("session store is not configured")
		}
		return store.HealthCheck(ctx)
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.ObjectStore.Enabled {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func identityFromRequest(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.OrganizationID == "" {
		writeError(r.Context(), w, http.StatusUnauthorized, "IDENTITY_REQUIRED", "request has no authenticated organization", false, nil)
		return auth.Identity{}, false
	}
	return identity, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}

// writeServiceError maps store and task manager errors onto the envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "NOT_FOUND", "resource not found", false, nil)
	case errors.Is(err, archive.ErrObjectNotFound):
		writeError(ctx, w, http.StatusNotFound, "ARCHIVE_NOT_FOUND", "result archive not found", false, nil)
	case errors.Is(err, task.ErrSessionBusy):
		writeError(ctx, w, http.StatusConflict, "SESSION_BUSY", "session already has an active task", true, nil)
	case errors.Is(err, task.ErrAlreadyFinished):
		writeError(ctx, w, http.StatusConflict, "TASK_FINISHED", "task has already finished", false, nil)
	case errors.Is(err, task.ErrEmptyMessage):
		writeError(ctx, w, http.StatusBadRequest, "MESSAGE_REQUIRED", err.Error(), false, nil)
	case errors.Is(err, task.ErrConnectionMissing):
		writeError(ctx, w, http.StatusBadRequest, "CONNECTION_REQUIRED", err.Error(), false, nil)
	case errors.Is(err, task.ErrClosed):
		writeError(ctx, w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "server is shutting down", true, nil)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusGatewayTimeout, "TIMEOUT", "request timed out", true, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "internal error", true, map[string]any{"details": err.Error()})
	}
}
