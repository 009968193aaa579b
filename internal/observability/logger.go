package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/chatsql/chatsql/internal/config"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	sessionIDKey
	taskIDKey
)

// contextFields are copied from a record's context onto the record unless the
// call site already set the same key.
var contextFields = []struct {
	key  ctxKey
	attr string
}{
	{traceIDKey, "trace_id"},
	{sessionIDKey, "session_id"},
	{taskIDKey, "task_id"},
}

// NewLogger builds the process logger. Every record carries the service,
// profile and, when configured, the instance id; records logged with a
// context also carry the ids stored in it.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{Level: cfg.Observability.LogLevel}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	attrs := []slog.Attr{
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	}
	if cfg.Task.InstanceID != "" {
		attrs = append(attrs, slog.String("instance_id", cfg.Task.InstanceID))
	}
	return slog.New(contextHandler{handler.WithAttrs(attrs)})
}

type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx == nil {
		return h.Handler.Handle(ctx, record)
	}
	var missing []slog.Attr
	for _, field := range contextFields {
		value, _ := ctx.Value(field.key).(string)
		if value == "" || hasAttr(record, field.attr) {
			continue
		}
		missing = append(missing, slog.String(field.attr, value))
	}
	if len(missing) > 0 {
		record = record.Clone()
		record.AddAttrs(missing...)
	}
	return h.Handler.Handle(ctx, record)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

func hasAttr(record slog.Record, key string) bool {
	found := false
	record.Attrs(func(attr slog.Attr) bool {
		found = attr.Key == key
		return !found
	})
	return found
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

// ContextWithTask tags ctx with the session and task a background run works on.
func ContextWithTask(ctx context.Context, sessionID, taskID string) context.Context {
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	return context.WithValue(ctx, taskIDKey, taskID)
}
