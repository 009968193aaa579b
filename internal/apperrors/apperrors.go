// Package apperrors defines the typed failure taxonomy shared by the SQL safety
// pipeline, the NL->SQL translator and the task manager.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindPolicyViolation     Kind = "policy_violation"
	KindPermissionDenied    Kind = "permission_denied"
	KindColumnNotAccessible Kind = "column_not_accessible"
	KindExecution           Kind = "execution_error"
	KindTimeout             Kind = "timeout"
	KindMalformedResponse   Kind = "malformed_response"
	KindTransport           Kind = "transport_error"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	Table   string
	Column  string
	Hint    string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Message == "" && other.Table == "" && other.Column == ""
}

func PolicyViolation(format string, args ...any) *Error {
	return &Error{
		Kind:    KindPolicyViolation,
		Message: fmt.Sprintf(format, args...),
		Hint:    "only single read-only statements are allowed; rephrase the question",
	}
}

func PermissionDenied(table, format string, args ...any) *Error {
	return &Error{
		Kind:    KindPermissionDenied,
		Message: fmt.Sprintf(format, args...),
		Table:   table,
		Hint:    "ask an administrator to grant your role access to this table",
	}
}

func ColumnNotAccessible(table, column string) *Error {
	return &Error{
		Kind:    KindColumnNotAccessible,
		Message: fmt.Sprintf("column %q of table %q is not accessible for this role", column, table),
		Table:   table,
		Column:  column,
		Hint:    "remove the column from the question or select explicit accessible columns",
	}
}

func Execution(err error) *Error {
	return &Error{
		Kind:    KindExecution,
		Message: "query execution failed",
		Hint:    "check table and column names against the schema",
		Err:     err,
	}
}

func Timeout(format string, args ...any) *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf(format, args...),
		Hint:    "narrow the question or add filters so the query finishes faster",
	}
}

func MalformedResponse(raw string, reason string) *Error {
	return &Error{
		Kind:    KindMalformedResponse,
		Message: "model response could not be parsed: " + reason,
		Hint:    "retry the question",
		Err:     errors.New(truncate(raw, 200)),
	}
}

func Transport(err error) *Error {
	return &Error{Kind: KindTransport, Message: "transport failure", Err: err}
}

func Cancelled() *Error {
	return &Error{Kind: KindCancelled, Message: "task was cancelled"}
}

// KindOf classifies any error. Context errors map to timeout/cancelled so that
// callers never need to special-case them.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// Diagnostic renders the user-facing explanation persisted on failed tasks.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var typed *Error
	if !errors.As(err, &typed) {
		switch KindOf(err) {
		case KindTimeout:
			return "timeout: the operation exceeded its time limit"
		case KindCancelled:
			return "cancelled: task was cancelled"
		}
		return "internal: " + err.Error()
	}

	var b strings.Builder
	b.WriteString(string(typed.Kind))
	b.WriteString(": ")
	b.WriteString(typed.Message)
	if typed.Err != nil && typed.Kind == KindExecution {
		b.WriteString(" (")
		b.WriteString(typed.Err.Error())
		b.WriteString(")")
	}
	if typed.Table != "" && typed.Column == "" && !strings.Contains(typed.Message, typed.Table) {
		b.WriteString(" [table ")
		b.WriteString(typed.Table)
		b.WriteString("]")
	}
	if typed.Hint != "" {
		b.WriteString(". Hint: ")
		b.WriteString(typed.Hint)
	}
	return b.String()
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
