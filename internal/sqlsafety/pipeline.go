package sqlsafety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chatsql/chatsql/internal/apperrors"
	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/query"
)

const DeclinedMessage = "No SQL query was produced for this question, so nothing was run."

const (
	StageValidate    = "validate"
	StagePermissions = "permissions"
	StageExecute     = "execute"
)

// Pipeline runs validate, apply-permissions, execute and mask in order. Every
// statement, exploratory or not, takes this path.
type Pipeline struct {
	Engines query.Resolver
	Logger  *slog.Logger
}

type Input struct {
	// SQL is nil when the model declined to produce a statement.
	SQL           *string
	Caller        Caller
	Policy        SQLPolicy
	Permission    DataPermission
	ConnectionRef string
	Salt          string
	// MaxRows narrows the policy row cap when positive.
	MaxRows int
}

type Output struct {
	Declined      bool
	Message       string
	Statement     Statement
	SQL           string
	Result        query.Result
	MaskedColumns map[string]MaskType
}

func NewPipeline(engines query.Resolver, logger *slog.Logger) *Pipeline {
	return &Pipeline{Engines: engines, Logger: logger}
}

func (p *Pipeline) Run(ctx context.Context, in Input) (Output, error) {
	if in.SQL == nil || strings.TrimSpace(*in.SQL) == "" {
		observability.IncrementPipelineDeclined()
		return Output{Declined: true, Message: DeclinedMessage}, nil
	}

	stmt, err := Validate(*in.SQL, in.Policy)
	if err != nil {
		return Output{}, p.reject(ctx, StageValidate, err)
	}

	applied, err := ApplyPermissions(stmt, in.Permission, in.Caller)
	if err != nil {
		return Output{}, p.reject(ctx, StagePermissions, err)
	}

	result, err := p.execute(ctx, in, applied.SQL)
	if err != nil {
		return Output{}, p.reject(ctx, StageExecute, err)
	}

	return Output{
		Statement:     stmt,
		SQL:           applied.SQL,
		Result:        Mask(result, applied.MaskedColumns, in.Salt),
		MaskedColumns: applied.MaskedColumns,
	}, nil
}

func (p *Pipeline) execute(ctx context.Context, in Input, sql string) (query.Result, error) {
	if p.Engines == nil {
		return query.Result{}, apperrors.Execution(errors.New("no query engine configured"))
	}
	engine, err := p.Engines.Engine(ctx, in.ConnectionRef)
	if err != nil {
		return query.Result{}, apperrors.Execution(fmt.Errorf("resolve connection %q: %w", in.ConnectionRef, err))
	}

	maxRows := in.Policy.MaxRowsReturned
	if in.MaxRows > 0 && (maxRows <= 0 || in.MaxRows < maxRows) {
		maxRows = in.MaxRows
	}
	start := time.Now()
	result, err := engine.Execute(ctx, query.Request{
		SQL:     sql,
		MaxRows: maxRows,
		Timeout: time.Duration(in.Policy.MaxExecutionTimeSeconds) * time.Second,
	})
	observability.ObserveQueryExecution(time.Since(start))
	if err != nil {
		var typed *apperrors.Error
		if errors.As(err, &typed) {
			return query.Result{}, err
		}
		return query.Result{}, apperrors.Execution(err)
	}
	return result, nil
}

func (p *Pipeline) reject(ctx context.Context, stage string, err error) error {
	kind := apperrors.KindOf(err)
	observability.IncrementPipelineRejection(stage, string(kind))
	if p.Logger != nil {
		p.Logger.InfoContext(ctx, "sql pipeline rejected statement",
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
			slog.String("stage", stage),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
	return err
}
