package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatsql/chatsql/internal/apperrors"
	"github.com/chatsql/chatsql/internal/query"
)

type Engine struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

func NewEngine(db *sql.DB, dialect Dialect) *Engine {
	return &Engine{db: db, dialect: dialect, clock: time.Now}
}

func (e *Engine) Dialect() Dialect {
	return e.dialect
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}

	if request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}

	start := e.clock()
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, classifyError(ctx, err, request.Timeout)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, classifyError(ctx, err, request.Timeout)
	}

	result := query.Result{Columns: columns, Rows: make([]map[string]any, 0)}
	for rows.Next() {
		if request.MaxRows > 0 && len(result.Rows) >= request.MaxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, classifyError(ctx, err, request.Timeout)
		}
		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[column] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, classifyError(ctx, err, request.Timeout)
	}

	result.RowCount = len(result.Rows)
	result.ExecutionTimeMs = e.clock().Sub(start).Milliseconds()
	return result, nil
}

func (e *Engine) DescribeSchema(ctx context.Context) (query.Schema, error) {
	rows, err := e.db.QueryContext(ctx, e.dialect.SchemaQuery)
	if err != nil {
		return query.Schema{}, classifyError(ctx, err, 0)
	}
	defer func() { _ = rows.Close() }()

	schema := query.Schema{Tables: make([]query.TableSchema, 0)}
	index := map[string]int{}
	for rows.Next() {
		var tableName, isNullable string
		var column query.ColumnSchema
		if err := rows.Scan(&tableName, &column.Name, &column.Type, &isNullable, &column.IsPrimaryKey); err != nil {
			return query.Schema{}, fmt.Errorf("scan schema row: %w", err)
		}
		column.Nullable = strings.EqualFold(strings.TrimSpace(isNullable), "yes")

		position, ok := index[tableName]
		if !ok {
			position = len(schema.Tables)
			index[tableName] = position
			schema.Tables = append(schema.Tables, query.TableSchema{Name: tableName})
		}
		schema.Tables[position].Columns = append(schema.Tables[position].Columns, column)
	}
	if err := rows.Err(); err != nil {
		return query.Schema{}, fmt.Errorf("iterate schema rows: %w", err)
	}
	return schema, nil
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

func (e *Engine) Close() error {
	return e.db.Close()
}

func classifyError(ctx context.Context, err error, timeout time.Duration) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		if timeout > 0 {
			return apperrors.Timeout("query exceeded the %s execution limit", timeout)
		}
		return apperrors.Timeout("query exceeded its deadline")
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return apperrors.Cancelled()
	default:
		return apperrors.Execution(err)
	}
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	default:
		return typed
	}
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

var _ query.Engine = (*Engine)(nil)
