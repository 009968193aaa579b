package query

import (
	"context"
	"time"
)

type Request struct {
	SQL     string
	MaxRows int
	Timeout time.Duration
}

// Result rows are keyed by column name; Columns carries the projection order.
type Result struct {
	Columns         []string         `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	RowCount        int              `json:"rowCount"`
	ExecutionTimeMs int64            `json:"executionTimeMs"`
	Truncated       bool             `json:"truncated,omitempty"`
}

func (r Result) Clone() Result {
	out := Result{
		Columns:         append([]string(nil), r.Columns...),
		Rows:            make([]map[string]any, len(r.Rows)),
		RowCount:        r.RowCount,
		ExecutionTimeMs: r.ExecutionTimeMs,
		Truncated:       r.Truncated,
	}
	for i, row := range r.Rows {
		copied := make(map[string]any, len(row))
		for key, value := range row {
			copied[key] = value
		}
		out.Rows[i] = copied
	}
	return out
}

// Values returns the row values in column order.
func (r Result) Values(index int) []any {
	row := r.Rows[index]
	values := make([]any, len(r.Columns))
	for i, column := range r.Columns {
		values[i] = row[column]
	}
	return values
}

type ColumnSchema struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Nullable     bool   `json:"nullable"`
	IsPrimaryKey bool   `json:"isPrimaryKey"`
}

type TableSchema struct {
	Name     string         `json:"name"`
	Columns  []ColumnSchema `json:"columns"`
	RowCount *int64         `json:"rowCount,omitempty"`
}

type Schema struct {
	Tables []TableSchema `json:"tables"`
}

func (s Schema) Table(name string) (TableSchema, bool) {
	for _, table := range s.Tables {
		if table.Name == name {
			return table, true
		}
	}
	return TableSchema{}, false
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
	DescribeSchema(ctx context.Context) (Schema, error)
}

// Resolver maps a database connection reference to the engine serving it.
type Resolver interface {
	Engine(ctx context.Context, connectionRef string) (Engine, error)
}
