// Package archive keeps a durable copy of masked query results as parquet
// objects, one per task.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"

	"github.com/parquet-go/parquet-go"

	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/query"
)

const ContentType = "application/vnd.apache.parquet"

// headerRowIndex marks the row whose payload lists the column order.
const headerRowIndex = -1

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildKey returns "<organization>/<session>/<task>.parquet".
func BuildKey(organizationID, sessionID, taskID string) (string, error) {
	if err := validatePathComponent(organizationID, "organization id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(sessionID, "session id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(taskID, "task id"); err != nil {
		return "", err
	}
	return path.Join(organizationID, sessionID, taskID+".parquet"), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}

type resultRow struct {
	RowIndex    int64  `parquet:"row_index"`
	PayloadJSON string `parquet:"payload_json"`
}

// Encode writes the column header followed by one row per result record.
func Encode(result query.Result) ([]byte, error) {
	header, err := json.Marshal(result.Columns)
	if err != nil {
		return nil, fmt.Errorf("encode columns: %w", err)
	}
	rows := make([]resultRow, 0, len(result.Rows)+1)
	rows = append(rows, resultRow{RowIndex: headerRowIndex, PayloadJSON: string(header)})
	for i, record := range result.Rows {
		payload, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("encode row %d: %w", i, err)
		}
		rows = append(rows, resultRow{RowIndex: int64(i), PayloadJSON: string(payload)})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[resultRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode restores a result written by Encode. Values come back in their JSON
// form (numbers as float64).
func Decode(data []byte) (query.Result, error) {
	reader := parquet.NewGenericReader[resultRow](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]resultRow, reader.NumRows())
	count, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return query.Result{}, fmt.Errorf("read parquet rows: %w", err)
	}
	rows = rows[:count]

	var result query.Result
	result.Rows = make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if row.RowIndex == headerRowIndex {
			if err := json.Unmarshal([]byte(row.PayloadJSON), &result.Columns); err != nil {
				return query.Result{}, fmt.Errorf("decode columns: %w", err)
			}
			continue
		}
		record := map[string]any{}
		if err := json.Unmarshal([]byte(row.PayloadJSON), &record); err != nil {
			return query.Result{}, fmt.Errorf("decode row %d: %w", row.RowIndex, err)
		}
		result.Rows = append(result.Rows, record)
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

type Archiver struct {
	store ObjectStore
}

func NewArchiver(store ObjectStore) *Archiver {
	return &Archiver{store: store}
}

// Save stores an already masked result and returns its object key.
func (a *Archiver) Save(ctx context.Context, organizationID, sessionID, taskID string, result query.Result) (string, error) {
	key, err := BuildKey(organizationID, sessionID, taskID)
	if err != nil {
		return "", err
	}
	data, err := Encode(result)
	if err != nil {
		observability.IncrementArchiveWrites("error")
		return "", err
	}
	if _, err := a.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), PutOptions{ContentType: ContentType}); err != nil {
		observability.IncrementArchiveWrites("error")
		return "", fmt.Errorf("archive result: %w", err)
	}
	observability.IncrementArchiveWrites("ok")
	return key, nil
}

// Open returns the raw parquet object and its size.
func (a *Archiver) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	info, err := a.store.Stat(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	body, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return body, info.Size, nil
}

func (a *Archiver) Load(ctx context.Context, key string) (query.Result, error) {
	body, err := a.store.Get(ctx, key)
	if err != nil {
		return query.Result{}, err
	}
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	if err != nil {
		return query.Result{}, fmt.Errorf("read archive %q: %w", key, err)
	}
	return Decode(data)
}

func (a *Archiver) Delete(ctx context.Context, key string) error {
	return a.store.Delete(ctx, key)
}
