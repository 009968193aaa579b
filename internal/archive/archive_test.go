package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/chatsql/chatsql/internal/query"
)

func TestBuildKey(t *testing.T) {
	key, err := BuildKey("org-1", "s-1", "t-1")
	if err != nil {
		t.Fatalf("BuildKey() error = %v", err)
	}
	if key != "org-1/s-1/t-1.parquet" {
		t.Fatalf("BuildKey() = %q", key)
	}
	if _, err := BuildKey("org-1", "../etc", "t-1"); err == nil {
		t.Fatal("expected invalid session id error")
	}
}

func TestEncodeDecodeKeepsColumnOrder(t *testing.T) {
	result := query.Result{
		Columns: []string{"name", "email", "total"},
		Rows: []map[string]any{
			{"name": "Jane", "email": "j***@example.com", "total": 12.5},
			{"name": "Omar", "email": "******", "total": nil},
		},
		RowCount: 2,
	}
	data, err := Encode(result)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(decoded.Columns) != 3 || decoded.Columns[0] != "name" || decoded.Columns[2] != "total" {
		t.Fatalf("columns = %v", decoded.Columns)
	}
	if decoded.RowCount != 2 || decoded.Rows[0]["email"] != "j***@example.com" || decoded.Rows[1]["total"] != nil {
		t.Fatalf("rows = %+v", decoded.Rows)
	}
}

func TestArchiverSaveLoadDelete(t *testing.T) {
	store := NewMemoryStore()
	archiver := NewArchiver(store)
	ctx := context.Background()
	result := query.Result{Columns: []string{"id"}, Rows: []map[string]any{{"id": 1}}, RowCount: 1}

	key, err := archiver.Save(ctx, "org", "s", "t", result)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := archiver.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.RowCount != 1 || loaded.Rows[0]["id"] != float64(1) {
		t.Fatalf("loaded = %+v", loaded)
	}

	body, size, err := archiver.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	data, _ := io.ReadAll(body)
	_ = body.Close()
	if int64(len(data)) != size {
		t.Fatalf("Open() size = %d, read %d", size, len(data))
	}

	if err := archiver.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := archiver.Load(ctx, key); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Load() after delete error = %v", err)
	}
}
