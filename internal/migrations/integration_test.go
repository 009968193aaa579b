//go:build integration

package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestRunnerAppliesAndRollsBackChatSchema(t *testing.T) {
	adminDSN := strings.TrimSpace(os.Getenv("CHATSQL_TEST_STORE_DSN"))
	if adminDSN == "" {
		t.Skip("CHATSQL_TEST_STORE_DSN is not set")
	}

	testDSN, cleanup := createTemporaryDatabase(t, adminDSN)
	defer cleanup()

	db, err := sql.Open("pgx", testDSN)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	runner := NewRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	applied, err := runner.Up(ctx, db, 0)
	if err != nil {
		t.Fatalf("runner.Up() error = %v", err)
	}
	if len(applied) != 4 {
		t.Fatalf("runner.Up() applied %d migrations, want 4", len(applied))
	}
	again, err := runner.Up(ctx, db, 0)
	if err != nil || len(again) != 0 {
		t.Fatalf("second runner.Up() = %d, %v", len(again), err)
	}

	assertTableExists(t, db, "chat_session", true)
	assertTableExists(t, db, "chat_message", true)
	assertTableExists(t, db, "chat_task", true)
	assertTableExists(t, db, "sql_policy", true)
	assertTableExists(t, db, "data_permission", true)

	assertColumnExists(t, db, "chat_task", "owner_instance", true)
	assertColumnExists(t, db, "sql_policy", "allowed_table_functions", true)

	rolledBack, err := runner.Down(ctx, db, 3)
	if err != nil {
		t.Fatalf("runner.Down() error = %v", err)
	}
	if len(rolledBack) != 3 || rolledBack[0].Version != 4 {
		t.Fatalf("runner.Down() rolled back %+v, want versions 4 to 2", rolledBack)
	}

	assertColumnExists(t, db, "chat_task", "owner_instance", false)

	assertTableExists(t, db, "sql_policy", false)
	assertTableExists(t, db, "chat_session", true)
}

func createTemporaryDatabase(t *testing.T, adminDSN string) (string, func()) {
	t.Helper()

	parsed, err := url.Parse(adminDSN)
	if err != nil {
		t.Fatalf("url.Parse(adminDSN) error = %v", err)
	}
	adminDBName := strings.TrimPrefix(parsed.Path, "/")
	if adminDBName == "" {
		t.Fatal("admin DSN must include a database name")
	}

	adminDB, err := sql.Open("pgx", adminDSN)
	if err != nil {
		t.Fatalf("sql.Open(adminDSN) error = %v", err)
	}

	name := fmt.Sprintf("chatsql_it_%d", time.Now().UnixNano())
	if _, err := adminDB.Exec(`CREATE DATABASE ` + name); err != nil {
		t.Fatalf("CREATE DATABASE failed: %v", err)
	}

	testURL := *parsed
	testURL.Path = "/" + name
	testDSN := testURL.String()

	cleanup := func() {
		defer func() { _ = adminDB.Close() }()
		if _, err := adminDB.Exec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, name); err != nil {
			t.Fatalf("terminate test db sessions: %v", err)
		}
		if _, err := adminDB.Exec(`DROP DATABASE ` + name); err != nil {
			t.Fatalf("DROP DATABASE failed: %v", err)
		}
	}
	return testDSN, cleanup
}

func assertTableExists(t *testing.T, db *sql.DB, table string, expected bool) {
	t.Helper()

	var count int
	query := `SELECT COUNT(*) FROM pg_tables WHERE schemaname = 'public' AND tablename = $1`
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		t.Fatalf("query table %q existence failed: %v", table, err)
	}
	exists := count > 0
	if exists != expected {
		t.Fatalf("table %q exists = %v, want %v", table, exists, expected)
	}
}

func assertColumnExists(t *testing.T, db *sql.DB, table, column string, expected bool) {
	t.Helper()

	var count int
	query := `SELECT COUNT(*) FROM information_schema.columns WHERE table_schema = 'public' AND table_name = $1 AND column_name = $2`
	if err := db.QueryRow(query, table, column).Scan(&count); err != nil {
		t.Fatalf("query column %s.%s existence failed: %v", table, column, err)
	}
	if exists := count > 0; exists != expected {
		t.Fatalf("column %s.%s exists = %v, want %v", table, column, exists, expected)
	}
}
