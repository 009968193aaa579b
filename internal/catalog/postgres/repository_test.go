package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/chatsql/chatsql/internal/catalog"
	"github.com/chatsql/chatsql/internal/sqlsafety"
)

const policyQuery = `
SELECT allowed_operations, blocked_keywords, allowed_table_functions, max_execution_time_seconds, max_rows_returned
FROM sql_policy
WHERE organization_id IN ($1, '*')
ORDER BY (organization_id = '*') ASC
LIMIT 1`

func TestSQLPolicyDecodesJSONColumns(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(policyQuery)).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"allowed_operations", "blocked_keywords", "allowed_table_functions", "max_execution_time_seconds", "max_rows_returned"}).
			AddRow([]byte(`["SELECT"]`), []byte(`[" drop ","users"]`), []byte(`["generate_series"]`), 12, 300))

	policy, err := repo.SQLPolicy(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("SQLPolicy() error = %v", err)
	}
	if len(policy.AllowedOperations) != 1 || policy.BlockedKeywords[1] != "users" {
		t.Fatalf("policy = %+v", policy)
	}
	if policy.MaxExecutionTimeSeconds != 12 || policy.MaxRowsReturned != 300 {
		t.Fatalf("caps = %+v", policy)
	}
	if len(policy.AllowedTableFunctions) != 1 || policy.AllowedTableFunctions[0] != "generate_series" {
		t.Fatalf("AllowedTableFunctions = %#v", policy.AllowedTableFunctions)
	}
	assertSQLMock(t, mock)
}

func TestSQLPolicyFallsBackToDefault(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(policyQuery)).
		WithArgs("org-1").
		WillReturnError(sql.ErrNoRows)

	policy, err := repo.SQLPolicy(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("SQLPolicy() error = %v", err)
	}
	if policy.MaxRowsReturned != sqlsafety.DefaultSQLPolicy().MaxRowsReturned {
		t.Fatalf("policy = %+v", policy)
	}
	assertSQLMock(t, mock)
}

func TestDataPermissionNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT role, database_connection_ref, tables_json
FROM data_permission
WHERE organization_id = $1 AND lower(role) = lower($2) AND database_connection_ref IN ($3, '*')
ORDER BY (database_connection_ref = '*') ASC
LIMIT 1`)).
		WithArgs("org-1", "intern", "warehouse").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.DataPermission(context.Background(), "org-1", "intern", "warehouse")
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, catalog.ErrNotFound)
	}
	assertSQLMock(t, mock)
}

func TestDataPermissionDecodesTables(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT role, database_connection_ref, tables_json
FROM data_permission`)).
		WithArgs("org-1", "analyst", "warehouse").
		WillReturnRows(sqlmock.NewRows([]string{"role", "database_connection_ref", "tables_json"}).
			AddRow("analyst", "*", []byte(`[{"table_name":"orders","allowed_operations":["SELECT"],"data_scope":"user_related","row_level_filter":"created_by = :uid"}]`)))

	perm, err := repo.DataPermission(context.Background(), "org-1", "analyst", "warehouse")
	if err != nil {
		t.Fatalf("DataPermission() error = %v", err)
	}
	if perm.DatabaseConnectionRef != "warehouse" {
		t.Fatalf("DatabaseConnectionRef = %q", perm.DatabaseConnectionRef)
	}
	orders, ok := perm.Table("orders")
	if !ok || orders.RowLevelFilter != "created_by = :uid" {
		t.Fatalf("orders = %+v", orders)
	}
	assertSQLMock(t, mock)
}

func TestMaskingSaltNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT masking_salt
FROM sql_policy`)).
		WithArgs("org-1").
		WillReturnError(sql.ErrNoRows)

	if _, err := repo.MaskingSalt(context.Background(), "org-1"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestPutDataPermission(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO data_permission (organization_id, role, database_connection_ref, tables_json)
VALUES ($1, $2, $3, $4::jsonb)`)).
		WithArgs("org-1", "analyst", "warehouse", `[{"table_name":"orders","allowed_operations":["SELECT"],"data_scope":"all"}]`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.PutDataPermission(context.Background(), "org-1", sqlsafety.DataPermission{
		Role:                  "analyst",
		DatabaseConnectionRef: "warehouse",
		Tables: []sqlsafety.TablePermission{{
			TableName:         "orders",
			AllowedOperations: []string{"SELECT"},
			DataScope:         sqlsafety.DataScopeAll,
		}},
	})
	if err != nil {
		t.Fatalf("PutDataPermission() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestPutSQLPolicyStoresTableFunctionAllowlist(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO sql_policy (organization_id, allowed_operations, blocked_keywords, allowed_table_functions, max_execution_time_seconds, max_rows_returned, masking_salt)
VALUES ($1, $2::jsonb, $3::jsonb, $4::jsonb, $5, $6, $7)`)).
		WithArgs("org-1", `["SELECT"]`, `[]`, `["unnest"]`, 10, 50, "salt").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.PutSQLPolicy(context.Background(), "org-1", sqlsafety.SQLPolicy{
		AllowedOperations:       []string{"SELECT"},
		AllowedTableFunctions:   []string{"unnest"},
		MaxExecutionTimeSeconds: 10,
		MaxRowsReturned:         50,
	}, "salt")
	if err != nil {
		t.Fatalf("PutSQLPolicy() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
