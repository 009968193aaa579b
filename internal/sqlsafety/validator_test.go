package sqlsafety

import (
	"errors"
	"reflect"
	"testing"

	"github.com/chatsql/chatsql/internal/apperrors"
)

func TestValidateRejectsUnsafeStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{name: "drop", sql: "DROP TABLE users"},
		{name: "stacked", sql: "SELECT * FROM users; DELETE FROM users"},
		{name: "stacked lower case", sql: "select 1; drop table users"},
		{name: "writable cte", sql: "WITH d AS (DELETE FROM users RETURNING *) SELECT * FROM d"},
		{name: "select into", sql: "SELECT * INTO backup FROM users"},
		{name: "update", sql: "update users set name = 'x'"},
		{name: "empty", sql: "   "},
		{name: "only semicolons", sql: " ; ; "},
		{name: "backslash escape", sql: `SELECT * FROM users WHERE name = 'a\' OR 1=1 --'`},
		{name: "unterminated literal", sql: "SELECT 'oops FROM users"},
		{name: "unbalanced", sql: "SELECT (1 FROM users"},
		{name: "pg_sleep", sql: "SELECT pg_sleep(10)"},
		{name: "pragma function", sql: "SELECT * FROM pragma_table_info('secrets')"},
		{name: "file reader", sql: "SELECT * FROM read_csv_auto('/etc/passwd')"},
		{name: "server file read", sql: "SELECT pg_read_file('/etc/passwd')"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Validate(tc.sql, DefaultSQLPolicy())
			if err == nil {
				t.Fatalf("Validate(%q) expected error", tc.sql)
			}
			if got := apperrors.KindOf(err); got != apperrors.KindPolicyViolation {
				t.Fatalf("KindOf() = %q, want policy_violation (err=%v)", got, err)
			}
		})
	}
}

func TestValidateBlockedKeywordIgnoresCase(t *testing.T) {
	policy := DefaultSQLPolicy()
	policy.BlockedKeywords = []string{"users"}

	for _, sql := range []string{"select * from USERS", "SELECT * FROM users", `SELECT * FROM "Users"`} {
		_, err := Validate(sql, policy)
		if !errors.Is(err, &apperrors.Error{Kind: apperrors.KindPolicyViolation}) {
			t.Fatalf("Validate(%q) error = %v", sql, err)
		}
	}

	policy.BlockedKeywords = []string{"SALARY"}
	if _, err := Validate("select salary from staff", policy); err == nil {
		t.Fatal("expected upper-case keyword to match lower-case statement")
	}
}

func TestValidateAllowsIdentifiersContainingBlockedWords(t *testing.T) {
	stmt, err := Validate("SELECT id, created_at, updated_by FROM users WHERE created_at > now() - interval '1 day';", DefaultSQLPolicy())
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if stmt.Verb != "SELECT" || stmt.Operation != "SELECT" {
		t.Fatalf("Verb = %q, Operation = %q", stmt.Verb, stmt.Operation)
	}
	if stmt.SQL != "SELECT id, created_at, updated_by FROM users WHERE created_at > now() - interval '1 day'" {
		t.Fatalf("SQL = %q", stmt.SQL)
	}
	if !reflect.DeepEqual(stmt.Tables, []string{"users"}) {
		t.Fatalf("Tables = %#v", stmt.Tables)
	}
}

func TestValidateIgnoresCommentsAndLiterals(t *testing.T) {
	tests := []string{
		"SELECT 1 -- ; DROP TABLE users",
		"/* DROP TABLE users; */ SELECT 1",
		"SELECT * FROM orders WHERE note = 'please delete me'",
		"SELECT ';' AS separator",
		"SELECT $$drop table users$$ AS text",
	}
	for _, sql := range tests {
		if _, err := Validate(sql, DefaultSQLPolicy()); err != nil {
			t.Fatalf("Validate(%q) error = %v", sql, err)
		}
	}
}

func TestValidateLeadingVerbMustBeAllowed(t *testing.T) {
	policy := DefaultSQLPolicy()
	policy.AllowedOperations = []string{"SELECT"}

	_, err := Validate("WITH t AS (SELECT 1) SELECT * FROM t", policy)
	if apperrors.KindOf(err) != apperrors.KindPolicyViolation {
		t.Fatalf("Validate() error = %v, want policy violation", err)
	}

	stmt, err := Validate("WITH t AS (SELECT 1) SELECT * FROM t", DefaultSQLPolicy())
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if stmt.Verb != "WITH" || stmt.Operation != "SELECT" {
		t.Fatalf("Verb = %q, Operation = %q", stmt.Verb, stmt.Operation)
	}
	if len(stmt.Tables) != 0 {
		t.Fatalf("Tables = %#v, want CTE names excluded", stmt.Tables)
	}
}

func TestValidateRejectsNonReadOnlyOperation(t *testing.T) {
	policy := DefaultSQLPolicy()
	policy.AllowedOperations = []string{"SELECT", "REFRESH"}
	policy.BlockedKeywords = nil
	if _, err := Validate("REFRESH MATERIALIZED VIEW totals", policy); err == nil {
		t.Fatal("expected non read-only operation to be rejected")
	}
}

func TestValidateExtractsTables(t *testing.T) {
	tests := []struct {
		sql  string
		want []string
	}{
		{
			sql:  `SELECT o.id, c.name FROM public.orders o JOIN "Customers" AS c ON c.id = o.customer_id WHERE o.total > 10`,
			want: []string{"public.orders", "customers"},
		},
		{
			sql:  "SELECT * FROM orders, users u WHERE u.id = orders.user_id",
			want: []string{"orders", "users"},
		},
		{
			sql:  "SELECT EXTRACT(YEAR FROM created_at) AS y, count(*) AS n FROM orders GROUP BY 1",
			want: []string{"orders"},
		},
		{
			sql:  "SELECT name FROM users WHERE id IN (SELECT user_id FROM orders) AND a IS DISTINCT FROM b",
			want: []string{"users", "orders"},
		},
		{
			sql:  "SELECT * FROM (SELECT id FROM users) sub LEFT JOIN orders ON orders.user_id = sub.id",
			want: []string{"users", "orders"},
		},
		{
			sql:  "SELECT * FROM generate_series(1, 3) g",
			want: nil,
		},
	}
	for _, tc := range tests {
		stmt, err := Validate(tc.sql, DefaultSQLPolicy())
		if err != nil {
			t.Fatalf("Validate(%q) error = %v", tc.sql, err)
		}
		if !reflect.DeepEqual(stmt.Tables, tc.want) {
			t.Fatalf("Tables(%q) = %#v, want %#v", tc.sql, stmt.Tables, tc.want)
		}
	}
}

func TestValidateRejectsNonTableSources(t *testing.T) {
	policy := DefaultSQLPolicy()
	policy.BlockedKeywords = nil
	for _, sql := range []string{
		"SELECT * FROM read_csv_auto('/etc/passwd')",
		"SELECT * FROM pragma_table_info('secrets')",
		"SELECT * FROM secret.fn(1)",
		"SELECT * FROM '/etc/passwd'",
		"SELECT * FROM orders o, lookup_owner(o.id) l",
		"SELECT * FROM orders JOIN LATERAL leak(orders.id) x ON true",
		"WITH t AS (SELECT * FROM read_parquet('s3://bucket/x')) SELECT * FROM t",
	} {
		_, err := Validate(sql, policy)
		if got := apperrors.KindOf(err); got != apperrors.KindPermissionDenied {
			t.Fatalf("Validate(%q) kind = %q, want permission_denied (err=%v)", sql, got, err)
		}
	}
}

func TestValidateAllowsListedTableFunctions(t *testing.T) {
	sql := "SELECT n FROM generate_series(1, 3) g(n)"
	if _, err := Validate(sql, DefaultSQLPolicy()); err != nil {
		t.Fatalf("Validate(%q) error = %v", sql, err)
	}
	if _, err := Validate("SELECT x FROM UNNEST(ARRAY[1, 2]) AS u(x)", DefaultSQLPolicy()); err != nil {
		t.Fatalf("Validate(unnest) error = %v", err)
	}

	policy := DefaultSQLPolicy()
	policy.AllowedTableFunctions = nil
	_, err := Validate(sql, policy)
	var typed *apperrors.Error
	if !errors.As(err, &typed) || typed.Kind != apperrors.KindPermissionDenied {
		t.Fatalf("Validate(%q) error = %v, want permission denied", sql, err)
	}
	if typed.Table != "generate_series" {
		t.Fatalf("Table = %q", typed.Table)
	}
}

func TestSQLPolicyCloneIsIndependent(t *testing.T) {
	policy := DefaultSQLPolicy()
	clone := policy.Clone()
	clone.AllowedOperations[0] = "DELETE"
	clone.BlockedKeywords = append(clone.BlockedKeywords, "extra")
	clone.AllowedTableFunctions[0] = "read_csv"
	if policy.AllowedOperations[0] != "SELECT" {
		t.Fatalf("AllowedOperations mutated: %#v", policy.AllowedOperations)
	}
	if len(policy.BlockedKeywords) != len(DefaultBlockedKeywords) {
		t.Fatalf("BlockedKeywords mutated: %d", len(policy.BlockedKeywords))
	}
	if policy.AllowedTableFunctions[0] != "generate_series" {
		t.Fatalf("AllowedTableFunctions mutated: %#v", policy.AllowedTableFunctions)
	}
}
