package sqlsafety

import (
	"errors"
	"strings"
	"testing"

	"github.com/chatsql/chatsql/internal/apperrors"
)

func testPermission() DataPermission {
	return DataPermission{
		Role:                  "analyst",
		DatabaseConnectionRef: "warehouse",
		Tables: []TablePermission{
			{
				TableName:         "orders",
				AllowedOperations: []string{"SELECT"},
				DataScope:         DataScopeAll,
			},
			{
				TableName:         "users",
				AllowedOperations: []string{"SELECT"},
				DataScope:         DataScopeUserRelated,
				RowLevelFilter:    "created_by = :uid",
				ColumnPermissions: []ColumnPermission{
					{ColumnName: "salary", Accessible: false},
					{ColumnName: "phone", Accessible: true, Masked: true, MaskType: MaskPartial},
					{ColumnName: "email", Accessible: true, Masked: true, MaskType: MaskHash},
				},
			},
		},
	}
}

var testCaller = Caller{OrganizationID: "org-1", UserID: "u-42", Role: "analyst"}

func mustApply(t *testing.T, sql string, perm DataPermission, caller Caller) Applied {
	t.Helper()
	stmt, err := Validate(sql, DefaultSQLPolicy())
	if err != nil {
		t.Fatalf("Validate(%q) error = %v", sql, err)
	}
	applied, err := ApplyPermissions(stmt, perm, caller)
	if err != nil {
		t.Fatalf("ApplyPermissions(%q) error = %v", sql, err)
	}
	return applied
}

func applyErr(t *testing.T, sql string, perm DataPermission, caller Caller) error {
	t.Helper()
	stmt, err := Validate(sql, DefaultSQLPolicy())
	if err != nil {
		t.Fatalf("Validate(%q) error = %v", sql, err)
	}
	_, err = ApplyPermissions(stmt, perm, caller)
	if err == nil {
		t.Fatalf("ApplyPermissions(%q) expected error", sql)
	}
	return err
}

func TestApplyPermissionsAddsWhereClause(t *testing.T) {
	applied := mustApply(t, "SELECT id, name FROM users", testPermission(), testCaller)
	want := "SELECT id, name FROM users WHERE created_by = 'u-42'"
	if applied.SQL != want {
		t.Fatalf("SQL = %q, want %q", applied.SQL, want)
	}
	if strings.Count(applied.SQL, "WHERE") != 1 {
		t.Fatalf("expected exactly one WHERE in %q", applied.SQL)
	}
}

func TestApplyPermissionsInsertsBeforeTrailingClauses(t *testing.T) {
	applied := mustApply(t, "SELECT id FROM users ORDER BY id LIMIT 5", testPermission(), testCaller)
	want := "SELECT id FROM users WHERE created_by = 'u-42' ORDER BY id LIMIT 5"
	if applied.SQL != want {
		t.Fatalf("SQL = %q, want %q", applied.SQL, want)
	}

	applied = mustApply(t, "SELECT name, count(*) AS n FROM users GROUP BY name", testPermission(), testCaller)
	want = "SELECT name, count(*) AS n FROM users WHERE created_by = 'u-42' GROUP BY name"
	if applied.SQL != want {
		t.Fatalf("SQL = %q, want %q", applied.SQL, want)
	}
}

func TestApplyPermissionsConjoinsExistingWhere(t *testing.T) {
	applied := mustApply(t, "SELECT id FROM users WHERE status = 'active' OR id = 1 ORDER BY id", testPermission(), testCaller)
	want := "SELECT id FROM users WHERE (status = 'active' OR id = 1) AND created_by = 'u-42' ORDER BY id"
	if applied.SQL != want {
		t.Fatalf("SQL = %q, want %q", applied.SQL, want)
	}
	if !strings.Contains(applied.SQL, "AND created_by = 'u-42'") {
		t.Fatalf("missing conjunct in %q", applied.SQL)
	}
}

func TestApplyPermissionsFiltersEveryQueryBlock(t *testing.T) {
	applied := mustApply(t, "WITH mine AS (SELECT id FROM users) SELECT count(*) AS n FROM mine", testPermission(), testCaller)
	want := "WITH mine AS (SELECT id FROM users WHERE created_by = 'u-42') SELECT count(*) AS n FROM mine"
	if applied.SQL != want {
		t.Fatalf("SQL = %q, want %q", applied.SQL, want)
	}

	applied = mustApply(t, "SELECT id FROM users UNION SELECT id FROM users", testPermission(), testCaller)
	want = "SELECT id FROM users WHERE created_by = 'u-42' UNION SELECT id FROM users WHERE created_by = 'u-42'"
	if applied.SQL != want {
		t.Fatalf("SQL = %q, want %q", applied.SQL, want)
	}
}

func TestApplyPermissionsLeavesUnscopedTablesAlone(t *testing.T) {
	applied := mustApply(t, "SELECT * FROM orders WHERE total > 10", testPermission(), testCaller)
	if applied.SQL != "SELECT * FROM orders WHERE total > 10" {
		t.Fatalf("SQL = %q", applied.SQL)
	}
}

func TestApplyPermissionsQuotesCallerIdentity(t *testing.T) {
	caller := testCaller
	caller.UserID = "o'brien"
	applied := mustApply(t, "SELECT id FROM users", testPermission(), caller)
	if !strings.HasSuffix(applied.SQL, "WHERE created_by = 'o''brien'") {
		t.Fatalf("SQL = %q", applied.SQL)
	}
}

func TestApplyPermissionsParenthesizesDisjunctiveFilter(t *testing.T) {
	perm := testPermission()
	perm.Tables[1].RowLevelFilter = "owner_id = :uid OR org_id = :org"
	applied := mustApply(t, "SELECT id FROM users", perm, testCaller)
	want := "SELECT id FROM users WHERE (owner_id = 'u-42' OR org_id = 'org-1')"
	if applied.SQL != want {
		t.Fatalf("SQL = %q, want %q", applied.SQL, want)
	}
}

func TestApplyPermissionsDeniesUnknownTable(t *testing.T) {
	err := applyErr(t, "SELECT * FROM payments", testPermission(), testCaller)
	var typed *apperrors.Error
	if !errors.As(err, &typed) || typed.Kind != apperrors.KindPermissionDenied {
		t.Fatalf("error = %v, want permission denied", err)
	}
	if typed.Table != "payments" {
		t.Fatalf("Table = %q", typed.Table)
	}
}

func TestApplyPermissionsDeniesDisallowedOperation(t *testing.T) {
	perm := testPermission()
	perm.Tables[0].AllowedOperations = []string{"INSERT"}
	err := applyErr(t, "SELECT id FROM orders", perm, testCaller)
	if apperrors.KindOf(err) != apperrors.KindPermissionDenied {
		t.Fatalf("error = %v", err)
	}
}

func TestApplyPermissionsRejectsInaccessibleColumns(t *testing.T) {
	for _, sql := range []string{
		"SELECT name, salary FROM users",
		"SELECT u.salary FROM users u",
		"SELECT * FROM users",
		"SELECT u.* FROM users u JOIN orders o ON o.user_id = u.id",
		"SELECT x FROM (SELECT salary AS x FROM users) s",
	} {
		err := applyErr(t, sql, testPermission(), testCaller)
		var typed *apperrors.Error
		if !errors.As(err, &typed) || typed.Kind != apperrors.KindColumnNotAccessible {
			t.Fatalf("%q: error = %v, want column not accessible", sql, err)
		}
		if typed.Table != "users" || typed.Column != "salary" {
			t.Fatalf("%q: Table = %q, Column = %q", sql, typed.Table, typed.Column)
		}
	}
}

func TestApplyPermissionsAllowsStarOnOtherTable(t *testing.T) {
	mustApply(t, "SELECT o.* FROM orders o JOIN users u ON u.id = o.user_id", testPermission(), testCaller)
}

func TestApplyPermissionsResolvesMaskedColumns(t *testing.T) {
	applied := mustApply(t, "SELECT phone, upper(email) AS e FROM users", testPermission(), testCaller)
	if applied.MaskedColumns["phone"] != MaskPartial {
		t.Fatalf("phone mask = %q", applied.MaskedColumns["phone"])
	}
	if applied.MaskedColumns["email"] != MaskHash {
		t.Fatalf("email mask = %q", applied.MaskedColumns["email"])
	}
	if applied.MaskedColumns["e"] != MaskHash {
		t.Fatalf("alias mask = %q", applied.MaskedColumns["e"])
	}
}

func TestApplyPermissionsRequiresAliasForMaskedExpression(t *testing.T) {
	err := applyErr(t, "SELECT lower(phone) FROM users", testPermission(), testCaller)
	if apperrors.KindOf(err) != apperrors.KindPermissionDenied {
		t.Fatalf("error = %v", err)
	}
	mustApply(t, "SELECT count(phone) FROM users", testPermission(), testCaller)
}

func TestApplyPermissionsMoreRestrictiveMaskWins(t *testing.T) {
	perm := testPermission()
	perm.Tables[0].ColumnPermissions = []ColumnPermission{
		{ColumnName: "Email", Accessible: true, Masked: true, MaskType: MaskFull},
	}
	applied := mustApply(t, "SELECT o.id FROM orders o JOIN users u ON u.id = o.user_id", perm, testCaller)
	if applied.MaskedColumns["email"] != MaskFull {
		t.Fatalf("email mask = %q, want full", applied.MaskedColumns["email"])
	}
	if applied.SQL != "SELECT o.id FROM orders o JOIN users u ON u.id = o.user_id WHERE u.created_by = 'u-42'" {
		t.Fatalf("SQL = %q", applied.SQL)
	}
}

func TestApplyPermissionsMasksRenamedColumns(t *testing.T) {
	cases := []struct {
		sql    string
		column string
		want   MaskType
	}{
		{"SELECT phone AS p FROM users", "p", MaskPartial},
		{"SELECT u.phone p FROM users u", "p", MaskPartial},
		{"WITH t AS (SELECT phone AS p FROM users) SELECT p FROM t", "p", MaskPartial},
		{"WITH t(p) AS (SELECT phone FROM users) SELECT p FROM t", "p", MaskPartial},
		{"SELECT p FROM (SELECT phone FROM users) s(p)", "p", MaskPartial},
		{"SELECT x FROM (SELECT u.phone AS x FROM users u) s", "x", MaskPartial},
		{"SELECT upper(x) AS y FROM (SELECT email AS x FROM users) s", "y", MaskHash},
		{"WITH a AS (SELECT email AS e1 FROM users), b AS (SELECT e1 AS e2 FROM a) SELECT e2 AS e3 FROM b", "e3", MaskHash},
		{"SELECT id AS x FROM orders UNION SELECT phone FROM users", "x", MaskPartial},
		{"(SELECT id AS x FROM orders) UNION ALL (SELECT email FROM users)", "x", MaskHash},
		{"SELECT * FROM (SELECT phone, id FROM users) s(a, b)", "a", MaskPartial},
	}
	for _, tc := range cases {
		applied := mustApply(t, tc.sql, testPermission(), testCaller)
		if got := applied.MaskedColumns[tc.column]; got != tc.want {
			t.Fatalf("%q: mask for %q = %q, want %q", tc.sql, tc.column, got, tc.want)
		}
	}
}

func TestApplyPermissionsDeniesUntraceableRenames(t *testing.T) {
	for _, sql := range []string{
		"SELECT upper(x) FROM (SELECT phone AS x FROM users) s",
		"SELECT a FROM users u(a, b)",
		"WITH t AS (SELECT phone AS p, id FROM users) SELECT * FROM t UNION SELECT id, name FROM orders",
	} {
		err := applyErr(t, sql, testPermission(), testCaller)
		if apperrors.KindOf(err) != apperrors.KindPermissionDenied {
			t.Fatalf("%q: error = %v, want permission denied", sql, err)
		}
	}
}

func TestApplyPermissionsQualifiesFiltersOfJoinedSources(t *testing.T) {
	applied := mustApply(t, "SELECT a.id FROM users a JOIN users b ON b.manager_id = a.id", testPermission(), testCaller)
	want := "SELECT a.id FROM users a JOIN users b ON b.manager_id = a.id WHERE a.created_by = 'u-42' AND b.created_by = 'u-42'"
	if applied.SQL != want {
		t.Fatalf("SQL = %q, want %q", applied.SQL, want)
	}

	applied = mustApply(t, "SELECT users.id FROM users JOIN orders ON orders.user_id = users.id WHERE orders.total > 10", testPermission(), testCaller)
	want = "SELECT users.id FROM users JOIN orders ON orders.user_id = users.id WHERE (orders.total > 10) AND users.created_by = 'u-42'"
	if applied.SQL != want {
		t.Fatalf("SQL = %q, want %q", applied.SQL, want)
	}

	perm := testPermission()
	perm.Tables[1].RowLevelFilter = "owner_id = :uid OR org_id = :org"
	applied = mustApply(t, "SELECT u.id FROM users u, orders o", perm, testCaller)
	want = "SELECT u.id FROM users u, orders o WHERE (u.owner_id = 'u-42' OR u.org_id = 'org-1')"
	if applied.SQL != want {
		t.Fatalf("SQL = %q, want %q", applied.SQL, want)
	}
}

func TestQualifyFilter(t *testing.T) {
	cases := []struct {
		filter string
		want   string
	}{
		{"created_by = 'u-42'", "u.created_by = 'u-42'"},
		{"created_at > now() - interval '30 days'", "u.created_at > now() - interval '30 days'"},
		{"org_id::text = 'org-1' AND deleted_at IS NULL", "u.org_id::text = 'org-1' AND u.deleted_at IS NULL"},
		{
			"created_by IN (SELECT member FROM teams WHERE lead = 'u-42')",
			"u.created_by IN (SELECT member FROM teams WHERE lead = 'u-42')",
		},
		{"lower(email) LIKE '%@corp.example'", "lower(u.email) LIKE '%@corp.example'"},
	}
	for _, tc := range cases {
		got, err := qualifyFilter(tc.filter, "u")
		if err != nil {
			t.Fatalf("qualifyFilter(%q) error = %v", tc.filter, err)
		}
		if got != tc.want {
			t.Fatalf("qualifyFilter(%q) = %q, want %q", tc.filter, got, tc.want)
		}
	}
}

func TestApplyPermissionsRequiresCallerIdentityForScopedTables(t *testing.T) {
	caller := testCaller
	caller.UserID = ""
	if err := applyErr(t, "SELECT id FROM users", testPermission(), caller); apperrors.KindOf(err) != apperrors.KindPermissionDenied {
		t.Fatalf("error = %v", err)
	}

	perm := testPermission()
	perm.Tables[1].RowLevelFilter = "tenant = :tenant"
	if err := applyErr(t, "SELECT id FROM users", perm, testCaller); apperrors.KindOf(err) != apperrors.KindPermissionDenied {
		t.Fatalf("error = %v", err)
	}
}

func TestDataPermissionCloneIsDeep(t *testing.T) {
	perm := testPermission()
	clone := perm.Clone()
	clone.Tables[1].ColumnPermissions[0].Accessible = true
	clone.Tables[0].AllowedOperations[0] = "DELETE"
	if perm.Tables[1].ColumnPermissions[0].Accessible {
		t.Fatal("column permission mutated through clone")
	}
	if perm.Tables[0].AllowedOperations[0] != "SELECT" {
		t.Fatal("allowed operations mutated through clone")
	}
}
