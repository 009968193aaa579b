// Package postgres serves the policy catalog from the sql_policy and
// data_permission tables.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chatsql/chatsql/internal/catalog"
	"github.com/chatsql/chatsql/internal/sqlsafety"
)

type Repository struct {
	db *sql.DB
}

var _ catalog.Source = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SQLPolicy(ctx context.Context, organizationID string) (sqlsafety.SQLPolicy, error) {
	query := `
SELECT allowed_operations, blocked_keywords, allowed_table_functions, max_execution_time_seconds, max_rows_returned
FROM sql_policy
WHERE organization_id IN ($1, '*')
ORDER BY (organization_id = '*') ASC
LIMIT 1`

	var (
		policy    sqlsafety.SQLPolicy
		allowed   []byte
		blocklist []byte
		functions []byte
	)
	if err := r.db.QueryRowContext(ctx, query, organizationID).Scan(
		&allowed,
		&blocklist,
		&functions,
		&policy.MaxExecutionTimeSeconds,
		&policy.MaxRowsReturned,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sqlsafety.DefaultSQLPolicy(), nil
		}
		return sqlsafety.SQLPolicy{}, fmt.Errorf("get sql policy: %w", err)
	}
	if err := decodeList(allowed, &policy.AllowedOperations); err != nil {
		return sqlsafety.SQLPolicy{}, fmt.Errorf("decode allowed operations: %w", err)
	}
	if err := decodeList(blocklist, &policy.BlockedKeywords); err != nil {
		return sqlsafety.SQLPolicy{}, fmt.Errorf("decode blocked keywords: %w", err)
	}
	if err := decodeList(functions, &policy.AllowedTableFunctions); err != nil {
		return sqlsafety.SQLPolicy{}, fmt.Errorf("decode allowed table functions: %w", err)
	}
	return policy, nil
}

func (r *Repository) DataPermission(ctx context.Context, organizationID, role, connectionRef string) (sqlsafety.DataPermission, error) {
	query := `
SELECT role, database_connection_ref, tables_json
FROM data_permission
WHERE organization_id = $1 AND lower(role) = lower($2) AND database_connection_ref IN ($3, '*')
ORDER BY (database_connection_ref = '*') ASC
LIMIT 1`

	var (
		perm   sqlsafety.DataPermission
		tables []byte
	)
	if err := r.db.QueryRowContext(ctx, query, organizationID, role, connectionRef).Scan(
		&perm.Role,
		&perm.DatabaseConnectionRef,
		&tables,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sqlsafety.DataPermission{}, catalog.ErrNotFound
		}
		return sqlsafety.DataPermission{}, fmt.Errorf("get data permission: %w", err)
	}
	if err := json.Unmarshal(tables, &perm.Tables); err != nil {
		return sqlsafety.DataPermission{}, fmt.Errorf("decode table permissions: %w", err)
	}
	perm.DatabaseConnectionRef = connectionRef
	return perm, nil
}

func (r *Repository) MaskingSalt(ctx context.Context, organizationID string) (string, error) {
	query := `
SELECT masking_salt
FROM sql_policy
WHERE organization_id IN ($1, '*') AND masking_salt <> ''
ORDER BY (organization_id = '*') ASC
LIMIT 1`

	var salt string
	if err := r.db.QueryRowContext(ctx, query, organizationID).Scan(&salt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", catalog.ErrNotFound
		}
		return "", fmt.Errorf("get masking salt: %w", err)
	}
	return salt, nil
}

// PutSQLPolicy upserts the policy row of an organization, or the global row
// for catalog.GlobalOrganization.
func (r *Repository) PutSQLPolicy(ctx context.Context, organizationID string, policy sqlsafety.SQLPolicy, salt string) error {
	allowed, err := json.Marshal(nonNil(policy.AllowedOperations))
	if err != nil {
		return fmt.Errorf("encode allowed operations: %w", err)
	}
	blocklist, err := json.Marshal(nonNil(policy.BlockedKeywords))
	if err != nil {
		return fmt.Errorf("encode blocked keywords: %w", err)
	}
	functions, err := json.Marshal(nonNil(policy.AllowedTableFunctions))
	if err != nil {
		return fmt.Errorf("encode allowed table functions: %w", err)
	}
	query := `
INSERT INTO sql_policy (organization_id, allowed_operations, blocked_keywords, allowed_table_functions, max_execution_time_seconds, max_rows_returned, masking_salt)
VALUES ($1, $2::jsonb, $3::jsonb, $4::jsonb, $5, $6, $7)
ON CONFLICT (organization_id)
DO UPDATE SET
    allowed_operations = EXCLUDED.allowed_operations,
    blocked_keywords = EXCLUDED.blocked_keywords,
    allowed_table_functions = EXCLUDED.allowed_table_functions,
    max_execution_time_seconds = EXCLUDED.max_execution_time_seconds,
    max_rows_returned = EXCLUDED.max_rows_returned,
    masking_salt = EXCLUDED.masking_salt,
    updated_at = now()`
	if _, err := r.db.ExecContext(ctx, query,
		organizationID, string(allowed), string(blocklist), string(functions), policy.MaxExecutionTimeSeconds, policy.MaxRowsReturned, salt,
	); err != nil {
		return fmt.Errorf("put sql policy: %w", err)
	}
	return nil
}

func (r *Repository) PutDataPermission(ctx context.Context, organizationID string, perm sqlsafety.DataPermission) error {
	tables, err := json.Marshal(perm.Tables)
	if err != nil {
		return fmt.Errorf("encode table permissions: %w", err)
	}
	query := `
INSERT INTO data_permission (organization_id, role, database_connection_ref, tables_json)
VALUES ($1, $2, $3, $4::jsonb)
ON CONFLICT (organization_id, role, database_connection_ref)
DO UPDATE SET tables_json = EXCLUDED.tables_json, updated_at = now()`
	if _, err := r.db.ExecContext(ctx, query, organizationID, perm.Role, perm.DatabaseConnectionRef, string(tables)); err != nil {
		return fmt.Errorf("put data permission: %w", err)
	}
	return nil
}

func decodeList(raw []byte, out *[]string) error {
	if len(raw) == 0 {
		*out = nil
		return nil
	}
	return json.Unmarshal(raw, out)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
