// Package catalog resolves the read-only configuration the SQL safety pipeline
// needs per request: SQL policy, role data permissions and the masking salt.
package catalog

import (
	"context"
	"errors"

	"github.com/chatsql/chatsql/internal/sqlsafety"
)

var ErrNotFound = errors.New("catalog: not found")

// GlobalOrganization keys the policy row that applies when an organization
// has no override.
const GlobalOrganization = "*"

// AnyConnection matches every database connection reference.
const AnyConnection = "*"

type Source interface {
	// SQLPolicy returns the organization override, else the global policy,
	// else sqlsafety.DefaultSQLPolicy.
	SQLPolicy(ctx context.Context, organizationID string) (sqlsafety.SQLPolicy, error)
	DataPermission(ctx context.Context, organizationID, role, connectionRef string) (sqlsafety.DataPermission, error)
	MaskingSalt(ctx context.Context, organizationID string) (string, error)
}
