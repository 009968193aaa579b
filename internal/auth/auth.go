package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatsql/chatsql/internal/sqlsafety"
)

// Identity is the authenticated caller. Every session and task read is
// scoped by OrganizationID; Role selects the data permission.
type Identity struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	Role           string `json:"role"`
}

func (i Identity) Caller() sqlsafety.Caller {
	return sqlsafety.Caller{OrganizationID: i.OrganizationID, UserID: i.UserID, Role: i.Role}
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses "key:organization:user:role" entries
// separated by commas.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	entries := strings.Split(spec, ",")
	for _, entry := range entries {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:organization:user:role", entry)
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] == "" {
				return nil, fmt.Errorf("invalid static key entry %q: empty field", entry)
			}
		}
		if _, ok := validator.keys[parts[0]]; ok {
			return nil, fmt.Errorf("invalid static key entry %q: duplicate key", entry)
		}
		validator.keys[parts[0]] = Identity{OrganizationID: parts[1], UserID: parts[2], Role: parts[3]}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}

func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}
