package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chatsql/chatsql/internal/sqlsafety"
)

// FileDocument is the YAML layout read by FileSource.
type FileDocument struct {
	Policy        *sqlsafety.SQLPolicy            `yaml:"policy"`
	MaskingSalt   string                          `yaml:"masking_salt"`
	Organizations map[string]OrganizationDocument `yaml:"organizations"`
}

type OrganizationDocument struct {
	Policy      *sqlsafety.SQLPolicy       `yaml:"policy"`
	MaskingSalt string                     `yaml:"masking_salt"`
	Permissions []sqlsafety.DataPermission `yaml:"permissions"`
}

// FileSource serves the catalog from a YAML document held in memory.
type FileSource struct {
	mu  sync.RWMutex
	doc FileDocument
}

func LoadFile(path string) (*FileSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return ParseFile(raw)
}

func ParseFile(raw []byte) (*FileSource, error) {
	var doc FileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog file: %w", err)
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	return &FileSource{doc: doc}, nil
}

// Replace swaps the served document, e.g. after the file changed on disk.
func (s *FileSource) Replace(doc FileDocument) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

func (s *FileSource) SQLPolicy(_ context.Context, organizationID string) (sqlsafety.SQLPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if org, ok := s.doc.Organizations[organizationID]; ok && org.Policy != nil {
		return org.Policy.Clone(), nil
	}
	if s.doc.Policy != nil {
		return s.doc.Policy.Clone(), nil
	}
	return sqlsafety.DefaultSQLPolicy(), nil
}

func (s *FileSource) DataPermission(_ context.Context, organizationID, role, connectionRef string) (sqlsafety.DataPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.doc.Organizations[organizationID]
	if !ok {
		return sqlsafety.DataPermission{}, ErrNotFound
	}
	return matchPermission(org.Permissions, role, connectionRef)
}

func (s *FileSource) MaskingSalt(_ context.Context, organizationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if org, ok := s.doc.Organizations[organizationID]; ok && org.MaskingSalt != "" {
		return org.MaskingSalt, nil
	}
	if s.doc.MaskingSalt != "" {
		return s.doc.MaskingSalt, nil
	}
	return "", ErrNotFound
}

// matchPermission prefers an exact connection match over a wildcard entry.
func matchPermission(perms []sqlsafety.DataPermission, role, connectionRef string) (sqlsafety.DataPermission, error) {
	var wildcard *sqlsafety.DataPermission
	for i := range perms {
		perm := &perms[i]
		if !strings.EqualFold(perm.Role, role) {
			continue
		}
		if perm.DatabaseConnectionRef == connectionRef {
			return perm.Clone(), nil
		}
		if perm.DatabaseConnectionRef == AnyConnection && wildcard == nil {
			wildcard = perm
		}
	}
	if wildcard != nil {
		out := wildcard.Clone()
		out.DatabaseConnectionRef = connectionRef
		return out, nil
	}
	return sqlsafety.DataPermission{}, ErrNotFound
}

func validateDocument(doc FileDocument) error {
	for orgID, org := range doc.Organizations {
		for _, perm := range org.Permissions {
			if strings.TrimSpace(perm.Role) == "" {
				return fmt.Errorf("catalog organization %q: permission role is required", orgID)
			}
			if strings.TrimSpace(perm.DatabaseConnectionRef) == "" {
				return fmt.Errorf("catalog organization %q role %q: database_connection_ref is required", orgID, perm.Role)
			}
			for _, table := range perm.Tables {
				switch table.DataScope {
				case "", sqlsafety.DataScopeAll:
				case sqlsafety.DataScopeUserRelated:
					if strings.TrimSpace(table.RowLevelFilter) == "" {
						return fmt.Errorf("catalog organization %q table %q: user_related scope requires row_level_filter", orgID, table.TableName)
					}
				default:
					return fmt.Errorf("catalog organization %q table %q: unknown data_scope %q", orgID, table.TableName, table.DataScope)
				}
			}
		}
	}
	return nil
}
