// Package sqlsafety enforces what generated SQL may do before it reaches a
// tenant database: statement validation, per-role permission rewriting, and
// result masking, composed into a single pipeline.
package sqlsafety

import "strings"

type SQLPolicy struct {
	AllowedOperations []string `json:"allowed_operations" yaml:"allowed_operations"`
	BlockedKeywords   []string `json:"blocked_keywords" yaml:"blocked_keywords"`
	// AllowedTableFunctions names the functions that may appear as a FROM
	// source. Any other function source is rejected.
	AllowedTableFunctions   []string `json:"allowed_table_functions,omitempty" yaml:"allowed_table_functions,omitempty"`
	MaxExecutionTimeSeconds int      `json:"max_execution_time_seconds" yaml:"max_execution_time_seconds"`
	MaxRowsReturned         int      `json:"max_rows_returned" yaml:"max_rows_returned"`
}

// DefaultBlockedKeywords are matched against space-joined tokens, so the
// surrounding spaces restrict each entry to whole words.
var DefaultBlockedKeywords = []string{
	" drop ", " delete ", " update ", " insert ", " alter ", " truncate ",
	" grant ", " revoke ", " create ", " merge ", " exec ", " execute ",
	" call ", " copy ", " attach ", " detach ", " pragma ", " vacuum ",
	" pg_sleep ", " sleep ", " benchmark ", " load_file ", " into outfile ",
	" into dumpfile ", " set ", " lock ",
	// file and large object readers; entries without a trailing space match
	// as prefixes
	" pragma_", " read_csv", " read_json", " read_parquet", " read_text ",
	" read_blob ", " pg_read_file ", " pg_read_binary_file ", " pg_ls_dir ",
	" pg_stat_file ", " lo_import ", " lo_export ", " dblink", " query_table ",
}

// DefaultAllowedTableFunctions generate rows without reading any stored data.
var DefaultAllowedTableFunctions = []string{"generate_series", "unnest"}

func DefaultSQLPolicy() SQLPolicy {
	return SQLPolicy{
		AllowedOperations:       []string{"SELECT", "WITH"},
		BlockedKeywords:         append([]string(nil), DefaultBlockedKeywords...),
		AllowedTableFunctions:   append([]string(nil), DefaultAllowedTableFunctions...),
		MaxExecutionTimeSeconds: 30,
		MaxRowsReturned:         1000,
	}
}

func (p SQLPolicy) Clone() SQLPolicy {
	out := p
	out.AllowedOperations = append([]string(nil), p.AllowedOperations...)
	out.BlockedKeywords = append([]string(nil), p.BlockedKeywords...)
	out.AllowedTableFunctions = append([]string(nil), p.AllowedTableFunctions...)
	return out
}

func (p SQLPolicy) allowsTableFunction(name string) bool {
	for _, fn := range p.AllowedTableFunctions {
		if strings.EqualFold(strings.TrimSpace(fn), name) {
			return true
		}
	}
	return false
}

func (p SQLPolicy) allows(verb string) bool {
	for _, op := range p.AllowedOperations {
		if strings.EqualFold(strings.TrimSpace(op), verb) {
			return true
		}
	}
	return false
}

type DataScope string

const (
	DataScopeAll         DataScope = "all"
	DataScopeUserRelated DataScope = "user_related"
)

type MaskType string

const (
	MaskHash    MaskType = "hash"
	MaskPartial MaskType = "partial"
	MaskFull    MaskType = "full"
)

// restrictiveness orders mask types: full > hash > partial.
func (m MaskType) restrictiveness() int {
	switch m {
	case MaskFull:
		return 3
	case MaskHash:
		return 2
	case MaskPartial:
		return 1
	}
	return 0
}

// Stricter returns whichever of m and other reveals less.
func (m MaskType) Stricter(other MaskType) MaskType {
	if other.restrictiveness() > m.restrictiveness() {
		return other
	}
	return m
}

type ColumnPermission struct {
	ColumnName string   `json:"column_name" yaml:"column_name"`
	Accessible bool     `json:"accessible" yaml:"accessible"`
	Masked     bool     `json:"masked" yaml:"masked"`
	MaskType   MaskType `json:"mask_type,omitempty" yaml:"mask_type,omitempty"`
}

type TablePermission struct {
	TableName         string             `json:"table_name" yaml:"table_name"`
	AllowedOperations []string           `json:"allowed_operations" yaml:"allowed_operations"`
	DataScope         DataScope          `json:"data_scope" yaml:"data_scope"`
	RowLevelFilter    string             `json:"row_level_filter,omitempty" yaml:"row_level_filter,omitempty"`
	ColumnPermissions []ColumnPermission `json:"column_permissions,omitempty" yaml:"column_permissions,omitempty"`
}

func (t TablePermission) Clone() TablePermission {
	out := t
	out.AllowedOperations = append([]string(nil), t.AllowedOperations...)
	out.ColumnPermissions = append([]ColumnPermission(nil), t.ColumnPermissions...)
	return out
}

func (t TablePermission) allows(verb string) bool {
	for _, op := range t.AllowedOperations {
		if strings.EqualFold(strings.TrimSpace(op), verb) {
			return true
		}
	}
	return false
}

// Column finds the permission entry for name, case-insensitively.
func (t TablePermission) Column(name string) (ColumnPermission, bool) {
	for _, col := range t.ColumnPermissions {
		if strings.EqualFold(col.ColumnName, name) {
			return col, true
		}
	}
	return ColumnPermission{}, false
}

type DataPermission struct {
	Role                  string            `json:"role" yaml:"role"`
	DatabaseConnectionRef string            `json:"database_connection_ref" yaml:"database_connection_ref"`
	Tables                []TablePermission `json:"tables" yaml:"tables"`
}

func (d DataPermission) Clone() DataPermission {
	out := d
	out.Tables = make([]TablePermission, len(d.Tables))
	for i, table := range d.Tables {
		out.Tables[i] = table.Clone()
	}
	return out
}

// Table resolves a referenced table name. A schema-qualified reference matches
// either its full name or its last segment.
func (d DataPermission) Table(name string) (TablePermission, bool) {
	name = strings.ToLower(name)
	short := name
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		short = name[idx+1:]
	}
	for _, table := range d.Tables {
		candidate := strings.ToLower(strings.TrimSpace(table.TableName))
		if candidate == name || candidate == short {
			return table, true
		}
	}
	return TablePermission{}, false
}

// Caller is the identity on whose behalf a statement runs.
type Caller struct {
	OrganizationID string
	UserID         string
	Role           string
}
