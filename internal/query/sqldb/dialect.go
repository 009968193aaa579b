package sqldb

import (
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "modernc.org/sqlite"
)

// Dialect selects the database/sql driver and the introspection query used for
// a target database. Every SchemaQuery yields rows of
// (table_name, column_name, data_type, is_nullable YES|NO, is_primary_key).
type Dialect struct {
	Name        string
	DriverName  string
	SchemaQuery string
}

var (
	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "pgx",
		SchemaQuery: `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable,
    EXISTS (
        SELECT 1
        FROM information_schema.table_constraints AS tc
        JOIN information_schema.key_column_usage AS k
          ON k.constraint_name = tc.constraint_name
         AND k.table_schema = tc.table_schema
         AND k.table_name = tc.table_name
        WHERE tc.constraint_type = 'PRIMARY KEY'
          AND tc.table_schema = c.table_schema
          AND tc.table_name = c.table_name
          AND k.column_name = c.column_name
    ) AS is_primary_key
FROM information_schema.columns AS c
WHERE c.table_schema = current_schema()
ORDER BY c.table_name, c.ordinal_position`,
	}

	MySQL = Dialect{
		Name:       "mysql",
		DriverName: "mysql",
		SchemaQuery: `
SELECT c.TABLE_NAME, c.COLUMN_NAME, c.DATA_TYPE, c.IS_NULLABLE, (c.COLUMN_KEY = 'PRI') AS is_primary_key
FROM information_schema.COLUMNS AS c
WHERE c.TABLE_SCHEMA = DATABASE()
ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION`,
	}

	DuckDB = Dialect{
		Name:       "duckdb",
		DriverName: "duckdb",
		SchemaQuery: `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable,
    EXISTS (
        SELECT 1
        FROM duckdb_constraints() AS k
        WHERE k.table_name = c.table_name
          AND k.constraint_type = 'PRIMARY KEY'
          AND list_contains(k.constraint_column_names, c.column_name)
    ) AS is_primary_key
FROM information_schema.columns AS c
WHERE c.table_schema = current_schema()
ORDER BY c.table_name, c.ordinal_position`,
	}

	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite",
		SchemaQuery: `
SELECT m.name, p.name, p.type, CASE WHEN p."notnull" = 0 THEN 'YES' ELSE 'NO' END, p.pk > 0
FROM sqlite_master AS m
JOIN pragma_table_info(m.name) AS p
WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
ORDER BY m.name, p.cid`,
	}
)

func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "duckdb":
		return DuckDB, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database dialect %q", name)
	}
}
