// Package migrations embeds the chat store schema and applies it in version
// order. Runs from several replicas serialize on a postgres advisory lock, and
// an applied script whose embedded text changed is reported as drift instead
// of being silently skipped.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	migrationTable = "chatsql_schema_migrations"
	// advisoryLockKey is shared by every chatsql-migrate and chatsql-api run.
	advisoryLockKey int64 = 0x63686174_73716c // "chatsql"
)

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_(.+)\.(up|down)\.sql$`)

// ErrDrift is returned when an applied migration no longer matches its
// embedded script.
var ErrDrift = errors.New("migrations: applied schema differs from embedded scripts")

type Migration struct {
	Version  int64
	Name     string
	Checksum string

	upSQL   string
	downSQL string
}

// Status is one row of a migration listing.
type Status struct {
	Migration
	Applied   bool
	AppliedAt time.Time
	Drifted   bool
}

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

type appliedRecord struct {
	name      string
	checksum  string
	appliedAt time.Time
}

// Migrations lists the embedded migrations in version order.
func (r *Runner) Migrations() ([]Migration, error) {
	return loadMigrations(r.fsys)
}

// Status reports every embedded migration together with its applied state.
// Applied versions that are missing from the embedded set are listed as
// drifted.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	items, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationTable(ctx, db); err != nil {
		return nil, err
	}
	applied, err := listApplied(ctx, db)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(items))
	known := make(map[int64]struct{}, len(items))
	for _, item := range items {
		known[item.Version] = struct{}{}
		row := Status{Migration: item}
		if rec, ok := applied[item.Version]; ok {
			row.Applied = true
			row.AppliedAt = rec.appliedAt
			row.Drifted = rec.checksum != "" && rec.checksum != item.Checksum
		}
		out = append(out, row)
	}
	for version, rec := range applied {
		if _, ok := known[version]; ok {
			continue
		}
		out = append(out, Status{Migration: Migration{Version: version, Name: rec.name}, Applied: true, AppliedAt: rec.appliedAt, Drifted: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies pending migrations in version order, at most steps of them when
// steps is positive, and returns the ones it applied.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) ([]Migration, error) {
	items, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, err
	}

	var done []Migration
	err = withAdvisoryLock(ctx, db, func(conn *sql.Conn) error {
		if err := ensureMigrationTable(ctx, conn); err != nil {
			return err
		}
		applied, err := listApplied(ctx, conn)
		if err != nil {
			return err
		}
		if err := checkDrift(items, applied); err != nil {
			return err
		}
		for _, item := range items {
			if _, ok := applied[item.Version]; ok {
				continue
			}
			if steps > 0 && len(done) >= steps {
				break
			}
			if err := applyMigration(ctx, conn, item); err != nil {
				return err
			}
			done = append(done, item)
		}
		return nil
	})
	return done, err
}

// Down rolls back the newest applied migrations, one when steps is not
// positive, and returns the ones it rolled back.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) ([]Migration, error) {
	if steps <= 0 {
		steps = 1
	}
	items, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, err
	}
	lookup := make(map[int64]Migration, len(items))
	for _, item := range items {
		lookup[item.Version] = item
	}

	var done []Migration
	err = withAdvisoryLock(ctx, db, func(conn *sql.Conn) error {
		if err := ensureMigrationTable(ctx, conn); err != nil {
			return err
		}
		applied, err := listApplied(ctx, conn)
		if err != nil {
			return err
		}
		versions := make([]int64, 0, len(applied))
		for version := range applied {
			versions = append(versions, version)
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })

		for _, version := range versions {
			if len(done) >= steps {
				break
			}
			item, ok := lookup[version]
			if !ok {
				return fmt.Errorf("applied migration %d is missing from source", version)
			}
			if err := rollbackMigration(ctx, conn, item); err != nil {
				return err
			}
			done = append(done, item)
		}
		return nil
	})
	return done, err
}

func checkDrift(items []Migration, applied map[int64]appliedRecord) error {
	known := make(map[int64]Migration, len(items))
	for _, item := range items {
		known[item.Version] = item
	}
	for version, rec := range applied {
		item, ok := known[version]
		if !ok {
			return fmt.Errorf("%w: applied migration %d is missing from source", ErrDrift, version)
		}
		if rec.checksum != "" && rec.checksum != item.Checksum {
			return fmt.Errorf("%w: migration %d_%s was edited after it was applied", ErrDrift, version, item.Name)
		}
	}
	return nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func withAdvisoryLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	runErr := fn(conn)
	// The lock belongs to the session, so release it even when ctx is done.
	if _, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, advisoryLockKey); err != nil && runErr == nil {
		return fmt.Errorf("release migration lock: %w", err)
	}
	return runErr
}

func ensureMigrationTable(ctx context.Context, q execQuerier) error {
	query := `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := q.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

func applyMigration(ctx context.Context, conn *sql.Conn, item Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, item.upSQL); err != nil {
		return fmt.Errorf("apply migration %d_%s: %w", item.Version, item.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO `+migrationTable+` (version, name, checksum) VALUES ($1, $2, $3)`,
		item.Version, item.Name, item.Checksum); err != nil {
		return fmt.Errorf("mark migration %d: %w", item.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", item.Version, err)
	}
	return nil
}

func rollbackMigration(ctx context.Context, conn *sql.Conn, item Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, item.downSQL); err != nil {
		return fmt.Errorf("rollback migration %d_%s: %w", item.Version, item.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+migrationTable+` WHERE version = $1`, item.Version); err != nil {
		return fmt.Errorf("unmark migration %d: %w", item.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback %d: %w", item.Version, err)
	}
	return nil
}

func listApplied(ctx context.Context, q execQuerier) (map[int64]appliedRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, name, checksum, applied_at FROM `+migrationTable+` ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	applied := map[int64]appliedRecord{}
	for rows.Next() {
		var (
			version int64
			rec     appliedRecord
		)
		if err := rows.Scan(&version, &rec.name, &rec.checksum, &rec.appliedAt); err != nil {
			return nil, fmt.Errorf("scan applied version: %w", err)
		}
		applied[version] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return applied, nil
}

func loadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	items := map[int64]Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base := path.Base(entry.Name())
		matches := migrationNamePattern.FindStringSubmatch(base)
		if len(matches) != 4 {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", base, err)
		}
		script, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item := items[version]
		if item.Name != "" && item.Name != matches[2] {
			return nil, fmt.Errorf("migration %d has mismatched names %q and %q", version, item.Name, matches[2])
		}
		item.Version = version
		item.Name = matches[2]
		switch matches[3] {
		case "up":
			item.upSQL = string(script)
			item.Checksum = checksum(item.upSQL)
		case "down":
			item.downSQL = string(script)
		}
		items[version] = item
	}

	versions := make([]int64, 0, len(items))
	for version := range items {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	migrations := make([]Migration, 0, len(versions))
	for _, version := range versions {
		item := items[version]
		if strings.TrimSpace(item.upSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", version)
		}
		if strings.TrimSpace(item.downSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", version)
		}
		migrations = append(migrations, item)
	}
	return migrations, nil
}

func checksum(script string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(script)))
	return hex.EncodeToString(sum[:])
}
