package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chatsql/chatsql/internal/query"
)

var ErrUnknownConnection = errors.New("sqldb: unknown database connection")

type ConnectionConfig struct {
	Ref     string
	Dialect Dialect
	DSN     string
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ParseConnections reads "ref=dialect|dsn" entries separated by ";".
func ParseConnections(spec string) ([]ConnectionConfig, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	seen := map[string]struct{}{}
	configs := make([]ConnectionConfig, 0)
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		ref, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid connection entry %q: expected ref=dialect|dsn", entry)
		}
		dialectName, dsn, ok := strings.Cut(rest, "|")
		if !ok {
			return nil, fmt.Errorf("invalid connection entry %q: expected ref=dialect|dsn", entry)
		}
		ref = strings.TrimSpace(ref)
		dsn = strings.TrimSpace(dsn)
		if ref == "" || dsn == "" {
			return nil, fmt.Errorf("invalid connection entry %q: empty ref/dsn", entry)
		}
		if _, dup := seen[ref]; dup {
			return nil, fmt.Errorf("duplicate connection ref %q", ref)
		}
		dialect, err := DialectByName(dialectName)
		if err != nil {
			return nil, fmt.Errorf("connection %q: %w", ref, err)
		}
		seen[ref] = struct{}{}
		configs = append(configs, ConnectionConfig{Ref: ref, Dialect: dialect, DSN: dsn})
	}
	return configs, nil
}

type OpenFunc func(driverName, dsn string) (*sql.DB, error)

// Registry opens one pool per connection ref on first use and shares it across tasks.
type Registry struct {
	configs map[string]ConnectionConfig
	pool    PoolConfig
	open    OpenFunc

	mu      sync.Mutex
	engines map[string]*Engine
	group   singleflight.Group
}

func NewRegistry(configs []ConnectionConfig, pool PoolConfig) *Registry {
	return NewRegistryWithOpener(configs, pool, sql.Open)
}

func NewRegistryWithOpener(configs []ConnectionConfig, pool PoolConfig, open OpenFunc) *Registry {
	byRef := make(map[string]ConnectionConfig, len(configs))
	for _, cfg := range configs {
		byRef[cfg.Ref] = cfg
	}
	return &Registry{
		configs: byRef,
		pool:    pool,
		open:    open,
		engines: map[string]*Engine{},
	}
}

func (r *Registry) Refs() []string {
	refs := make([]string, 0, len(r.configs))
	for ref := range r.configs {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

func (r *Registry) Engine(ctx context.Context, connectionRef string) (query.Engine, error) {
	r.mu.Lock()
	engine, ok := r.engines[connectionRef]
	r.mu.Unlock()
	if ok {
		return engine, nil
	}

	cfg, ok := r.configs[connectionRef]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnection, connectionRef)
	}

	value, err, _ := r.group.Do(connectionRef, func() (any, error) {
		r.mu.Lock()
		if existing, ok := r.engines[connectionRef]; ok {
			r.mu.Unlock()
			return existing, nil
		}
		r.mu.Unlock()

		opened, err := r.openEngine(ctx, cfg)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.engines[connectionRef] = opened
		r.mu.Unlock()
		return opened, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Engine), nil
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for ref, engine := range r.engines {
		if err := engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection %q: %w", ref, err))
		}
		delete(r.engines, ref)
	}
	return errors.Join(errs...)
}

func (r *Registry) openEngine(ctx context.Context, cfg ConnectionConfig) (*Engine, error) {
	db, err := r.open(cfg.Dialect.DriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open connection %q: %w", cfg.Ref, err)
	}
	if r.pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(r.pool.MaxOpenConns)
	}
	if r.pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(r.pool.MaxIdleConns)
	}
	if r.pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(r.pool.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping connection %q: %w", cfg.Ref, err)
	}
	return NewEngine(db, cfg.Dialect), nil
}

var _ query.Resolver = (*Registry)(nil)
