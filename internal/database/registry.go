package database

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koustreak/blockidx/internal/errs"
	"github.com/koustreak/blockidx/internal/logger"
	"golang.org/x/sync/singleflight"
)

// Conn is one shared connection pool for a logical database. It is safe for
// concurrent use; checkout and return of physical connections is left to
// database/sql.
type Conn struct {
	key      string
	endpoint Endpoint
	dialect  Dialect
	db       *sql.DB
	log      *logger.Logger
	txSeq    atomic.Uint64
}

// Key is the canonical pool key (user@host:port/db?charset=c).
func (c *Conn) Key() string { return c.key }

// Dialect returns the engine dialect of the pool.
func (c *Conn) Dialect() Dialect { return c.dialect }

// Endpoint returns the parsed endpoint the pool was opened for.
func (c *Conn) Endpoint() Endpoint { return c.endpoint }

// DB exposes the underlying pool for callers that need database/sql directly.
func (c *Conn) DB() *sql.DB { return c.db }

// Ping verifies the database is reachable.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return c.dialect.MapError(err, "ping failed")
	}
	return nil
}

// TableExists reports whether table exists in the pool's database.
func (c *Conn) TableExists(ctx context.Context, table string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, c.dialect.TableExistsQuery(), table).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, c.dialect.MapError(err, "failed to check table existence")
	}
	return true, nil
}

// ListTables returns every base table name in the pool's database.
func (c *Conn) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, c.dialect.ListTablesQuery())
	if err != nil {
		return nil, c.dialect.MapError(err, "failed to list tables")
	}
	defer rows.Close()

	tables := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, c.dialect.MapError(err, "failed to scan table name")
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, c.dialect.MapError(err, "error iterating tables")
	}
	return tables, nil
}

// Begin opens a transaction at the engine's default isolation level.
func (c *Conn) Begin(ctx context.Context) (*Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, c.dialect.MapError(err, "begin transaction failed")
	}
	t := &Tx{conn: c, tx: tx, id: c.txSeq.Add(1)}
	c.log.TraceWith("begin", map[string]interface{}{"tx": t.id})
	return t, nil
}

func (c *Conn) trace(msg string, txID uint64, query string, args []any, err error) {
	if !c.log.Enabled("trace") {
		return
	}
	fields := map[string]interface{}{"tx": txID, "sql": query, "args": args}
	if err != nil {
		fields["error"] = err.Error()
	}
	c.log.TraceWith(msg, fields)
}

// Opener opens a pool; it matches sql.Open and exists so tests can inject
// a mock pool.
type Opener func(driverName, dsn string) (*sql.DB, error)

// Option configures a Registry.
type Option func(*Registry)

// WithConfig sets the pool settings.
func WithConfig(cfg *Config) Option {
	return func(r *Registry) { r.cfg = cfg.withDefaults() }
}

// WithOpener replaces sql.Open.
func WithOpener(open Opener) Option {
	return func(r *Registry) { r.open = open }
}

// WithFatalHandler replaces the handler invoked when the first connect to a
// database is refused. The default logs at fatal level, which exits.
func WithFatalHandler(fn func(error)) Option {
	return func(r *Registry) { r.onFatal = fn }
}

// Registry maps endpoints to shared pools and memoises per-table DDL. One
// registry is created by the composition root and handed to every consumer.
type Registry struct {
	cfg     *Config
	log     *logger.Logger
	open    Opener
	onFatal func(error)

	mu    sync.RWMutex
	conns map[string]*Conn
	dials singleflight.Group

	ddlMu sync.RWMutex
	ddl   map[string]bool
	ddls  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger, opts ...Option) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:    DefaultConfig(),
		log:    log,
		open:   sql.Open,
		conns:  make(map[string]*Conn),
		ddl:    make(map[string]bool),
		ctx:    ctx,
		cancel: cancel,
	}
	r.onFatal = func(err error) {
		r.log.Fatalf("database refused the first connection, giving up: %v", err)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Logger returns the registry's logger; facades derive their loggers from it.
func (r *Registry) Logger() *logger.Logger { return r.log }

// Connect returns the pool for endpoint, opening it on first use.
// Endpoints that normalise to the same pool key share one pool.
func (r *Registry) Connect(ctx context.Context, endpoint string) (*Conn, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	d, err := LookupDialect(ep.Scheme)
	if err != nil {
		return nil, err
	}
	key := ep.PoolKey(d)

	r.mu.RLock()
	c, ok := r.conns[key]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	// The shared dial outlives any one caller; each caller only stops waiting.
	dialCtx := context.WithoutCancel(ctx)
	ch := r.dials.DoChan(key, func() (interface{}, error) {
		r.mu.RLock()
		existing, ok := r.conns[key]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		c, err := r.dial(dialCtx, key, ep, d)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.conns[key] = c
		r.mu.Unlock()

		if r.cfg.HealthInterval > 0 {
			r.wg.Add(1)
			go r.probe(c)
		}
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.ErrKindTimeout, "connect to "+ep.Redacted()+" abandoned", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	}
}

func (r *Registry) dial(ctx context.Context, key string, ep Endpoint, d Dialect) (*Conn, error) {
	dsn, err := d.DSN(ep, r.cfg)
	if err != nil {
		return nil, err
	}
	db, err := r.open(d.DriverName(), dsn)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnectionFailed, "invalid DSN", err)
	}

	db.SetMaxOpenConns(r.cfg.MaxOpenConns)
	db.SetMaxIdleConns(r.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(r.cfg.MaxConnLifetime)
	db.SetConnMaxIdleTime(r.cfg.MaxConnIdleTime)

	log := r.log.With().Str("pool", key).Logger()
	c := &Conn{key: key, endpoint: ep, dialect: d, db: db, log: log}

	pingCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		mapped := d.MapError(err, "initial ping failed")
		if d.IsConnRefused(err) {
			log.ErrorWith("connection refused", err, map[string]interface{}{"endpoint": ep.Redacted()})
			r.onFatal(mapped)
		}
		return nil, errs.Wrap(errs.ErrKindConnectionFailed, "cannot connect to "+ep.Redacted(), mapped)
	}

	log.InfoWith("connection pool opened", map[string]interface{}{
		"dialect":   d.Name(),
		"max_conns": r.cfg.MaxOpenConns,
	})
	return c, nil
}

func (r *Registry) probe(c *Conn) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ConnectTimeout)
			err := c.Ping(ctx)
			cancel()
			if err != nil && r.ctx.Err() == nil {
				c.log.WarnWith("health probe failed", err, nil)
			}
		}
	}
}

// EnsureOnce runs fn the first time it is called for (conn, name) in this
// process; later calls return immediately. Concurrent first callers share a
// single run. A failed run is not memoised, so the next caller retries.
func (r *Registry) EnsureOnce(ctx context.Context, conn *Conn, name string, fn func(context.Context) error) error {
	key := conn.key + "#" + name

	r.ddlMu.RLock()
	done := r.ddl[key]
	r.ddlMu.RUnlock()
	if done {
		return nil
	}

	_, err, _ := r.ddls.Do(key, func() (interface{}, error) {
		r.ddlMu.RLock()
		done := r.ddl[key]
		r.ddlMu.RUnlock()
		if done {
			return nil, nil
		}
		if err := fn(ctx); err != nil {
			return nil, err
		}
		r.ddlMu.Lock()
		r.ddl[key] = true
		r.ddlMu.Unlock()
		return nil, nil
	})
	return err
}

// Pools returns the keys of every open pool.
func (r *Registry) Pools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.conns))
	for k := range r.conns {
		keys = append(keys, k)
	}
	return keys
}

// Ping pings every open pool and returns the first failure.
func (r *Registry) Ping(ctx context.Context) error {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the health probes and closes every pool. Pools otherwise live
// for the whole process; only the composition root calls this on shutdown.
func (r *Registry) Close() error {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for key, c := range r.conns {
		if err := c.db.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.conns, key)
	}
	return first
}
