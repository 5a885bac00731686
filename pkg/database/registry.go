package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dal/pkg/config"
	"github.com/ekaya-inc/ekaya-dal/pkg/logging"
	"github.com/ekaya-inc/ekaya-dal/pkg/retry"
)

const DefaultRetryAfter = 5 * time.Second

// Opener opens a *sql.DB for the given details. multiStatements is set for
// sync pools, which run migration files containing several statements.
type Opener func(details ConnectionDetails, multiStatements bool) (*sql.DB, error)

// OpenMySQL is the default Opener. The pool waits for a free slot instead of
// failing when every connection is busy; the wait is bounded by Pool.Acquire.
func OpenMySQL(details ConnectionDetails, multiStatements bool) (*sql.DB, error) {
	cfg, err := details.MySQLConfig()
	if err != nil {
		return nil, err
	}
	cfg.MultiStatements = multiStatements

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector: %w", err)
	}

	db := sql.OpenDB(connector)
	size := details.PoolSize
	if size <= 0 {
		size = 1
	}
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)
	if details.WaitTimeout > 0 {
		// Never hand out a connection the server has already dropped.
		db.SetConnMaxIdleTime(details.WaitTimeout)
	}
	return db, nil
}

// Option configures a Registry.
type Option func(*Registry)

// WithPrimary installs an existing pool as the primary registration.
func WithPrimary(pool *Pool) Option {
	return func(r *Registry) {
		r.pools[Primary] = pool
		r.details[Primary] = pool.Details()
	}
}

// WithOpener replaces OpenMySQL, e.g. with a sqlmock-backed opener in tests.
func WithOpener(open Opener) Option {
	return func(r *Registry) { r.open = open }
}

// WithRetry sets the retry policy used while creating pools.
func WithRetry(cfg *retry.Config) Option {
	return func(r *Registry) { r.retry = cfg }
}

// WithHostResolver replaces config.ResolveHostForDocker as the final mapping
// applied to the host of every resolved connection.
func WithHostResolver(resolve func(host string) string) Option {
	return func(r *Registry) { r.resolveHost = resolve }
}

// kind separates the pool, session and sync pool tables. Creation attempts
// and unavailable markers are keyed by kind and identifier.
type kind string

const (
	kindPool    kind = "pool"
	kindSession kind = "session"
	kindSync    kind = "sync"
)

func key(k kind, id Identifier) string { return string(k) + ":" + string(id) }

// Registry owns every pool, session and sync pool of the process, keyed by
// identifier. Construct one in the composition root and pass it down.
type Registry struct {
	cfg    *config.Config
	logger *zap.Logger
	open   Opener
	retry  *retry.Config
	now    func() time.Time

	resolveHost func(string) string

	mu          sync.RWMutex
	pools       map[Identifier]*Pool
	sessions    map[Identifier]*Session
	syncPools   map[Identifier]*Pool
	details     map[Identifier]ConnectionDetails
	unavailable map[string]*ConnectionError
	closed      bool

	creating singleflight.Group
}

// NewRegistry creates an empty registry. Pools are created lazily on first use.
func NewRegistry(cfg *config.Config, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "registry")),
		open:        OpenMySQL,
		retry:       retry.DefaultConfig(),
		now:         time.Now,
		resolveHost: config.ResolveHostForDocker,
		pools:       make(map[Identifier]*Pool),
		sessions:    make(map[Identifier]*Session),
		syncPools:   make(map[Identifier]*Pool),
		details:     make(map[Identifier]ConnectionDetails),
		unavailable: make(map[string]*ConnectionError),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pool returns the pool registered under id, creating it on first use.
// Concurrent first callers share a single creation attempt. The override is
// only consulted when the pool is created.
// After a failed creation the pool is unavailable until the retry-after
// time passes; callers get the same *ConnectionError in the meantime.
// A caller whose ctx ends stops waiting with ctx.Err(); the attempt itself
// keeps going for the other callers and is bounded by the connect timeout.
func (r *Registry) Pool(ctx context.Context, id Identifier, override Override) (*Pool, error) {
	if pool, ok, err := r.cached(r.pools, kindPool, id); ok || err != nil {
		return pool, err
	}

	v, err := r.await(ctx, key(kindPool, id), func(ctx context.Context) (any, error) {
		if pool, ok, err := r.cached(r.pools, kindPool, id); ok || err != nil {
			return pool, err
		}

		details := r.resolve(override)
		pool, err := r.create(ctx, id, details, false)
		if err != nil {
			return nil, r.fail(kindPool, id, details, err)
		}
		if err := r.store(r.pools, kindPool, id, pool); err != nil {
			return nil, err
		}

		r.logger.Info("Created connection pool",
			zap.String("id", string(id)),
			zap.String("target", details.String()),
		)
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pool), nil
}

// Session returns the dedicated, non-pooled connection registered under id,
// creating it on first use. Caching and failure handling match Pool, with
// markers of its own.
func (r *Registry) Session(ctx context.Context, id Identifier, override Override) (*Session, error) {
	if s, ok, err := r.cachedSession(id); ok || err != nil {
		return s, err
	}

	v, err := r.await(ctx, key(kindSession, id), func(ctx context.Context) (any, error) {
		if s, ok, err := r.cachedSession(id); ok || err != nil {
			return s, err
		}

		details := r.resolve(override)
		s, err := r.createSession(ctx, id, details)
		if err != nil {
			return nil, r.fail(kindSession, id, details, err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			_ = s.Close()
			return nil, apperrors.ErrRegistryClosed
		}
		r.sessions[id] = s
		if _, ok := r.details[id]; !ok {
			r.details[id] = details
		}
		delete(r.unavailable, key(kindSession, id))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// SetPool force-installs pool as the primary registration without going
// through creation. A different pool previously registered as primary is closed.
func (r *Registry) SetPool(pool *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.pools[Primary]; ok && prev != pool {
		if err := prev.Close(); err != nil {
			r.logger.Warn("Failed to close replaced primary pool",
				zap.String("error", logging.SanitizeError(err)))
		}
	}
	r.pools[Primary] = pool
	r.details[Primary] = pool.Details()
	delete(r.unavailable, key(kindPool, Primary))
}

// SyncPool returns the multi-statement pool used by the migration runner.
// It is tracked separately from Pool, so both can exist for one identifier.
func (r *Registry) SyncPool(ctx context.Context, id Identifier) (*Pool, error) {
	if pool, ok, err := r.cached(r.syncPools, kindSync, id); ok || err != nil {
		return pool, err
	}

	v, err := r.await(ctx, key(kindSync, id), func(ctx context.Context) (any, error) {
		if pool, ok, err := r.cached(r.syncPools, kindSync, id); ok || err != nil {
			return pool, err
		}

		details, ok := r.Details(id)
		if !ok {
			details = r.resolve(Override{})
		}
		pool, err := r.create(ctx, id, details, true)
		if err != nil {
			return nil, r.fail(kindSync, id, details, err)
		}
		if err := r.store(r.syncPools, kindSync, id, pool); err != nil {
			return nil, err
		}
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pool), nil
}

// EndSync closes the sync pool for id, if any.
func (r *Registry) EndSync(id Identifier) error {
	r.mu.Lock()
	pool, ok := r.syncPools[id]
	delete(r.syncPools, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return pool.Close()
}

// End closes the pool, session and sync pool registered under id and forgets
// its details and unavailable markers. Nothing registered is a no-op.
// Other identifiers are untouched.
func (r *Registry) End(id Identifier) error {
	r.mu.Lock()
	pool := r.pools[id]
	session := r.sessions[id]
	syncPool := r.syncPools[id]
	delete(r.pools, id)
	delete(r.sessions, id)
	delete(r.syncPools, id)
	delete(r.details, id)
	for _, k := range []kind{kindPool, kindSession, kindSync} {
		delete(r.unavailable, key(k, id))
	}
	r.mu.Unlock()

	var errs []error
	if session != nil {
		errs = append(errs, session.Close())
	}
	if pool != nil {
		errs = append(errs, pool.Close())
	}
	if syncPool != nil {
		errs = append(errs, syncPool.Close())
	}
	if pool != nil || session != nil || syncPool != nil {
		r.logger.Info("Ended connection", zap.String("id", string(id)))
	}
	return errors.Join(errs...)
}

// EnsureAlive pings the cached session and pool for id. Anything that fails
// the ping is discarded and recreated with the same details. It returns the
// live pool, creating one when none was registered.
func (r *Registry) EnsureAlive(ctx context.Context, id Identifier) (*Pool, error) {
	r.mu.RLock()
	pool := r.pools[id]
	session := r.sessions[id]
	details, known := r.details[id]
	r.mu.RUnlock()

	override := Override{}
	if known {
		override = details.override()
	}

	if session != nil {
		if err := session.Ping(ctx); err != nil {
			r.logger.Warn("Session not alive, reconnecting",
				zap.String("id", string(id)),
				zap.String("error", logging.SanitizeError(err)))
			r.discardSession(id, session)
			if _, err := r.Session(ctx, id, override); err != nil {
				return nil, err
			}
		}
	}

	if pool != nil {
		err := pool.Ping(ctx)
		if err == nil {
			return pool, nil
		}
		r.logger.Warn("Pool not alive, reconnecting",
			zap.String("id", string(id)),
			zap.String("error", logging.SanitizeError(err)))
		r.discardPool(id, pool)
	}
	return r.Pool(ctx, id, override)
}

// Details returns the cached connection details for id.
func (r *Registry) Details(id Identifier) (ConnectionDetails, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.details[id]
	return d, ok
}

// Identifiers lists every identifier with a live registration, sorted.
func (r *Registry) Identifiers() []Identifier {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[Identifier]struct{})
	for id := range r.pools {
		seen[id] = struct{}{}
	}
	for id := range r.sessions {
		seen[id] = struct{}{}
	}
	for id := range r.syncPools {
		seen[id] = struct{}{}
	}
	ids := make([]Identifier, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats returns a snapshot of pool statistics per identifier.
func (r *Registry) Stats() map[Identifier]sql.DBStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[Identifier]sql.DBStats, len(r.pools))
	for id, pool := range r.pools {
		stats[id] = pool.Stats()
	}
	return stats
}

// Close ends every identifier. Later calls to Pool, Session or SyncPool fail
// with apperrors.ErrRegistryClosed. Close is idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, id := range r.Identifiers() {
		errs = append(errs, r.End(id))
	}
	r.logger.Info("Connection registry closed")
	return errors.Join(errs...)
}

// cached looks up id in table. ok is false when creation should be attempted.
func (r *Registry) cached(table map[Identifier]*Pool, k kind, id Identifier) (*Pool, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, false, apperrors.ErrRegistryClosed
	}
	if pool, ok := table[id]; ok {
		return pool, true, nil
	}
	return nil, false, r.marker(k, id)
}

func (r *Registry) cachedSession(id Identifier) (*Session, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, false, apperrors.ErrRegistryClosed
	}
	if s, ok := r.sessions[id]; ok {
		return s, true, nil
	}
	return nil, false, r.marker(kindSession, id)
}

// marker returns the live unavailable marker for k and id. Callers hold r.mu.
func (r *Registry) marker(k kind, id Identifier) error {
	if m, ok := r.unavailable[key(k, id)]; ok && r.now().Before(m.RetryAfter) {
		return m
	}
	return nil
}

// await runs create once per key on a context detached from ctx's
// cancellation. The caller stops waiting when ctx ends.
func (r *Registry) await(ctx context.Context, flight string, create func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	detached := context.WithoutCancel(ctx)
	ch := r.creating.DoChan(flight, func() (any, error) {
		return create(detached)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve merges override into the configured details and maps the host
// for the environment the process runs in.
func (r *Registry) resolve(override Override) ConnectionDetails {
	details := ResolveDetails(r.cfg, override)
	if r.resolveHost != nil {
		details.Host = r.resolveHost(details.Host)
	}
	return details
}

func (r *Registry) store(table map[Identifier]*Pool, k kind, id Identifier, pool *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		_ = pool.Close()
		return apperrors.ErrRegistryClosed
	}
	table[id] = pool
	if _, ok := r.details[id]; !ok {
		r.details[id] = pool.Details()
	}
	delete(r.unavailable, key(k, id))
	return nil
}

// create opens and smoke-tests a pool, retrying transient failures.
func (r *Registry) create(ctx context.Context, id Identifier, details ConnectionDetails, multiStatements bool) (*Pool, error) {
	if err := details.Validate(id); err != nil {
		return nil, err
	}

	return retry.DoIfRetryableWithResult(ctx, r.retry, func() (*Pool, error) {
		db, err := r.open(details, multiStatements)
		if err != nil {
			return nil, err
		}
		pool := NewPool(db, id, details)
		attemptCtx, cancel := attemptContext(ctx, details)
		defer cancel()
		if err := smokeTest(attemptCtx, pool); err != nil {
			_ = pool.Close()
			return nil, err
		}
		return pool, nil
	})
}

func (r *Registry) createSession(ctx context.Context, id Identifier, details ConnectionDetails) (*Session, error) {
	if err := details.Validate(id); err != nil {
		return nil, err
	}
	single := details
	single.PoolSize = 1

	return retry.DoIfRetryableWithResult(ctx, r.retry, func() (*Session, error) {
		db, err := r.open(single, false)
		if err != nil {
			return nil, err
		}
		pool := NewPool(db, id, single)
		attemptCtx, cancel := attemptContext(ctx, single)
		defer cancel()
		s, err := newSession(attemptCtx, pool)
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
		return s, nil
	})
}

// attemptContext bounds one creation attempt by the connect timeout.
func attemptContext(ctx context.Context, details ConnectionDetails) (context.Context, context.CancelFunc) {
	if details.ConnectTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, details.ConnectTimeout)
}

// smokeTest borrows one connection, checks it is open and gives it back, so
// a pool that cannot serve queries is never returned.
func smokeTest(ctx context.Context, pool *Pool) error {
	lease, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	pingErr := lease.Ping(ctx)
	releaseErr := lease.Release()
	if pingErr != nil {
		return pingErr
	}
	return releaseErr
}

// fail logs a creation failure and records the unavailable marker.
// Configuration errors are returned as is: retrying cannot fix them.
func (r *Registry) fail(k kind, id Identifier, details ConnectionDetails, err error) error {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		r.logger.Error("Invalid connection configuration",
			zap.String("id", string(id)),
			zap.Strings("missing", cfgErr.Missing))
		return err
	}

	retryAfter := details.RetryAfter
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	marker := &ConnectionError{
		Identifier: id,
		RetryAfter: r.now().Add(retryAfter),
		Err:        err,
	}

	r.mu.Lock()
	r.unavailable[key(k, id)] = marker
	r.mu.Unlock()

	r.logger.Error("Failed to create connection",
		zap.String("id", string(id)),
		zap.String("kind", string(k)),
		zap.String("target", details.String()),
		zap.Time("retry_after", marker.RetryAfter),
		zap.String("error", logging.SanitizeError(err)),
	)
	return marker
}

func (r *Registry) discardPool(id Identifier, pool *Pool) {
	r.mu.Lock()
	if r.pools[id] == pool {
		delete(r.pools, id)
	}
	r.mu.Unlock()
	_ = pool.Close()
}

func (r *Registry) discardSession(id Identifier, s *Session) {
	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	_ = s.Close()
}
