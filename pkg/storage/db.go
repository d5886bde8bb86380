// Package storage is the persistence layer: statements and their
// normalized projection, the IFI identity index, actor resolution and
// persona union, verb/activity merging, the query engine with stateless
// cursors, documents, and credentials.
//
// One logical schema runs on PostgreSQL (lib/pq) and SQLite
// (modernc.org/sqlite). DML is written once with ? placeholders and
// rebound per dialect through sqlx; only the DDL differs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// Dialect names the SQL flavor behind a Store.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Options tunes a Store.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	// OpTimeout bounds every storage operation, pool acquisition
	// included. Zero disables the bound.
	OpTimeout time.Duration
	// DefaultPageSize applies when a query asks for limit 0.
	DefaultPageSize int
	// MaxPageSize caps any requested limit.
	MaxPageSize int
	Logger      *slog.Logger
}

func (o *Options) fill() {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 16
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 4
	}
	if o.ConnMaxIdleTime <= 0 {
		o.ConnMaxIdleTime = 5 * time.Minute
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 10 * time.Second
	}
	if o.DefaultPageSize <= 0 {
		o.DefaultPageSize = 50
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = 500
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store is the LRS persistence handle.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	log     *slog.Logger
	clock   *Clock
	opts    Options
}

// Open connects to the database named by dsn and verifies the connection.
// postgres:// and postgresql:// select PostgreSQL; sqlite://, file:, and
// bare paths select SQLite.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	opts.fill()
	dialect, driver, dataSource := resolveDSN(dsn)

	db, err := sqlx.Open(driver, dataSource)
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "opening %s database", dialect)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, opts.OpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "pinging %s database", dialect)
	}

	return &Store{
		db:      db,
		dialect: dialect,
		log:     opts.Logger,
		clock:   NewClock(),
		opts:    opts,
	}, nil
}

func resolveDSN(dsn string) (Dialect, string, string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DialectPostgres, "postgres", dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return DialectSQLite, "sqlite", sqlitePragmas(strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return DialectSQLite, "sqlite", sqlitePragmas(dsn)
	}
}

// sqlitePragmas applies the pragmas a concurrent HTTP workload needs.
func sqlitePragmas(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Dialect reports the SQL flavor in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// ConsistentThrough reports the commit-visible watermark.
func (s *Store) ConsistentThrough() time.Time { return s.clock.ConsistentThrough() }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies liveness, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return dbErr(err, "ping")
	}
	return nil
}

// Migrate applies the schema for the active dialect. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := sqliteSchema
	if s.dialect == DialectPostgres {
		ddl = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return dbErr(err, "applying schema")
	}
	s.log.Info("schema applied", "dialect", s.dialect)
	return nil
}

// bound attaches the per-operation deadline.
func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.OpTimeout)
}

// rebind translates ? placeholders for the active dialect.
func (s *Store) rebind(q string) string { return s.db.Rebind(q) }

// begin opens a transaction under the operation deadline.
func (s *Store) begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, dbErr(err, "beginning transaction")
	}
	return tx, nil
}

// dbErr classifies driver failures. Callers unwrap sql.ErrNoRows
// themselves; everything else that reaches here is an availability
// problem as far as clients are concerned.
func dbErr(err error, op string) error {
	if err == nil {
		return nil
	}
	var lerr *lrserr.Error
	if errors.As(err, &lerr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "%s: timed out", op)
	}
	return lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "%s", op)
}

// storedLayout is the persisted instant format: fixed-width UTC
// nanoseconds, so lexicographic order is chronological in both dialects.
const storedLayout = "2006-01-02T15:04:05.000000000Z"

func formatStored(t time.Time) string { return t.UTC().Format(storedLayout) }

func parseStored(s string) (time.Time, error) {
	t, err := time.Parse(storedLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored instant %q: %w", s, err)
	}
	return t, nil
}
