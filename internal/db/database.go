package db

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx. Queries are written with
// '?' placeholders and rebound for the active driver.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Database is the persistence gateway shared by every store. The underlying
// pool is safe for concurrent use.
type Database struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Database)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Database) { d.logger = logger }
}

// WithClock overrides the clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(d *Database) { d.now = now }
}

func WithMaxOpenConns(n int) Option {
	return func(d *Database) {
		if n > 0 {
			d.db.SetMaxOpenConns(n)
		}
	}
}

func New(driver, dsn string, opts ...Option) (*Database, error) {
	switch driver {
	case DriverSQLite, DriverPostgres, DriverMySQL:
	default:
		return nil, errors.Errorf("unsupported driver %q", driver)
	}

	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", driver)
	}

	d := &Database{
		db:     db,
		driver: driver,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// sqliteDSN fills in the connection parameters every SQLite connection needs
// unless the DSN already sets them: foreign keys on, a busy timeout, and
// BEGIN IMMEDIATE so read-then-write transactions queue on the busy handler
// instead of failing with SQLITE_BUSY.
func sqliteDSN(dsn string) string {
	base, rawQuery, _ := strings.Cut(dsn, "?")
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return dsn
	}
	setDefault := func(value string, keys ...string) {
		for _, k := range keys {
			if params.Has(k) {
				return
			}
		}
		params.Set(keys[0], value)
	}
	setDefault("on", "_foreign_keys", "_fk")
	setDefault("5000", "_busy_timeout", "_timeout")
	setDefault("immediate", "_txlock")
	return base + "?" + params.Encode()
}

// Open connects, verifies the connection and creates the schema.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Database, error) {
	d, err := New(driver, dsn, opts...)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	if err := d.Migrate(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Database) Driver() string { return d.driver }

func (d *Database) Now() time.Time { return d.now() }

func (d *Database) Ping(ctx context.Context) error {
	return errors.Wrap(d.db.PingContext(ctx), "ping database")
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return exec(ctx, d.db, query, args...)
}

func (d *Database) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return selectAll(ctx, d.db, dest, query, args...)
}

func (d *Database) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return get(ctx, d.db, dest, query, args...)
}

// WithTx runs fn inside a transaction. Any error or panic from fn rolls the
// transaction back; otherwise it is committed.
func (d *Database) WithTx(ctx context.Context, fn func(q Querier) error) (err error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				d.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

// insert runs an INSERT and returns the generated id.
func (d *Database) insert(ctx context.Context, q Querier, query string, args ...interface{}) (int64, error) {
	if d.driver == DriverPostgres {
		var id int64
		err := q.QueryRowxContext(ctx, q.Rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func exec(ctx context.Context, q Querier, query string, args ...interface{}) (sql.Result, error) {
	return q.ExecContext(ctx, q.Rebind(query), args...)
}

func selectAll(ctx context.Context, q Querier, dest interface{}, query string, args ...interface{}) error {
	return q.SelectContext(ctx, dest, q.Rebind(query), args...)
}

func get(ctx context.Context, q Querier, dest interface{}, query string, args ...interface{}) error {
	return q.GetContext(ctx, dest, q.Rebind(query), args...)
}
