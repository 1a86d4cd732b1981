// Package pgkv implements kv.Store on PostgreSQL.
//
// Logical keys live in kv_keys together with their kind and expiration;
// values sit in one table per kind and cascade away with their key row.
// Expired rows are invisible to reads, purged lazily on write and in bulk by
// Sweep.
package pgkv

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"spotthebot/internal/fault"
	"spotthebot/internal/kv"
)

//go:embed schema.sql
var schema string

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Config describes the connection pool.
type Config struct {
	URL      string
	MaxConns int32
	// ConnectTimeout bounds the whole connect-with-retry loop.
	ConnectTimeout time.Duration
}

// DB is a kv.Store backed by a pgx connection pool.
type DB struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

var _ kv.Store = (*DB)(nil)

// Connect dials the database, retrying until it answers a ping or the
// connect timeout passes, and then applies the schema.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pcfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var pool *pgxpool.Pool
	deadline := time.Now().Add(timeout)
	for {
		attempt, cancel := context.WithTimeout(ctx, 2*time.Second)
		pool, err = pgxpool.NewWithConfig(attempt, pcfg)
		if err == nil {
			if err = pool.Ping(attempt); err == nil {
				cancel()
				break
			}
			pool.Close()
		}
		cancel()

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("connect database after retries: %w", err)
		}
		log.Warn("database not ready, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	d := &DB{pool: pool, log: log}
	if err := d.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("postgres store connected", zap.Int32("max_conns", pcfg.MaxConns))
	return d, nil
}

// Migrate creates the tables if they are missing.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

func (d *DB) View(ctx context.Context, fn func(r kv.Reader) error) error {
	return d.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(t *tx) error {
		return fn(t)
	})
}

func (d *DB) Update(ctx context.Context, fn func(t kv.Tx) error) error {
	return d.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, func(t *tx) error {
		return fn(t)
	})
}

func (d *DB) run(ctx context.Context, opts pgx.TxOptions, fn func(t *tx) error) error {
	if err := ctx.Err(); err != nil {
		return fault.Unavailable(err)
	}
	ptx, err := d.pool.BeginTx(ctx, opts)
	if err != nil {
		return dbErr(err)
	}
	defer func() { _ = ptx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(&tx{ctx: ctx, tx: ptx}); err != nil {
		return err
	}
	if err := ptx.Commit(ctx); err != nil {
		return dbErr(err)
	}
	return nil
}

// Sweep deletes every expired key and reports how many went.
func (d *DB) Sweep(ctx context.Context) (int, error) {
	sql, args, err := psql.Delete("kv_keys").Where(sq.Expr("expires_at <= now()")).ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := d.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, dbErr(err)
	}
	return int(tag.RowsAffected()), nil
}

// dbErr reports a database failure as a backend fault.
func dbErr(err error) error {
	if err == nil {
		return nil
	}
	return fault.Unavailable(err)
}
