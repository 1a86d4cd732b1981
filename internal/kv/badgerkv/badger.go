// Package badgerkv implements kv.Store on top of an embedded BadgerDB.
//
// Every logical key owns a meta entry recording its kind; the values of
// hashes, sets and sorted sets are spread over one physical entry per field
// or member. An expiration set on a logical key is copied onto each of its
// physical entries so Badger expires them together.
package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"spotthebot/internal/fault"
	"spotthebot/internal/kv"
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	SyncWrites bool

	// GCInterval is how often value log garbage collection runs.
	// Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultConfig returns the settings used for a persistent store.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns the settings used in tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB is a kv.Store backed by BadgerDB.
type DB struct {
	db  *badger.DB
	gc  *gcRunner
	log *zap.Logger
}

var _ kv.Store = (*DB)(nil)

// Open opens or creates the database described by cfg.
func Open(cfg Config, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{log: log.Named("badger").Sugar()})

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	d := &DB{db: bdb, log: log}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		d.gc = startGC(bdb, cfg.GCInterval, cfg.GCDiscardRatio, log)
	}
	log.Info("badger store opened", zap.String("path", cfg.Path), zap.Bool("in_memory", cfg.InMemory))
	return d, nil
}

// OpenInMemory opens a throwaway in-memory store.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig(), nil)
}

// Close stops garbage collection and closes the database.
func (d *DB) Close() error {
	if d.gc != nil {
		d.gc.stop()
	}
	return d.db.Close()
}

func (d *DB) View(ctx context.Context, fn func(r kv.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return fault.Unavailable(err)
	}
	txn := d.db.NewTransaction(false)
	defer txn.Discard()

	return fn(&tx{txn: txn})
}

func (d *DB) Update(ctx context.Context, fn func(t kv.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fault.Unavailable(err)
	}
	txn := d.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(&tx{txn: txn}); err != nil {
		return err
	}
	// a batch whose caller gave up must not land
	if err := ctx.Err(); err != nil {
		return fault.Unavailable(err)
	}
	if err := txn.Commit(); err != nil {
		return storeErr(err)
	}
	return nil
}

// storeErr classifies a badger failure.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%w: %w", fault.ErrBatchNotApplied, err)
	case errors.Is(err, kv.ErrWrongType), errors.Is(err, kv.ErrNotInt),
		errors.Is(err, kv.ErrBadKey), errors.Is(err, kv.ErrNaNScore):
		return err
	default:
		return fault.Unavailable(err)
	}
}

type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.log.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.log.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debugf(format, args...) }

// gcRunner runs value log garbage collection on a ticker.
type gcRunner struct {
	stopCh chan struct{}
	doneCh chan struct{}
}

func startGC(db *badger.DB, interval time.Duration, ratio float64, log *zap.Logger) *gcRunner {
	r := &gcRunner{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go func() {
		defer close(r.doneCh)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				err := db.RunValueLogGC(ratio)
				if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
					log.Warn("badger value log GC failed", zap.Error(err))
				}
			}
		}
	}()
	return r
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}
