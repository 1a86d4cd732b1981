package internal

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"spotthebot/internal/config"
	"spotthebot/internal/kv"
	"spotthebot/internal/kv/badgerkv"
	"spotthebot/internal/kv/pgkv"
	"spotthebot/internal/metrics"
	"spotthebot/internal/worker"
)

// OpenStore opens the backend cfg names. The returned tasks are the
// housekeeping the backend needs run periodically.
func OpenStore(ctx context.Context, cfg config.Store, log *zap.Logger) (kv.Store, []worker.Task, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		bcfg := badgerkv.DefaultConfig(cfg.Path)
		bcfg.InMemory = cfg.InMemory
		bcfg.GCInterval = cfg.GCInterval
		db, err := badgerkv.Open(bcfg, log)
		if err != nil {
			return nil, nil, err
		}
		return metrics.Instrument(db, cfg.Backend), nil, nil

	case config.BackendPostgres:
		db, err := pgkv.Connect(ctx, pgkv.Config{
			URL:            cfg.DatabaseURL,
			MaxConns:       cfg.MaxConns,
			ConnectTimeout: cfg.ConnectTimeout,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		// postgres keeps expired rows until they are swept
		return metrics.Instrument(db, cfg.Backend), []worker.Task{worker.SweepTask(db)}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
