package app

import (
	"fmt"

	"dcagate/internal/config"
	"dcagate/internal/metrics"
	"dcagate/internal/store"
	"dcagate/internal/store/filestore"
	"dcagate/internal/store/redisstore"
	"dcagate/internal/store/sqlitestore"
)

// OpenStore 按 store.backend 打开记录集后端。m 可以为 nil。
func OpenStore(cfg config.StoreConfig, m *metrics.Metrics) (*store.Store, error) {
	var (
		backend store.Backend
		err     error
	)
	switch cfg.Backend {
	case "", "file":
		backend, err = filestore.New(cfg.Path)
	case "sqlite":
		backend, err = sqlitestore.Open(cfg.SQLitePath)
	case "redis":
		backend, err = redisstore.New(redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	opts := []store.Option{store.WithConflictRetries(cfg.ConflictRetries)}
	if m != nil {
		opts = append(opts, store.WithObserver(m.ObserveRecords))
	}
	return store.New(backend, opts...), nil
}
