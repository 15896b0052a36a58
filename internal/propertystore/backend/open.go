// Package backend opens the property store selected in the service
// configuration.
package backend

import (
	"context"
	"fmt"
	"io"

	"github.com/mohammed-shakir/critical-images/internal/cache/redisstore"
	"github.com/mohammed-shakir/critical-images/internal/core/config"
	"github.com/mohammed-shakir/critical-images/internal/propertystore"
	"github.com/mohammed-shakir/critical-images/internal/propertystore/sqlitestore"
)

// Open builds the store named by cfg.Driver. The returned closer releases
// its connections and must be closed on shutdown.
func Open(ctx context.Context, cfg config.StoreConfig) (propertystore.Store, io.Closer, error) {
	switch cfg.Driver {
	case config.StoreRedis:
		cli, err := redisstore.New(ctx, cfg.RedisAddr,
			redisstore.WithDB(cfg.RedisDB),
			redisstore.WithPoolSize(cfg.RedisPoolSize),
			redisstore.WithMinIdleConns(cfg.RedisMinIdleConns),
			redisstore.WithDialTimeout(cfg.RedisDialTimeout),
			redisstore.WithReadTimeout(cfg.OpTimeout),
			redisstore.WithWriteTimeout(cfg.OpTimeout),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return propertystore.NewRedis(cli), cli, nil
	case config.StoreSQLite:
		s, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, s, nil
	case config.StoreMemory:
		m, err := propertystore.NewMemory(cfg.MemorySize)
		if err != nil {
			return nil, nil, fmt.Errorf("open memory store: %w", err)
		}
		return m, nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
