package storage

import (
	"context"
	"fmt"
)

// Backend is a StatusStore with lifecycle hooks for the composition root.
type Backend interface {
	StatusStore
	Check(ctx context.Context) error
	Close() error
}

type Config struct {
	PGDSN         string
	RedisAddr     string
	RedisPassword string
	Migrate       bool
}

// Open picks Postgres when a DSN is configured, Redis when an address is, and
// falls back to the in-memory store otherwise.
func Open(ctx context.Context, cfg Config) (Backend, string, error) {
	switch {
	case cfg.PGDSN != "":
		ps, err := NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		if cfg.Migrate {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return nil, "", fmt.Errorf("migrate postgres: %w", err)
			}
		}
		return ps, "postgres", nil
	case cfg.RedisAddr != "":
		rs := NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		if err := rs.Check(ctx); err != nil {
			_ = rs.Close()
			return nil, "", fmt.Errorf("open redis: %w", err)
		}
		return rs, "redis", nil
	default:
		return NewMemoryStore(), "memory", nil
	}
}

func (m *MemoryStore) Check(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
