package propertystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammed-shakir/critical-images/internal/cache/keys"
	"github.com/mohammed-shakir/critical-images/internal/cache/redisstore"
)

type redisClient interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Update(ctx context.Context, key string, ttl time.Duration, fn func([]byte, bool) ([]byte, error)) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string, limit int) ([]string, error)
}

var _ redisClient = (*redisstore.Client)(nil)

// Redis stores values as plain keys with the cohort TTL. Updates use
// WATCH/MULTI so concurrent writers on other processes retry.
type Redis struct {
	c redisClient
}

func NewRedis(c *redisstore.Client) *Redis {
	return &Redis{c: c}
}

func (s *Redis) Get(ctx context.Context, c Cohort, key string) ([]byte, bool, error) {
	b, ok, err := s.c.Get(ctx, keys.PropertyKey(c.Name, key))
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	return b, ok, nil
}

func (s *Redis) Set(ctx context.Context, c Cohort, key string, val []byte) error {
	if err := s.c.Set(ctx, keys.PropertyKey(c.Name, key), val, c.TTL); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *Redis) Update(ctx context.Context, c Cohort, key string, fn UpdateFunc) error {
	var fnErr error
	err := s.c.Update(ctx, keys.PropertyKey(c.Name, key), c.TTL, func(old []byte, ok bool) ([]byte, error) {
		next, err := fn(old, ok)
		fnErr = err
		return next, err
	})
	switch {
	case err == nil:
		return nil
	case fnErr != nil:
		return fnErr
	case errors.Is(err, redisstore.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return unavailable("update", err)
	}
}

func (s *Redis) Delete(ctx context.Context, c Cohort, key string) error {
	if err := s.c.Del(ctx, keys.PropertyKey(c.Name, key)); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Count scans the cohort's key space; it is meant for operators, not the
// request path.
func (s *Redis) Count(ctx context.Context, c Cohort) (int, error) {
	ks, err := s.c.Keys(ctx, keys.CohortPattern(c.Name), 0)
	if err != nil {
		return 0, unavailable("count", err)
	}
	return len(ks), nil
}
