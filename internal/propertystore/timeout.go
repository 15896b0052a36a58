package propertystore

import (
	"context"
	"errors"
	"time"
)

type timeoutStore struct {
	next Store
	d    time.Duration
}

// WithTimeout bounds every call on s by d. A missed deadline surfaces as
// ErrUnavailable so callers fall back to stale data. d <= 0 returns s.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return &timeoutStore{next: s, d: d}
}

func (t *timeoutStore) Get(ctx context.Context, c Cohort, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	b, ok, err := t.next.Get(ctx, c, key)
	return b, ok, t.wrap("get", err)
}

func (t *timeoutStore) Set(ctx context.Context, c Cohort, key string, val []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.wrap("set", t.next.Set(ctx, c, key, val))
}

func (t *timeoutStore) Update(ctx context.Context, c Cohort, key string, fn UpdateFunc) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.wrap("update", t.next.Update(ctx, c, key, fn))
}

func (t *timeoutStore) wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return unavailable(op, err)
	}
	return err
}
