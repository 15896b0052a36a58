// Package propertystore is the durable keyed storage behind the finder. A
// value lives under a cohort and a page key; cohorts carry the TTL.
package propertystore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrUnavailable wraps transport failures and timeouts.
	ErrUnavailable = errors.New("property store unavailable")
	// ErrConflict is returned when an optimistic update lost every retry.
	ErrConflict = errors.New("property store update conflict")
	// ErrUnknownCohort is returned by Registry lookups.
	ErrUnknownCohort = errors.New("cohort not registered")
)

type Cohort struct {
	Name string
	// TTL bounds how long an untouched value survives. Zero means no expiry.
	TTL time.Duration
}

// UpdateFunc receives the current value (ok=false when absent) and returns
// the value to write. Returning a nil slice leaves the stored value as is.
type UpdateFunc func(old []byte, ok bool) ([]byte, error)

type Store interface {
	Get(ctx context.Context, c Cohort, key string) ([]byte, bool, error)
	Set(ctx context.Context, c Cohort, key string, val []byte) error
	Update(ctx context.Context, c Cohort, key string, fn UpdateFunc) error
}

// Deleter is implemented by stores that can drop a single value.
type Deleter interface {
	Delete(ctx context.Context, c Cohort, key string) error
}

// Counter reports how many live values a cohort holds.
type Counter interface {
	Count(ctx context.Context, c Cohort) (int, error)
}

// Purger is implemented by stores that keep expired values until told to
// remove them.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Registry holds the cohorts a process declared at startup.
type Registry struct {
	mu      sync.RWMutex
	cohorts map[string]Cohort
}

func NewRegistry() *Registry {
	return &Registry{cohorts: make(map[string]Cohort)}
}

func (r *Registry) Register(c Cohort) error {
	if c.Name == "" {
		return errors.New("cohort name is required")
	}
	if c.TTL < 0 {
		return fmt.Errorf("cohort %q: negative ttl", c.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cohorts[c.Name] = c
	return nil
}

func (r *Registry) Lookup(name string) (Cohort, error) {
	if r == nil {
		return Cohort{}, fmt.Errorf("%w: %q", ErrUnknownCohort, name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cohorts[name]
	if !ok {
		return Cohort{}, fmt.Errorf("%w: %q", ErrUnknownCohort, name)
	}
	return c, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
