package propertystore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memEntry struct {
	val     []byte
	expires time.Time
}

// Memory is a bounded in-process store. It suits tests and single-process
// deployments; entries past their cohort TTL read as absent.
type Memory struct {
	mu    sync.Mutex
	cache *lru.Cache[string, memEntry]
	now   func() time.Time
}

func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[string, memEntry](size)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}
	return &Memory{cache: c, now: time.Now}, nil
}

// WithClock replaces the expiry clock; for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func memKey(c Cohort, key string) string { return c.Name + "\x00" + key }

func (m *Memory) Get(ctx context.Context, c Cohort, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, unavailable("get", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.getLocked(c, key)
	return b, ok, nil
}

func (m *Memory) Set(ctx context.Context, c Cohort, key string, val []byte) error {
	if err := ctx.Err(); err != nil {
		return unavailable("set", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(c, key, val)
	return nil
}

// Update holds the store lock across fn, so it never conflicts.
func (m *Memory) Update(ctx context.Context, c Cohort, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return unavailable("update", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.getLocked(c, key)
	next, err := fn(old, ok)
	if err != nil {
		return err
	}
	if next != nil {
		m.setLocked(c, key, next)
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, c Cohort, key string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("delete", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(memKey(c, key))
	return nil
}

func (m *Memory) Count(ctx context.Context, c Cohort) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("count", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := c.Name + "\x00"
	now := m.now()
	n := 0
	for _, k := range m.cache.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if e, ok := m.cache.Peek(k); ok && (e.expires.IsZero() || now.Before(e.expires)) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Len() int { return m.cache.Len() }

func (m *Memory) getLocked(c Cohort, key string) ([]byte, bool) {
	k := memKey(c, key)
	e, ok := m.cache.Get(k)
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.cache.Remove(k)
		return nil, false
	}
	return append([]byte(nil), e.val...), true
}

func (m *Memory) setLocked(c Cohort, key string, val []byte) {
	e := memEntry{val: append([]byte(nil), val...)}
	if c.TTL > 0 {
		e.expires = m.now().Add(c.TTL)
	}
	m.cache.Add(memKey(c, key), e)
}

var (
	_ Store   = (*Memory)(nil)
	_ Deleter = (*Memory)(nil)
	_ Counter = (*Memory)(nil)
	_ Store   = (*Redis)(nil)
	_ Deleter = (*Redis)(nil)
	_ Counter = (*Redis)(nil)
)
