package coord

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memEntry struct {
	holder  string
	value   string
	expires time.Time
}

// memCoord keeps locks and status keys in process memory. Single-process
// runs and tests use it; it provides the same atomicity guarantees via a
// mutex.
type memCoord struct {
	mu     sync.Mutex
	locks  map[string]memEntry
	status map[string]memEntry
	now    func() time.Time
}

// NewMemory returns an in-process Coordinator.
func NewMemory() Coordinator {
	return &memCoord{
		locks:  map[string]memEntry{},
		status: map[string]memEntry{},
		now:    time.Now,
	}
}

func (c *memCoord) Close() error { return nil }

func (c *memCoord) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	_ = ctx
	if key == "" || holder == "" {
		return false, errors.New("coord: key and holder are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.locks[key]; ok && e.expires.After(now) && e.holder != holder {
		return false, nil
	}
	c.locks[key] = memEntry{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (c *memCoord) Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e, ok := c.locks[key]
	if !ok || e.holder != holder || !e.expires.After(now) {
		return false, nil
	}
	e.expires = now.Add(ttl)
	c.locks[key] = e
	return true, nil
}

func (c *memCoord) Release(ctx context.Context, key, holder string) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.locks[key]; ok && e.holder == holder {
		delete(c.locks, key)
	}
	return nil
}

func (c *memCoord) SetStatus(ctx context.Context, key, value string, ttl time.Duration) error {
	_ = ctx
	if key == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[key] = memEntry{value: value, expires: c.now().Add(ttl)}
	return nil
}

func (c *memCoord) GetStatus(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.status[key]
	if !ok || !e.expires.After(c.now()) {
		return "", false, nil
	}
	return e.value, true, nil
}
