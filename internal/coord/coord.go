// Package coord provides the cross-process coordination primitives used
// around job triggering: expiring mutual-exclusion locks and a TTL'd
// status key space.
//
// The coordinator is an optimization, not the source of truth. When it is
// unreachable the callers log the outage and fall through to the storage
// transaction guards, trading duplicate protection for availability.
package coord

import (
	"context"
	"time"
)

// Coordinator is the cross-process lock and status surface.
//
// All operations are atomic with respect to other processes sharing the
// same backend. A lock is held by exactly one holder until it is released
// or its TTL lapses; acquiring an expired lock succeeds.
type Coordinator interface {
	// Acquire takes the lock if it is free, expired, or already held by
	// this holder. Returns false when another live holder owns it.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// Renew extends a lock this holder still owns. Returns false when the
	// lock expired or was taken over.
	Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// Release drops the lock if this holder owns it. Releasing a lock
	// held by someone else is a no-op.
	Release(ctx context.Context, key, holder string) error

	// SetStatus writes a status value that expires after ttl.
	SetStatus(ctx context.Context, key, value string, ttl time.Duration) error

	// GetStatus reads a status value; ok is false for missing or expired
	// keys.
	GetStatus(ctx context.Context, key string) (value string, ok bool, err error)

	Close() error
}
