package redis

import (
	"context"
	"time"
)

// LockStoreInterface defines the interface for distributed locking.
type LockStoreInterface interface {
	AcquireDeliveryLock(ctx context.Context, deliveryID string, ttl time.Duration) (string, bool, error)
	ReleaseDeliveryLock(ctx context.Context, deliveryID, token string) error
	AcquireRiderLock(ctx context.Context, riderID string, ttl time.Duration) (string, bool, error)
	ReleaseRiderLock(ctx context.Context, riderID, token string) error
}

// Ensure concrete types implement interfaces.
var _ LockStoreInterface = (*LockStore)(nil)
