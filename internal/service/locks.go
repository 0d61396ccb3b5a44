package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"lastmile/internal/redis"
)

const (
	deliveryLockTTL = 10 * time.Second
	riderLockTTL    = 10 * time.Second

	lockAttempts   = 5
	lockRetryDelay = 20 * time.Millisecond
)

// deliveryLocks serializes writers of one delivery across replicas that share a
// backend. Without a lock store it is a no-op and the store mutex alone orders writes.
type deliveryLocks struct {
	locks redis.LockStoreInterface
	log   *zap.Logger
}

// hold takes the delivery lock, trying up to attempts times. A lock that stays taken
// yields ErrDeliveryLocked. The returned function releases the lock.
func (l deliveryLocks) hold(ctx context.Context, deliveryID string, attempts int) (func(), error) {
	if l.locks == nil {
		return func() {}, nil
	}

	for i := 1; ; i++ {
		token, ok, err := l.locks.AcquireDeliveryLock(ctx, deliveryID, deliveryLockTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { l.release(ctx, deliveryID, token) }, nil
		}
		if i >= attempts {
			return nil, ErrDeliveryLocked
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}

func (l deliveryLocks) release(ctx context.Context, deliveryID, token string) {
	if err := l.locks.ReleaseDeliveryLock(context.WithoutCancel(ctx), deliveryID, token); err != nil {
		l.log.Warn("failed to release delivery lock", zap.String("delivery_id", deliveryID), zap.Error(err))
	}
}
