// Package redis holds the Redis-backed collaborators: cross-replica locks and
// the bus bridge to Redis pub/sub.
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our token, so a lock that
// expired and was taken over by another replica is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockStore handles distributed locking in Redis.
type LockStore struct {
	client *redis.Client
}

// NewLockStore creates a new LockStore.
func NewLockStore(client *redis.Client) *LockStore {
	return &LockStore{client: client}
}

// AcquireDeliveryLock attempts to lock a delivery for an accept attempt.
// It returns the lock token and whether the lock was acquired.
func (s *LockStore) AcquireDeliveryLock(ctx context.Context, deliveryID string, ttl time.Duration) (string, bool, error) {
	return s.acquire(ctx, deliveryLockKey(deliveryID), ttl)
}

// ReleaseDeliveryLock releases a delivery lock held with token.
func (s *LockStore) ReleaseDeliveryLock(ctx context.Context, deliveryID, token string) error {
	return s.release(ctx, deliveryLockKey(deliveryID), token)
}

// AcquireRiderLock attempts to lock a rider while one of their accepts is in flight.
func (s *LockStore) AcquireRiderLock(ctx context.Context, riderID string, ttl time.Duration) (string, bool, error) {
	return s.acquire(ctx, riderLockKey(riderID), ttl)
}

// ReleaseRiderLock releases a rider lock held with token.
func (s *LockStore) ReleaseRiderLock(ctx context.Context, riderID, token string) error {
	return s.release(ctx, riderLockKey(riderID), token)
}

func (s *LockStore) acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, err := newToken()
	if err != nil {
		return "", false, err
	}

	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (s *LockStore) release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, s.client, []string{key}, token).Err()
}

func deliveryLockKey(deliveryID string) string {
	return fmt.Sprintf("lock:delivery:%s", deliveryID)
}

func riderLockKey(riderID string) string {
	return fmt.Sprintf("lock:rider:%s", riderID)
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
