package tests

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lastmile/internal/bus"
	"lastmile/internal/clock"
	"lastmile/internal/domain"
	"lastmile/internal/redis"
	"lastmile/internal/store"
)

// ErrMockDisk is the failure injected by the mocks.
var ErrMockDisk = errors.New("mock: disk unavailable")

// testEpoch is the fake clock's starting point in every scenario.
var testEpoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// ──────────────────────────────────────────────
// MOCK DELIVERY REPOSITORY
// ──────────────────────────────────────────────

// MockDeliveryRepository is a mock implementation of DeliveryRepository.
type MockDeliveryRepository struct {
	mu         sync.RWMutex
	deliveries map[string]domain.Delivery

	// Counters for verification
	SaveCallCount    int32
	LoadAllCallCount int32

	// Error injection
	saveErr     error
	failSaveFor map[string]bool
	LoadAllErr  error
}

// NewMockDeliveryRepository creates a new mock delivery repository.
func NewMockDeliveryRepository() *MockDeliveryRepository {
	return &MockDeliveryRepository{
		deliveries:  make(map[string]domain.Delivery),
		failSaveFor: make(map[string]bool),
	}
}

// FailSaves makes every Save return err until called again with nil.
func (m *MockDeliveryRepository) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// FailSavesFor makes Save fail only for the given delivery.
func (m *MockDeliveryRepository) FailSavesFor(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSaveFor[id] = true
}

func (m *MockDeliveryRepository) Save(ctx context.Context, d *domain.Delivery) error {
	atomic.AddInt32(&m.SaveCallCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.failSaveFor[d.ID] {
		return ErrMockDisk
	}
	m.deliveries[d.ID] = *d
	return nil
}

func (m *MockDeliveryRepository) LoadAll(ctx context.Context) ([]domain.Delivery, error) {
	atomic.AddInt32(&m.LoadAllCallCount, 1)
	if m.LoadAllErr != nil {
		return nil, m.LoadAllErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Delivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Saved returns the persisted copy of a delivery.
func (m *MockDeliveryRepository) Saved(id string) (domain.Delivery, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	return d, ok
}

// ──────────────────────────────────────────────
// MOCK LOCK STORE
// ──────────────────────────────────────────────

// MockLockStore is an in-memory stand-in for the Redis lock store.
type MockLockStore struct {
	mu    sync.Mutex
	held  map[string]string
	next  int
	Calls int32

	AcquireErr error
}

// NewMockLockStore creates a new mock lock store.
func NewMockLockStore() *MockLockStore {
	return &MockLockStore{held: make(map[string]string)}
}

// Hold marks key as taken by another replica.
func (m *MockLockStore) Hold(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[key] = "other-replica"
}

// Held reports how many locks are currently taken.
func (m *MockLockStore) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

func (m *MockLockStore) acquire(key string) (string, bool, error) {
	atomic.AddInt32(&m.Calls, 1)
	if m.AcquireErr != nil {
		return "", false, m.AcquireErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return "", false, nil
	}
	m.next++
	token := fmt.Sprintf("token-%d", m.next)
	m.held[key] = token
	return token, true, nil
}

func (m *MockLockStore) release(key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] == token {
		delete(m.held, key)
	}
	return nil
}

func (m *MockLockStore) AcquireDeliveryLock(ctx context.Context, deliveryID string, ttl time.Duration) (string, bool, error) {
	return m.acquire("delivery:" + deliveryID)
}

func (m *MockLockStore) ReleaseDeliveryLock(ctx context.Context, deliveryID, token string) error {
	return m.release("delivery:"+deliveryID, token)
}

func (m *MockLockStore) AcquireRiderLock(ctx context.Context, riderID string, ttl time.Duration) (string, bool, error) {
	return m.acquire("rider:" + riderID)
}

func (m *MockLockStore) ReleaseRiderLock(ctx context.Context, riderID, token string) error {
	return m.release("rider:"+riderID, token)
}

var _ redis.LockStoreInterface = (*MockLockStore)(nil)

// ──────────────────────────────────────────────
// RECORDING SUBSCRIBER
// ──────────────────────────────────────────────

// Recorder collects every event it is handed.
type Recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *Recorder) Handle(ctx context.Context, e bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t bus.EventType) []bus.Event {
	var out []bus.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// ──────────────────────────────────────────────
// FIXED RANDOM SOURCE
// ──────────────────────────────────────────────

// ScriptedRandom replays a fixed sequence of draws and then repeats the last one.
type ScriptedRandom struct {
	mu    sync.Mutex
	draws []float64
	Used  int
}

func (r *ScriptedRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.draws) == 0 {
		return 0
	}
	i := r.Used
	if i >= len(r.draws) {
		i = len(r.draws) - 1
	}
	r.Used++
	return r.draws[i]
}

// ──────────────────────────────────────────────
// STORE HELPERS
// ──────────────────────────────────────────────

// newStore builds a store with a fake clock and ids d-01, d-02 and so on.
// newReplica returns a store that shares repo with other replicas. Ids carry the
// replica name so two replicas never mint the same one.
func newReplica(repo *MockDeliveryRepository, clk *clock.Fake, name string) *store.Store {
	n := 0
	return store.New(repo,
		store.WithSharedBackend(),
		store.WithClock(clk),
		store.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("%s-%02d", name, n)
		}),
	)
}

func newStore(repo *MockDeliveryRepository, clk *clock.Fake) *store.Store {
	n := 0
	var opts []store.Option
	opts = append(opts, store.WithClock(clk), store.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("d-%02d", n)
	}))
	if repo == nil {
		return store.New(nil, opts...)
	}
	return store.New(repo, opts...)
}

func newDelivery(pickup, dropoff string) domain.NewDelivery {
	return domain.NewDelivery{
		Pickup:      pickup,
		Dropoff:     dropoff,
		PackageSize: domain.PackageSizeSmall,
		DeliveryFee: 1200,
	}
}
