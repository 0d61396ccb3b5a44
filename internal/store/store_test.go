package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lastmile/internal/clock"
	"lastmile/internal/domain"
	"lastmile/internal/repository"
)

type memRepo struct {
	mu      sync.Mutex
	saved   map[string]domain.Delivery
	saves   int
	failErr error
}

func newMemRepo() *memRepo {
	return &memRepo{saved: make(map[string]domain.Delivery)}
}

func (r *memRepo) LoadAll(ctx context.Context) ([]domain.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return nil, r.failErr
	}
	out := make([]domain.Delivery, 0, len(r.saved))
	for _, d := range r.saved {
		out = append(out, d)
	}
	// Ordered by seq like the real backends.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Seq < out[j-1].Seq; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (r *memRepo) Save(ctx context.Context, d *domain.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	r.saves++
	r.saved[d.ID] = *d
	return nil
}

func sequentialIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("d-%03d", n)
	}
}

func newTestStore(repo repository.DeliveryRepository) *Store {
	return New(repo,
		WithClock(clock.NewFake(time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC))),
		WithIDGenerator(sequentialIDs()),
	)
}

func TestCreate_StartsPending(t *testing.T) {
	repo := newMemRepo()
	s := newTestStore(repo)

	d, err := s.Create(context.Background(), domain.NewDelivery{
		Pickup:      "12 Marina Road",
		Dropoff:     "4 Allen Avenue",
		DeliveryFee: 600,
	})
	require.NoError(t, err)

	require.Equal(t, "d-001", d.ID)
	require.Equal(t, domain.DeliveryStatusPending, d.Status)
	require.Empty(t, d.RiderID)
	require.Equal(t, domain.PaymentStatusPending, d.PaymentStatus)
	require.False(t, d.CreatedAt.IsZero())
	require.True(t, d.AcceptedAt.IsZero())
	require.Equal(t, int64(1), d.Seq)

	require.Equal(t, 1, repo.saves)
	require.Equal(t, d, repo.saved[d.ID])
}

func TestCreate_DefaultIDGeneratorIsUnique(t *testing.T) {
	s := New(nil)
	a, err := s.Create(context.Background(), domain.NewDelivery{})
	require.NoError(t, err)
	b, err := s.Create(context.Background(), domain.NewDelivery{})
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(nil)
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestList_FiltersInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(nil)

	for i := 0; i < 4; i++ {
		_, err := s.Create(ctx, domain.NewDelivery{DeliveryFee: float64(i)})
		require.NoError(t, err)
	}
	_, err := s.Mutate(ctx, "d-002", func(cur domain.Delivery, _ View) (domain.Delivery, error) {
		cur.Status = domain.DeliveryStatusAccepted
		cur.RiderID = "r-1"
		return cur, nil
	})
	require.NoError(t, err)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, []string{"d-001", "d-002", "d-003", "d-004"}, ids(all))

	pending, err := s.List(ctx, Filter{Status: domain.DeliveryStatusPending})
	require.NoError(t, err)
	require.Equal(t, []string{"d-001", "d-003", "d-004"}, ids(pending))

	byRider, err := s.List(ctx, Filter{RiderID: "r-1", Status: domain.DeliveryStatusAccepted})
	require.NoError(t, err)
	require.Equal(t, []string{"d-002"}, ids(byRider))
}

func TestMutate_PersistenceFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	s := newTestStore(repo)

	d, err := s.Create(ctx, domain.NewDelivery{DeliveryFee: 600})
	require.NoError(t, err)

	repo.failErr = errors.New("disk full")
	_, err = s.Mutate(ctx, d.ID, func(cur domain.Delivery, _ View) (domain.Delivery, error) {
		cur.Status = domain.DeliveryStatusCancelled
		return cur, nil
	})
	require.ErrorIs(t, err, ErrPersistence)

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DeliveryStatusPending, got.Status)
}

func TestCreate_PersistenceFailureIsNotVisible(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.failErr = errors.New("quota exceeded")
	s := newTestStore(repo)

	_, err := s.Create(ctx, domain.NewDelivery{})
	require.ErrorIs(t, err, ErrPersistence)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestMutate_DecisionErrorIsReturnedAsIs(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	s := newTestStore(repo)
	d, err := s.Create(ctx, domain.NewDelivery{})
	require.NoError(t, err)

	sentinel := errors.New("nope")
	_, err = s.Mutate(ctx, d.ID, func(domain.Delivery, View) (domain.Delivery, error) {
		return domain.Delivery{}, sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, repo.saves)
}

func TestMutate_IdentityFieldsAreImmutable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(nil)
	d, err := s.Create(ctx, domain.NewDelivery{})
	require.NoError(t, err)

	got, err := s.Mutate(ctx, d.ID, func(cur domain.Delivery, _ View) (domain.Delivery, error) {
		cur.ID = "hijack"
		cur.CreatedAt = time.Time{}
		cur.Seq = 99
		return cur, nil
	})
	require.NoError(t, err)
	require.Equal(t, d.ID, got.ID)
	require.Equal(t, d.CreatedAt, got.CreatedAt)
	require.Equal(t, d.Seq, got.Seq)
}

func TestMutate_ViewSeesCurrentCollection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(nil)
	a, _ := s.Create(ctx, domain.NewDelivery{})
	_, _ = s.Create(ctx, domain.NewDelivery{})

	var seen int
	_, err := s.Mutate(ctx, a.ID, func(cur domain.Delivery, v View) (domain.Delivery, error) {
		seen = len(v.List(Filter{Status: domain.DeliveryStatusPending}))
		return cur, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, seen)
}

func TestMutate_ConcurrentWritersAreLinearized(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	d, err := s.Create(ctx, domain.NewDelivery{})
	require.NoError(t, err)

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Mutate(ctx, d.ID, func(cur domain.Delivery, _ View) (domain.Delivery, error) {
				cur.DeliveryFee++
				return cur, nil
			})
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, float64(writers), got.DeliveryFee)
}

func TestLoad_RestoresOrderAndSequence(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()

	first := newTestStore(repo)
	for i := 0; i < 3; i++ {
		_, err := first.Create(ctx, domain.NewDelivery{})
		require.NoError(t, err)
	}

	second := New(repo, WithIDGenerator(func() string { return "d-new" }))
	require.NoError(t, second.Load(ctx))

	all, err := second.List(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, []string{"d-001", "d-002", "d-003"}, ids(all))

	created, err := second.Create(ctx, domain.NewDelivery{})
	require.NoError(t, err)
	require.Equal(t, int64(4), created.Seq)
}

func TestLoad_Failure(t *testing.T) {
	repo := newMemRepo()
	repo.failErr = errors.New("connection refused")
	err := New(repo).Load(context.Background())
	require.ErrorIs(t, err, ErrPersistence)
}

func ids(ds []domain.Delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

func TestSharedBackend_ReplicasSeeEachOthersWrites(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()

	var n int
	nextID := func() string {
		n++
		return fmt.Sprintf("d-%03d", n)
	}
	a := New(repo, WithSharedBackend(), WithIDGenerator(nextID))
	b := New(repo, WithSharedBackend(), WithIDGenerator(nextID))
	isolated := New(repo)

	d, err := a.Create(ctx, domain.NewDelivery{Pickup: "p", Dropoff: "q"})
	require.NoError(t, err)

	got, err := b.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DeliveryStatusPending, got.Status)

	_, err = b.Mutate(ctx, d.ID, func(cur domain.Delivery, _ View) (domain.Delivery, error) {
		cur.Status = domain.DeliveryStatusAccepted
		cur.RiderID = "R1"
		return cur, nil
	})
	require.NoError(t, err)

	// a decides from the record b wrote, not from its own stale copy.
	_, err = a.Mutate(ctx, d.ID, func(cur domain.Delivery, view View) (domain.Delivery, error) {
		require.Equal(t, "R1", cur.RiderID)
		require.Len(t, view.List(Filter{RiderID: "R1"}), 1)
		return cur, nil
	})
	require.NoError(t, err)

	second, err := b.Create(ctx, domain.NewDelivery{})
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Seq, "sequence continues from the shared backend")

	all, err := a.List(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, []string{"d-001", "d-002"}, ids(all))

	_, err = isolated.Get(ctx, d.ID)
	require.ErrorIs(t, err, repository.ErrNotFound, "without the option the store only knows what it loaded")
}

func TestSharedBackend_RefreshFailure(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, WithSharedBackend())
	repo.failErr = errors.New("connection refused")

	_, err := s.List(context.Background(), Filter{})
	require.ErrorIs(t, err, ErrPersistence)
}
