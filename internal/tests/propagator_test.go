package tests

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"lastmile/internal/bus"
	"lastmile/internal/clock"
	"lastmile/internal/domain"
	"lastmile/internal/lifecycle"
	"lastmile/internal/metrics"
	"lastmile/internal/service"
	"lastmile/internal/store"
)

// ──────────────────────────────────────────────
// PROPAGATOR
// ──────────────────────────────────────────────

// seedActive creates n deliveries and accepts each with its own rider.
func seedActive(t *testing.T, st *store.Store, clk *clock.Fake, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		d, err := st.Create(ctx, newDelivery("pickup", "dropoff"))
		require.NoError(t, err)
		_, err = st.Mutate(ctx, d.ID, func(cur domain.Delivery, _ store.View) (domain.Delivery, error) {
			return lifecycle.Apply(cur, lifecycle.EventAssign, "rider-"+d.ID, clk.Now())
		})
		require.NoError(t, err)
	}
}

func statuses(t *testing.T, st *store.Store) map[string]domain.DeliveryStatus {
	t.Helper()
	all, err := st.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	out := make(map[string]domain.DeliveryStatus, len(all))
	for _, d := range all {
		out[d.ID] = d.Status
	}
	return out
}

func fastPolicy() service.Policy {
	p := service.DefaultPolicy()
	p.Interval = time.Second
	return p
}

func TestPropagator_SameSeedSameDecisions(t *testing.T) {
	t.Parallel()

	run := func() map[string]domain.DeliveryStatus {
		clk := clock.NewFake(testEpoch)
		st := newStore(nil, clk)
		seedActive(t, st, clk, 12)

		p := service.NewPropagator(st, bus.New(nil, nil), fastPolicy(), clk, rand.New(rand.NewSource(42)), nil,
			service.WithDemand(service.NewDemandGenerator(42)),
		)
		for i := 0; i < 40; i++ {
			clk.Advance(time.Minute)
			p.Tick(context.Background())
		}
		return statuses(t, st)
	}

	first := run()
	second := run()
	require.Equal(t, first, second)
}

func TestPropagator_NotDueConsumesNoDraws(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(testEpoch)
	st := newStore(nil, clk)
	seedActive(t, st, clk, 3)

	rng := &ScriptedRandom{draws: []float64{0}}
	p := service.NewPropagator(st, bus.New(nil, nil), fastPolicy(), clk, rng, nil)

	clk.Advance(time.Minute) // below the 2 minute accepted threshold
	res := p.Tick(context.Background())
	require.Empty(t, res.Advanced)
	require.Zero(t, rng.Used)

	clk.Advance(time.Minute) // exactly at the threshold
	res = p.Tick(context.Background())
	require.Len(t, res.Advanced, 3)
	require.Equal(t, 3, rng.Used)
	for i, d := range res.Advanced {
		require.Equal(t, domain.DeliveryStatusPickedUp, d.Status)
		if i > 0 {
			require.Less(t, res.Advanced[i-1].ID, d.ID, "visited in ascending id order")
		}
	}
}

func TestPropagator_PendingAndTerminalAreNeverTouched(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(testEpoch)
	st := newStore(nil, clk)
	ctx := context.Background()

	pending, err := st.Create(ctx, newDelivery("a", "b"))
	require.NoError(t, err)
	cancelled, err := st.Create(ctx, newDelivery("c", "d"))
	require.NoError(t, err)
	_, err = st.Mutate(ctx, cancelled.ID, func(cur domain.Delivery, _ store.View) (domain.Delivery, error) {
		return lifecycle.Apply(cur, lifecycle.EventCancel, "", clk.Now())
	})
	require.NoError(t, err)

	rng := &ScriptedRandom{draws: []float64{0}}
	p := service.NewPropagator(st, bus.New(nil, nil), fastPolicy(), clk, rng, nil)
	clk.Advance(time.Hour)
	res := p.Tick(ctx)

	require.Empty(t, res.Advanced)
	require.Zero(t, rng.Used)
	got := statuses(t, st)
	require.Equal(t, domain.DeliveryStatusPending, got[pending.ID])
	require.Equal(t, domain.DeliveryStatusCancelled, got[cancelled.ID])
}

func TestPropagator_PersistenceFailureSkipsOnlyThatDelivery(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(testEpoch)
	repo := NewMockDeliveryRepository()
	st := newStore(repo, clk)
	seedActive(t, st, clk, 3)

	repo.FailSavesFor("d-02")

	core, logs := observer.New(zap.ErrorLevel)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rec := &Recorder{}
	b := bus.New(nil, nil)
	b.Subscribe(bus.DeliveryUpdated, rec.Handle)

	p := service.NewPropagator(st, b, fastPolicy(), clk, &ScriptedRandom{draws: []float64{0}}, zap.New(core),
		service.WithMetrics(m),
	)
	clk.Advance(5 * time.Minute)
	res := p.Tick(context.Background())

	require.Len(t, res.Advanced, 2)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, logs.FilterMessage("failed to advance delivery").Len())
	require.Equal(t, float64(1), testutil.ToFloat64(m.PropagatorErrors))

	got := statuses(t, st)
	require.Equal(t, domain.DeliveryStatusPickedUp, got["d-01"])
	require.Equal(t, domain.DeliveryStatusAccepted, got["d-02"], "failed write must leave the record unchanged")
	require.Equal(t, domain.DeliveryStatusPickedUp, got["d-03"])

	saved, _ := repo.Saved("d-02")
	require.Equal(t, domain.DeliveryStatusAccepted, saved.Status)
	require.Len(t, rec.Events(), 2, "no event for the failed transition")
}

func TestPropagator_StartStop(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(testEpoch)
	st := newStore(nil, clk)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	policy := fastPolicy()
	p := service.NewPropagator(st, bus.New(nil, nil), policy, clk, rand.New(rand.NewSource(1)), nil, service.WithMetrics(m))

	require.NoError(t, p.Start(context.Background()))
	require.ErrorIs(t, p.Start(context.Background()), service.ErrPropagatorStarted)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Ticks) >= 1
	}, 5*time.Second, 20*time.Millisecond)

	p.Stop()
	p.Stop()

	ticks := testutil.ToFloat64(m.Ticks)
	time.Sleep(2 * policy.Interval)
	require.Equal(t, ticks, testutil.ToFloat64(m.Ticks), "no ticks after Stop")
	require.Error(t, p.Start(context.Background()), "a stopped propagator cannot restart")
}

func TestPropagator_StopWithoutStart(t *testing.T) {
	t.Parallel()
	p := service.NewPropagator(newStore(nil, clock.NewFake(testEpoch)), nil, fastPolicy(), nil, nil, nil)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without Start")
	}
}

func TestPropagator_StartRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(testEpoch)

	for name, policy := range map[string]service.Policy{
		"zero value":        {},
		"interval too long": {Interval: time.Hour},
		"bad probability": {
			Interval:      time.Second,
			Probabilities: map[domain.DeliveryStatus]float64{domain.DeliveryStatusAccepted: 1.5},
		},
	} {
		p := service.NewPropagator(newStore(nil, clk), bus.New(nil, nil), policy, clk, nil, nil)
		require.Error(t, p.Start(context.Background()), name)
		p.Stop()
	}

	// A rejected Start leaves a valid propagator untouched.
	p := service.NewPropagator(newStore(nil, clk), bus.New(nil, nil), fastPolicy(), clk, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	p.Stop()
}

func TestPropagator_SkipsDeliveryLockedElsewhere(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(testEpoch)
	st := newStore(nil, clk)
	seedActive(t, st, clk, 2)
	locks := NewMockLockStore()
	locks.Hold("delivery:d-01")

	rng := &ScriptedRandom{draws: []float64{0, 0}}
	p := service.NewPropagator(st, bus.New(nil, nil), fastPolicy(), clk, rng, nil, service.WithLocks(locks))
	clk.Advance(3 * time.Minute)

	res := p.Tick(context.Background())
	require.Equal(t, 1, res.Skipped)
	require.Zero(t, res.Failed)
	require.Len(t, res.Advanced, 1)
	require.Equal(t, 2, rng.Used, "a locked delivery still consumes its draw")

	got := statuses(t, st)
	require.Equal(t, domain.DeliveryStatusAccepted, got["d-01"])
	require.Equal(t, domain.DeliveryStatusPickedUp, got["d-02"])
	require.Equal(t, 1, locks.Held(), "only the foreign lock remains")
}

func TestPropagator_ConcurrentManualTransitionIsNotOverwritten(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(testEpoch)
	st := newStore(nil, clk)
	seedActive(t, st, clk, 20)
	ctx := context.Background()

	p := service.NewPropagator(st, bus.New(nil, nil), fastPolicy(), clk, &ScriptedRandom{draws: []float64{0}}, nil)
	deliveries := service.NewDeliveryService(st, nil, clk, nil)
	clk.Advance(3 * time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.Tick(ctx)
	}()
	cancelled := make(map[string]bool)
	var mu sync.Mutex
	go func() {
		defer wg.Done()
		for _, id := range []string{"d-05", "d-10", "d-15", "d-20"} {
			if _, err := deliveries.Cancel(ctx, id); err == nil {
				mu.Lock()
				cancelled[id] = true
				mu.Unlock()
			} else if !errors.Is(err, lifecycle.ErrInvalidTransition) {
				t.Errorf("cancel %s: %v", id, err)
			}
		}
	}()
	wg.Wait()

	got := statuses(t, st)
	for id := range cancelled {
		require.Equal(t, domain.DeliveryStatusCancelled, got[id], "cancel of %s must stick", id)
	}
	for id, status := range got {
		if !cancelled[id] {
			require.Equal(t, domain.DeliveryStatusPickedUp, status, id)
		}
	}
}
