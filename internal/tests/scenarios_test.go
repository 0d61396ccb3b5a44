package tests

import (
	"context"
	"errors"
	"testing"
	"time"

	"lastmile/internal/bus"
	"lastmile/internal/clock"
	"lastmile/internal/domain"
	"lastmile/internal/lifecycle"
	"lastmile/internal/service"
	"lastmile/internal/store"
)

// ──────────────────────────────────────────────
// END-TO-END DELIVERY SCENARIOS
// ──────────────────────────────────────────────

type harness struct {
	clock      *clock.Fake
	repo       *MockDeliveryRepository
	store      *store.Store
	bus        *bus.Bus
	recorder   *Recorder
	deliveries *service.DeliveryService
	resolver   *service.AssignmentResolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clk := clock.NewFake(testEpoch)
	repo := NewMockDeliveryRepository()
	st := newStore(repo, clk)
	b := bus.New(nil, nil)
	rec := &Recorder{}
	b.SubscribeAll(rec.Handle)

	return &harness{
		clock:      clk,
		repo:       repo,
		store:      st,
		bus:        b,
		recorder:   rec,
		deliveries: service.NewDeliveryService(st, b, clk, nil),
		resolver:   service.NewAssignmentResolver(st, b, nil, service.NewRiderDirectory(), clk, nil, nil),
	}
}

func (h *harness) create(t *testing.T, fee float64) domain.Delivery {
	t.Helper()
	d, err := h.deliveries.Create(context.Background(), service.CreateDeliveryRequest{
		Pickup:      "7 Broad Street",
		Dropoff:     "22 Awolowo Road",
		PackageSize: domain.PackageSizeMedium,
		DeliveryFee: fee,
	})
	if err != nil {
		t.Fatalf("create delivery: %v", err)
	}
	return d
}

func TestScenario_CreateDelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	d := h.create(t, 600)

	if d.Status != domain.DeliveryStatusPending {
		t.Errorf("expected pending, got %s", d.Status)
	}
	if d.RiderID != "" {
		t.Errorf("expected no rider, got %s", d.RiderID)
	}
	if !d.CreatedAt.Equal(testEpoch) {
		t.Errorf("expected createdAt %v, got %v", testEpoch, d.CreatedAt)
	}
	if d.DeliveryFee != 600 {
		t.Errorf("expected fee 600, got %v", d.DeliveryFee)
	}
	if _, ok := h.repo.Saved(d.ID); !ok {
		t.Error("expected delivery to be persisted")
	}

	announced := h.recorder.OfType(bus.NewDeliveryAvailable)
	if len(announced) != 1 || announced[0].Delivery.ID != d.ID {
		t.Errorf("expected one newDeliveryAvailable for %s, got %+v", d.ID, announced)
	}
}

func TestScenario_SecondAcceptIsAlreadyTaken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	d1 := h.create(t, 900)

	h.clock.Advance(30 * time.Second)
	accepted, err := h.resolver.Accept(ctx, d1.ID, "R1")
	if err != nil {
		t.Fatalf("R1 accept: %v", err)
	}
	if accepted.Status != domain.DeliveryStatusAccepted || accepted.RiderID != "R1" {
		t.Errorf("expected accepted by R1, got %s by %q", accepted.Status, accepted.RiderID)
	}
	if !accepted.AcceptedAt.Equal(testEpoch.Add(30 * time.Second)) {
		t.Errorf("unexpected acceptedAt %v", accepted.AcceptedAt)
	}

	_, err = h.resolver.Accept(ctx, d1.ID, "R2")
	if !errors.Is(err, service.ErrAlreadyTaken) {
		t.Fatalf("expected ErrAlreadyTaken, got %v", err)
	}

	got, _ := h.deliveries.Get(ctx, d1.ID)
	if got.RiderID != "R1" {
		t.Errorf("losing accept must not change the rider, got %q", got.RiderID)
	}

	updates := h.recorder.OfType(bus.DeliveryUpdated)
	if len(updates) != 1 {
		t.Fatalf("expected exactly one deliveryUpdated, got %d", len(updates))
	}
	if updates[0].PreviousStatus != domain.DeliveryStatusPending {
		t.Errorf("expected previous status pending, got %s", updates[0].PreviousStatus)
	}
}

func TestScenario_RiderWithActiveDeliveryIsBusy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	d1 := h.create(t, 500)
	d2 := h.create(t, 700)

	if _, err := h.resolver.Accept(ctx, d1.ID, "R1"); err != nil {
		t.Fatalf("accept d1: %v", err)
	}

	_, err := h.resolver.Accept(ctx, d2.ID, "R1")
	if !errors.Is(err, service.ErrRiderBusy) {
		t.Fatalf("expected ErrRiderBusy, got %v", err)
	}

	got, _ := h.deliveries.Get(ctx, d2.ID)
	if got.Status != domain.DeliveryStatusPending {
		t.Errorf("d2 should still be pending, got %s", got.Status)
	}

	// Once d1 is done the rider is free again.
	for i := 0; i < 3; i++ {
		if _, err := h.deliveries.Advance(ctx, d1.ID); err != nil {
			t.Fatalf("advance d1: %v", err)
		}
	}
	if _, err := h.resolver.Accept(ctx, d2.ID, "R1"); err != nil {
		t.Errorf("expected R1 to be free after completing d1, got %v", err)
	}
}

func TestScenario_PropagatorCompletesInTransitOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	d1 := h.create(t, 800)

	if _, err := h.resolver.Accept(ctx, d1.ID, "R1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := h.deliveries.Advance(ctx, d1.ID); err != nil {
		t.Fatalf("advance to picked_up: %v", err)
	}
	if _, err := h.deliveries.Advance(ctx, d1.ID); err != nil {
		t.Fatalf("advance to in_transit: %v", err)
	}

	policy := service.DefaultPolicy()
	// Miss twice, then hit.
	rng := &ScriptedRandom{draws: []float64{0.9, 0.95, 0.1}}
	p := service.NewPropagator(
		h.store, h.bus, policy, h.clock, rng, nil,
	)

	h.clock.Advance(policy.Thresholds[domain.DeliveryStatusInTransit] + time.Second)
	before := len(h.recorder.OfType(bus.DeliveryUpdated))

	for i := 0; i < 10; i++ {
		p.Tick(ctx)
		h.clock.Advance(policy.Interval)
	}

	completions := h.recorder.OfType(bus.DeliveryUpdated)[before:]
	if len(completions) != 1 {
		t.Fatalf("expected exactly one update after ticking, got %d", len(completions))
	}
	if completions[0].Delivery.Status != domain.DeliveryStatusCompleted {
		t.Errorf("expected completed, got %s", completions[0].Delivery.Status)
	}
	if completions[0].PreviousStatus != domain.DeliveryStatusInTransit {
		t.Errorf("expected previous in_transit, got %s", completions[0].PreviousStatus)
	}
	if rng.Used != 3 {
		t.Errorf("completed deliveries must not consume draws, used %d", rng.Used)
	}
}

func TestScenario_CancelledDeliveryRejectsAssign(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	d := h.create(t, 400)

	cancelled, err := h.deliveries.Cancel(ctx, d.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.DeliveryStatusCancelled || cancelled.CancelledAt.IsZero() {
		t.Errorf("expected cancelled with timestamp, got %+v", cancelled)
	}

	_, err = lifecycle.Apply(cancelled, lifecycle.EventAssign, "R1", h.clock.Now())
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition from the machine, got %v", err)
	}

	// Through the resolver a non-pending delivery is reported as taken.
	_, err = h.resolver.Accept(ctx, d.ID, "R1")
	if !errors.Is(err, service.ErrAlreadyTaken) {
		t.Errorf("expected ErrAlreadyTaken from the resolver, got %v", err)
	}

	if _, err := h.deliveries.Cancel(ctx, d.ID); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("second cancel: expected ErrInvalidTransition, got %v", err)
	}
}
