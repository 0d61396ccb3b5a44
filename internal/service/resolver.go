package service

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"lastmile/internal/bus"
	"lastmile/internal/clock"
	"lastmile/internal/domain"
	"lastmile/internal/lifecycle"
	"lastmile/internal/metrics"
	"lastmile/internal/redis"
	"lastmile/internal/store"
)

// AssignmentResolver lets riders claim pending deliveries.
// It is the only component that moves a delivery out of pending on behalf of a rider.
type AssignmentResolver struct {
	store     *store.Store
	bus       *bus.Bus
	lockStore redis.LockStoreInterface
	locks     deliveryLocks
	riders    *RiderDirectory
	clock     clock.Clock
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewAssignmentResolver creates a new AssignmentResolver.
//
// lockStore is only needed when several replicas share one backend and the store was
// built with store.WithSharedBackend: the Redis locks serialize accepts across
// replicas while the store re-reads the backend inside them. A single replica passes nil.
func NewAssignmentResolver(
	st *store.Store,
	b *bus.Bus,
	lockStore redis.LockStoreInterface,
	riders *RiderDirectory,
	clk clock.Clock,
	m *metrics.Metrics,
	log *zap.Logger,
) *AssignmentResolver {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AssignmentResolver{
		store:     st,
		bus:       b,
		lockStore: lockStore,
		locks:     deliveryLocks{locks: lockStore, log: log},
		riders:    riders,
		clock:     clk,
		metrics:   m,
		log:       log,
	}
}

// ListAvailable returns pending deliveries, newest first. Deliveries created at the
// same instant are ordered by ascending id so the result is stable for a snapshot.
func (r *AssignmentResolver) ListAvailable(ctx context.Context) ([]domain.Delivery, error) {
	pending, err := r.store.List(ctx, store.Filter{Status: domain.DeliveryStatusPending})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return pending, nil
}

// Accept assigns deliveryID to riderID.
//
// Checks run in order: the rider must not hold an active delivery (ErrRiderBusy), then
// the delivery must still be pending (ErrAlreadyTaken). Both are evaluated against the
// current store state while the store lock is held, so two concurrent accepts of the
// same delivery always yield exactly one winner. With a lock store the same holds
// across replicas.
func (r *AssignmentResolver) Accept(ctx context.Context, deliveryID, riderID string) (domain.Delivery, error) {
	if deliveryID == "" {
		return domain.Delivery{}, ErrInvalidDeliveryID
	}
	if riderID == "" {
		return domain.Delivery{}, ErrInvalidRiderID
	}

	if r.lockStore != nil {
		release, err := r.acquireLocks(ctx, deliveryID, riderID)
		if err != nil {
			r.metrics.AcceptAttempt(acceptOutcome(err))
			return domain.Delivery{}, err
		}
		defer release()
	}

	now := r.clock.Now()
	accepted, err := r.store.Mutate(ctx, deliveryID, func(current domain.Delivery, view store.View) (domain.Delivery, error) {
		if hasActiveDelivery(view, riderID) {
			return current, ErrRiderBusy
		}
		if current.Status != domain.DeliveryStatusPending {
			return current, ErrAlreadyTaken
		}
		return lifecycle.Apply(current, lifecycle.EventAssign, riderID, now)
	})
	r.metrics.AcceptAttempt(acceptOutcome(err))
	if err != nil {
		return domain.Delivery{}, err
	}

	r.log.Info("delivery accepted",
		zap.String("delivery_id", accepted.ID),
		zap.String("rider_id", riderID),
	)
	r.bus.Publish(ctx, bus.Event{
		Type:           bus.DeliveryUpdated,
		Delivery:       accepted,
		PreviousStatus: domain.DeliveryStatusPending,
		OccurredAt:     now,
	})

	return accepted, nil
}

// Rider returns the rider with availability derived from the store.
func (r *AssignmentResolver) Rider(ctx context.Context, riderID string) (domain.Rider, error) {
	if riderID == "" {
		return domain.Rider{}, ErrInvalidRiderID
	}

	history, err := r.store.List(ctx, store.Filter{RiderID: riderID})
	if err != nil {
		return domain.Rider{}, err
	}

	name, registered := r.riders.Name(riderID)
	if !registered && len(history) == 0 {
		return domain.Rider{}, ErrUnknownRider
	}

	rider := domain.Rider{
		ID:           riderID,
		Name:         name,
		Availability: domain.RiderAvailable,
	}
	for _, d := range history {
		if d.Status.IsActive() {
			rider.Availability = domain.RiderBusy
			rider.ActiveDeliveryID = d.ID
			break
		}
	}
	return rider, nil
}

// acquireLocks takes the cross-replica delivery and rider locks. The returned
// function releases whatever was taken.
func (r *AssignmentResolver) acquireLocks(ctx context.Context, deliveryID, riderID string) (func(), error) {
	releaseDelivery, err := r.locks.hold(ctx, deliveryID, lockAttempts)
	if errors.Is(err, ErrDeliveryLocked) {
		// Another replica is accepting this delivery right now.
		return nil, ErrAlreadyTaken
	}
	if err != nil {
		return nil, err
	}

	riderToken, ok, err := r.lockStore.AcquireRiderLock(ctx, riderID, riderLockTTL)
	if err != nil || !ok {
		releaseDelivery()
		if err != nil {
			return nil, err
		}
		return nil, ErrRiderBusy
	}

	return func() {
		if err := r.lockStore.ReleaseRiderLock(context.WithoutCancel(ctx), riderID, riderToken); err != nil {
			r.log.Warn("failed to release rider lock", zap.String("rider_id", riderID), zap.Error(err))
		}
		releaseDelivery()
	}, nil
}

func hasActiveDelivery(view store.View, riderID string) bool {
	for _, d := range view.List(store.Filter{RiderID: riderID}) {
		if d.Status.IsActive() {
			return true
		}
	}
	return false
}

func acceptOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrAlreadyTaken):
		return "already_taken"
	case errors.Is(err, ErrRiderBusy):
		return "rider_busy"
	default:
		return "error"
	}
}
