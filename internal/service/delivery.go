package service

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"lastmile/internal/bus"
	"lastmile/internal/clock"
	"lastmile/internal/domain"
	"lastmile/internal/lifecycle"
	"lastmile/internal/redis"
	"lastmile/internal/store"
)

// DeliveryService handles sender and operator operations on deliveries.
// Every status change goes through the lifecycle machine; raw store updates are never exposed.
type DeliveryService struct {
	store *store.Store
	bus   *bus.Bus
	clock clock.Clock
	locks deliveryLocks
	log   *zap.Logger
}

// DeliveryServiceOption configures a DeliveryService.
type DeliveryServiceOption func(*DeliveryService)

// WithDeliveryLocks makes every status or payment change hold the delivery lock, so
// replicas sharing a backend never overwrite each other's writes.
func WithDeliveryLocks(lockStore redis.LockStoreInterface) DeliveryServiceOption {
	return func(s *DeliveryService) { s.locks.locks = lockStore }
}

// NewDeliveryService creates a new DeliveryService.
func NewDeliveryService(st *store.Store, b *bus.Bus, clk clock.Clock, log *zap.Logger, opts ...DeliveryServiceOption) *DeliveryService {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &DeliveryService{store: st, bus: b, clock: clk, log: log}
	s.locks.log = log
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDeliveryRequest contains the parameters for creating a delivery.
type CreateDeliveryRequest struct {
	Pickup             string
	Dropoff            string
	PackageSize        domain.PackageSize
	PackageDescription string
	ReceiverName       string
	ReceiverPhone      string
	DeliveryFee        float64
	PaymentStatus      domain.PaymentStatus // Optional: defaults to pending
}

// Create validates the request, stores a pending delivery and announces it to riders.
func (s *DeliveryService) Create(ctx context.Context, req CreateDeliveryRequest) (domain.Delivery, error) {
	pickup := strings.TrimSpace(req.Pickup)
	dropoff := strings.TrimSpace(req.Dropoff)
	if pickup == "" || dropoff == "" {
		return domain.Delivery{}, ErrInvalidLocation
	}
	if req.DeliveryFee < 0 || math.IsNaN(req.DeliveryFee) || math.IsInf(req.DeliveryFee, 0) {
		return domain.Delivery{}, ErrInvalidFee
	}
	switch req.PackageSize {
	case "", domain.PackageSizeSmall, domain.PackageSizeMedium, domain.PackageSizeLarge:
	default:
		return domain.Delivery{}, ErrInvalidPackageSize
	}
	if req.PaymentStatus != "" && !req.PaymentStatus.Valid() {
		return domain.Delivery{}, ErrInvalidPaymentStatus
	}

	d, err := s.store.Create(ctx, domain.NewDelivery{
		Pickup:             pickup,
		Dropoff:            dropoff,
		PackageSize:        req.PackageSize,
		PackageDescription: strings.TrimSpace(req.PackageDescription),
		ReceiverName:       strings.TrimSpace(req.ReceiverName),
		ReceiverPhone:      strings.TrimSpace(req.ReceiverPhone),
		DeliveryFee:        req.DeliveryFee,
		PaymentStatus:      req.PaymentStatus,
	})
	if err != nil {
		return domain.Delivery{}, err
	}

	s.log.Info("delivery created", zap.String("delivery_id", d.ID), zap.Float64("fee", d.DeliveryFee))
	s.bus.Publish(ctx, bus.Event{Type: bus.NewDeliveryAvailable, Delivery: d, OccurredAt: d.CreatedAt})
	return d, nil
}

// Get retrieves a delivery by ID.
func (s *DeliveryService) Get(ctx context.Context, id string) (domain.Delivery, error) {
	if id == "" {
		return domain.Delivery{}, ErrInvalidDeliveryID
	}
	return s.store.Get(ctx, id)
}

// List returns deliveries in insertion order, optionally filtered by status and rider.
func (s *DeliveryService) List(ctx context.Context, status domain.DeliveryStatus, riderID string) ([]domain.Delivery, error) {
	if status != "" && !status.Valid() {
		return nil, ErrInvalidStatusFilter
	}
	return s.store.List(ctx, store.Filter{Status: status, RiderID: riderID})
}

// Advance applies the next forward lifecycle event to the delivery. Pending deliveries
// cannot be advanced here: leaving pending requires a rider accept.
func (s *DeliveryService) Advance(ctx context.Context, id string) (domain.Delivery, error) {
	if id == "" {
		return domain.Delivery{}, ErrInvalidDeliveryID
	}

	release, err := s.locks.hold(ctx, id, lockAttempts)
	if err != nil {
		return domain.Delivery{}, err
	}
	defer release()

	now := s.clock.Now()
	var previous domain.DeliveryStatus
	d, err := s.store.Mutate(ctx, id, func(current domain.Delivery, _ store.View) (domain.Delivery, error) {
		previous = current.Status
		ev, ok := lifecycle.Next(current.Status)
		if !ok {
			return current, ErrNothingToAdvance
		}
		return lifecycle.Apply(current, ev, "", now)
	})
	if err != nil {
		return domain.Delivery{}, err
	}

	s.log.Info("delivery advanced by operator", zap.String("delivery_id", d.ID), zap.String("status", string(d.Status)))
	s.publishUpdate(ctx, d, previous, now)
	return d, nil
}

// Cancel moves a pending or accepted delivery to cancelled.
func (s *DeliveryService) Cancel(ctx context.Context, id string) (domain.Delivery, error) {
	if id == "" {
		return domain.Delivery{}, ErrInvalidDeliveryID
	}

	release, err := s.locks.hold(ctx, id, lockAttempts)
	if err != nil {
		return domain.Delivery{}, err
	}
	defer release()

	now := s.clock.Now()
	var previous domain.DeliveryStatus
	d, err := s.store.Mutate(ctx, id, func(current domain.Delivery, _ store.View) (domain.Delivery, error) {
		previous = current.Status
		return lifecycle.Apply(current, lifecycle.EventCancel, "", now)
	})
	if err != nil {
		return domain.Delivery{}, err
	}

	s.log.Info("delivery cancelled", zap.String("delivery_id", d.ID))
	s.publishUpdate(ctx, d, previous, now)
	return d, nil
}

// RecordPayment settles the payment status of a delivery. Only completed or failed may
// be recorded, once. Recording the value already stored is a no-op. Payment may settle
// after completion (cash on delivery) but not on a cancelled delivery.
func (s *DeliveryService) RecordPayment(ctx context.Context, id string, status domain.PaymentStatus) (domain.Delivery, error) {
	if id == "" {
		return domain.Delivery{}, ErrInvalidDeliveryID
	}
	if status != domain.PaymentStatusCompleted && status != domain.PaymentStatusFailed {
		return domain.Delivery{}, ErrInvalidPaymentStatus
	}

	release, err := s.locks.hold(ctx, id, lockAttempts)
	if err != nil {
		return domain.Delivery{}, err
	}
	defer release()

	changed := false
	d, err := s.store.Mutate(ctx, id, func(current domain.Delivery, _ store.View) (domain.Delivery, error) {
		if current.PaymentStatus == status {
			return current, nil
		}
		if current.PaymentStatus != domain.PaymentStatusPending {
			return current, ErrPaymentFinal
		}
		if current.Status == domain.DeliveryStatusCancelled {
			return current, &lifecycle.TransitionError{Event: "record_payment", State: current.Status}
		}
		changed = true
		current.PaymentStatus = status
		return current, nil
	})
	if err != nil {
		return domain.Delivery{}, err
	}

	if changed {
		s.log.Info("payment recorded", zap.String("delivery_id", d.ID), zap.String("payment_status", string(status)))
		s.publishUpdate(ctx, d, d.Status, s.clock.Now())
	}
	return d, nil
}

func (s *DeliveryService) publishUpdate(ctx context.Context, d domain.Delivery, previous domain.DeliveryStatus, at time.Time) {
	s.bus.Publish(ctx, bus.Event{
		Type:           bus.DeliveryUpdated,
		Delivery:       d,
		PreviousStatus: previous,
		OccurredAt:     at,
	})
}
