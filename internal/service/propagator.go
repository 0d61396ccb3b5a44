package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"go.uber.org/zap"

	"lastmile/internal/bus"
	"lastmile/internal/clock"
	"lastmile/internal/domain"
	"lastmile/internal/lifecycle"
	"lastmile/internal/metrics"
	"lastmile/internal/redis"
	"lastmile/internal/store"
)

const (
	MinTickInterval = time.Second
	MaxTickInterval = 30 * time.Second
)

// ErrPropagatorStarted is returned by a second Start.
var ErrPropagatorStarted = errors.New("propagator already started")

// errStale marks a delivery that changed between the tick snapshot and the mutation.
var errStale = errors.New("delivery changed since snapshot")

// Policy tunes automatic progression. Thresholds and probabilities are keyed by the
// status a delivery is leaving.
type Policy struct {
	Interval               time.Duration
	Thresholds             map[domain.DeliveryStatus]time.Duration
	Probabilities          map[domain.DeliveryStatus]float64
	NewDeliveryProbability float64
}

// DefaultPolicy returns the demo tuning: 2, 5 and 10 minutes in accepted, picked_up
// and in_transit, then a 50%, 70% and 70% chance per tick to move on.
func DefaultPolicy() Policy {
	return Policy{
		Interval: 5 * time.Second,
		Thresholds: map[domain.DeliveryStatus]time.Duration{
			domain.DeliveryStatusAccepted:  2 * time.Minute,
			domain.DeliveryStatusPickedUp:  5 * time.Minute,
			domain.DeliveryStatusInTransit: 10 * time.Minute,
		},
		Probabilities: map[domain.DeliveryStatus]float64{
			domain.DeliveryStatusAccepted:  0.5,
			domain.DeliveryStatusPickedUp:  0.7,
			domain.DeliveryStatusInTransit: 0.7,
		},
		NewDeliveryProbability: 0.1,
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.Interval < MinTickInterval || p.Interval > MaxTickInterval {
		return fmt.Errorf("tick interval %s outside [%s, %s]", p.Interval, MinTickInterval, MaxTickInterval)
	}
	for status, d := range p.Thresholds {
		if d < 0 {
			return fmt.Errorf("negative threshold for %s", status)
		}
	}
	for status, prob := range p.Probabilities {
		if prob < 0 || prob > 1 {
			return fmt.Errorf("probability for %s outside [0, 1]", status)
		}
	}
	if p.NewDeliveryProbability < 0 || p.NewDeliveryProbability > 1 {
		return errors.New("new delivery probability outside [0, 1]")
	}
	return nil
}

// Random is the source of advancement draws. *rand.Rand satisfies it.
type Random interface {
	Float64() float64
}

// TickResult summarizes one tick.
type TickResult struct {
	Advanced    []domain.Delivery
	Created     []domain.Delivery
	Skipped     int
	Failed      int
	Interrupted bool
}

// PropagatorOption configures a Propagator.
type PropagatorOption func(*Propagator)

// WithDemand enables synthetic demand from src.
func WithDemand(src DemandSource) PropagatorOption {
	return func(p *Propagator) { p.demand = src }
}

// WithMetrics records tick counters in m.
func WithMetrics(m *metrics.Metrics) PropagatorOption {
	return func(p *Propagator) { p.metrics = m }
}

// WithNewRelic wraps every tick in a background transaction.
func WithNewRelic(app *newrelic.Application) PropagatorOption {
	return func(p *Propagator) { p.nrApp = app }
}

// WithLocks makes every automatic transition hold the delivery lock. A delivery locked
// elsewhere is skipped for the tick.
func WithLocks(lockStore redis.LockStoreInterface) PropagatorOption {
	return func(p *Propagator) { p.locks.locks = lockStore }
}

// Propagator periodically advances in-flight deliveries to simulate real progress.
type Propagator struct {
	store  *store.Store
	bus    *bus.Bus
	policy Policy
	clock  clock.Clock
	demand DemandSource
	locks  deliveryLocks

	metrics *metrics.Metrics
	nrApp   *newrelic.Application
	log     *zap.Logger

	// tickMu serializes ticks and guards rng.
	tickMu sync.Mutex
	rng    Random

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPropagator creates a Propagator. It does nothing until Start or Tick is called.
func NewPropagator(
	st *store.Store,
	b *bus.Bus,
	policy Policy,
	clk clock.Clock,
	rng Random,
	log *zap.Logger,
	opts ...PropagatorOption,
) *Propagator {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	p := &Propagator{
		store:  st,
		bus:    b,
		policy: policy,
		clock:  clk,
		rng:    rng,
		log:    log,
		stopCh: make(chan struct{}),
	}
	p.locks.log = log
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start runs ticks on the policy interval until ctx is done or Stop is called.
// An invalid policy is rejected before anything is started.
func (p *Propagator) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPropagatorStarted
	}
	if p.stopped() {
		return errors.New("propagator stopped")
	}
	if err := p.policy.Validate(); err != nil {
		return fmt.Errorf("invalid propagator policy: %w", err)
	}
	p.started = true

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

func (p *Propagator) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.policy.Interval)
	defer ticker.Stop()

	p.log.Info("propagator started", zap.Duration("interval", p.policy.Interval))

	for {
		select {
		case <-ctx.Done():
			p.log.Info("propagator stopped", zap.String("reason", "context done"))
			return
		case <-p.stopCh:
			p.log.Info("propagator stopped")
			return
		case <-ticker.C:
			// Detached so that shutdown never cancels a transition halfway.
			res := p.Tick(context.WithoutCancel(ctx))
			if res.Failed > 0 {
				p.log.Warn("propagator tick finished with failures",
					zap.Int("failed", res.Failed),
					zap.Int("advanced", len(res.Advanced)),
				)
			}
		}
	}
}

// Stop halts the ticker and waits for an in-flight tick to return. A tick that is
// running stops between deliveries, never inside a transition. Safe to call more than once.
func (p *Propagator) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Propagator) stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Tick runs one propagation pass synchronously.
//
// Active deliveries are visited in ascending id order. Every delivery whose time in
// its current status reaches the threshold consumes exactly one draw from the random
// source, followed by one demand draw per tick, so a fixed seed over the same snapshot
// always yields the same decisions.
func (p *Propagator) Tick(ctx context.Context) TickResult {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	txn := p.nrApp.StartTransaction("propagator.tick")
	defer txn.End()
	ctx = newrelic.NewContext(ctx, txn)

	p.metrics.Tick()

	var res TickResult
	now := p.clock.Now()

	all, err := p.store.List(ctx, store.Filter{})
	if err != nil {
		txn.NoticeError(err)
		p.log.Error("propagator failed to list deliveries", zap.Error(err))
		res.Failed++
		return res
	}

	active := make([]domain.Delivery, 0, len(all))
	for _, d := range all {
		if d.Status.IsActive() {
			active = append(active, d)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	for _, snapshot := range active {
		if p.stopped() {
			res.Interrupted = true
			return res
		}

		if !p.due(snapshot, now) {
			continue
		}
		if p.rng.Float64() >= p.policy.Probabilities[snapshot.Status] {
			continue
		}

		advanced, err := p.advance(ctx, snapshot, now)
		switch {
		case errors.Is(err, errStale):
			res.Skipped++
		case err != nil:
			res.Failed++
			p.metrics.PropagatorError()
			txn.NoticeError(err)
			p.log.Error("failed to advance delivery",
				zap.String("delivery_id", snapshot.ID),
				zap.String("status", string(snapshot.Status)),
				zap.Error(err),
			)
		default:
			res.Advanced = append(res.Advanced, advanced)
		}
	}

	if p.demand != nil && !p.stopped() {
		if p.rng.Float64() < p.policy.NewDeliveryProbability {
			created, err := p.synthesize(ctx)
			if err != nil {
				res.Failed++
				p.metrics.PropagatorError()
				txn.NoticeError(err)
				p.log.Error("failed to synthesize delivery", zap.Error(err))
			} else {
				res.Created = append(res.Created, created)
			}
		}
	}

	return res
}

// due reports whether d has spent at least the policy threshold in its current status.
func (p *Propagator) due(d domain.Delivery, now time.Time) bool {
	threshold, ok := p.policy.Thresholds[d.Status]
	if !ok {
		return false
	}
	entered := d.EnteredCurrentStatusAt()
	if entered.IsZero() {
		return false
	}
	return now.Sub(entered) >= threshold
}

// advance moves snapshot one step forward, re-reading the record under the store lock.
// A record that no longer matches the snapshot's status is left alone.
func (p *Propagator) advance(ctx context.Context, snapshot domain.Delivery, now time.Time) (domain.Delivery, error) {
	ev, ok := lifecycle.Next(snapshot.Status)
	if !ok {
		return domain.Delivery{}, errStale
	}

	defer newrelic.FromContext(ctx).StartSegment("advance." + string(ev)).End()

	release, err := p.locks.hold(ctx, snapshot.ID, 1)
	if errors.Is(err, ErrDeliveryLocked) {
		return domain.Delivery{}, errStale
	}
	if err != nil {
		return domain.Delivery{}, err
	}
	defer release()

	updated, err := p.store.Mutate(ctx, snapshot.ID, func(current domain.Delivery, _ store.View) (domain.Delivery, error) {
		if current.Status != snapshot.Status {
			return current, errStale
		}
		return lifecycle.Apply(current, ev, "", now)
	})
	if err != nil {
		return domain.Delivery{}, err
	}

	p.metrics.DeliveryAdvanced(string(updated.Status))
	p.log.Info("delivery advanced",
		zap.String("delivery_id", updated.ID),
		zap.String("from", string(snapshot.Status)),
		zap.String("to", string(updated.Status)),
	)
	p.bus.Publish(ctx, bus.Event{
		Type:           bus.DeliveryUpdated,
		Delivery:       updated,
		PreviousStatus: snapshot.Status,
		OccurredAt:     now,
	})
	return updated, nil
}

func (p *Propagator) synthesize(ctx context.Context) (domain.Delivery, error) {
	created, err := p.store.Create(ctx, p.demand.Next())
	if err != nil {
		return domain.Delivery{}, err
	}

	p.metrics.DeliverySynthesized()
	p.log.Info("synthetic delivery created", zap.String("delivery_id", created.ID))
	p.bus.Publish(ctx, bus.Event{Type: bus.NewDeliveryAvailable, Delivery: created, OccurredAt: created.CreatedAt})
	return created, nil
}
