// Package store holds the authoritative delivery collection.
//
// All reads and writes go through one mutex. Mutate runs a caller-supplied decision
// against the current record while the lock is held, persists the result through the
// configured repository and only then commits it to memory, so a failed write is never
// observable and two writers can never interleave a read-modify-write.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"lastmile/internal/clock"
	"lastmile/internal/domain"
	"lastmile/internal/repository"
)

// ErrPersistence wraps any failure of the backing repository.
// The in-memory collection is unchanged when it is returned.
var ErrPersistence = errors.New("persistence failure")

// Filter selects deliveries in List. Zero fields match everything.
type Filter struct {
	Status  domain.DeliveryStatus
	RiderID string
}

func (f Filter) matches(d domain.Delivery) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.RiderID != "" && d.RiderID != f.RiderID {
		return false
	}
	return true
}

// View is a read-only look at the collection handed to a MutateFunc.
// It reflects the state at the time of the call and must not escape it.
type View interface {
	List(f Filter) []domain.Delivery
}

// MutateFunc decides the next version of current. Returning an error aborts the
// mutation and leaves the record untouched. It must not call back into the Store.
type MutateFunc func(current domain.Delivery, view View) (domain.Delivery, error)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for createdAt.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator overrides the id generator. Defaults to random UUIDs.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithSharedBackend marks the repository as shared with other replicas. Every call then
// re-reads the repository under the store lock before it reads or decides, so a record
// written elsewhere is never judged from a stale copy. Writers that must not interleave
// across replicas still need an external lock around Mutate.
func WithSharedBackend() Option {
	return func(s *Store) { s.shared = true }
}

// Store is the Delivery Record Store.
type Store struct {
	mu     sync.Mutex
	repo   repository.DeliveryRepository
	clock  clock.Clock
	newID  func() string
	shared bool

	order []string
	byID  map[string]domain.Delivery
	seq   int64
}

// New creates a store. repo may be nil, in which case records only live in memory.
func New(repo repository.DeliveryRepository, opts ...Option) *Store {
	s := &Store{
		repo:  repo,
		clock: clock.Real{},
		newID: uuid.NewString,
		byID:  make(map[string]domain.Delivery),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory collection with what the repository holds.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}

	deliveries, err := s.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: load deliveries: %w", ErrPersistence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = s.order[:0]
	s.byID = make(map[string]domain.Delivery, len(deliveries))
	s.seq = 0
	for _, d := range deliveries {
		if _, dup := s.byID[d.ID]; dup {
			continue
		}
		s.order = append(s.order, d.ID)
		s.byID[d.ID] = d
		if d.Seq > s.seq {
			s.seq = d.Seq
		}
	}
	return nil
}

// Create stores a new pending delivery and returns the full record.
func (s *Store) Create(ctx context.Context, in domain.NewDelivery) (domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(ctx); err != nil {
		return domain.Delivery{}, err
	}

	payment := in.PaymentStatus
	if payment == "" {
		payment = domain.PaymentStatusPending
	}

	d := domain.Delivery{
		ID:                 s.newID(),
		Status:             domain.DeliveryStatusPending,
		Pickup:             in.Pickup,
		Dropoff:            in.Dropoff,
		PackageSize:        in.PackageSize,
		PackageDescription: in.PackageDescription,
		ReceiverName:       in.ReceiverName,
		ReceiverPhone:      in.ReceiverPhone,
		DeliveryFee:        in.DeliveryFee,
		PaymentStatus:      payment,
		CreatedAt:          s.clock.Now(),
		Seq:                s.seq + 1,
	}

	if _, exists := s.byID[d.ID]; exists {
		return domain.Delivery{}, fmt.Errorf("duplicate delivery id %q", d.ID)
	}

	if err := s.persist(ctx, &d); err != nil {
		return domain.Delivery{}, err
	}

	s.seq = d.Seq
	s.order = append(s.order, d.ID)
	s.byID[d.ID] = d
	return d, nil
}

// Get returns the delivery with the given id or repository.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(ctx); err != nil {
		return domain.Delivery{}, err
	}

	d, ok := s.byID[id]
	if !ok {
		return domain.Delivery{}, repository.ErrNotFound
	}
	return d, nil
}

// List returns the deliveries matching f in insertion order.
func (s *Store) List(ctx context.Context, f Filter) ([]domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return s.listLocked(f), nil
}

// Mutate applies fn to the current version of the delivery and persists the result.
// Identity fields (id, createdAt, seq) cannot be changed by fn.
func (s *Store) Mutate(ctx context.Context, id string, fn MutateFunc) (domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(ctx); err != nil {
		return domain.Delivery{}, err
	}

	current, ok := s.byID[id]
	if !ok {
		return domain.Delivery{}, repository.ErrNotFound
	}

	next, err := fn(current, lockedView{s})
	if err != nil {
		return current, err
	}

	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.Seq = current.Seq

	if err := s.persist(ctx, &next); err != nil {
		return current, err
	}

	s.byID[id] = next
	return next, nil
}

// refreshLocked merges the repository's records into memory when the backend is shared.
// The repository wins for every record it holds.
func (s *Store) refreshLocked(ctx context.Context) error {
	if !s.shared || s.repo == nil {
		return nil
	}

	deliveries, err := s.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: refresh deliveries: %w", ErrPersistence, err)
	}

	appended := false
	for _, d := range deliveries {
		if _, known := s.byID[d.ID]; !known {
			s.order = append(s.order, d.ID)
			appended = true
		}
		s.byID[d.ID] = d
		if d.Seq > s.seq {
			s.seq = d.Seq
		}
	}
	if appended {
		sort.SliceStable(s.order, func(i, j int) bool {
			return s.byID[s.order[i]].Seq < s.byID[s.order[j]].Seq
		})
	}
	return nil
}

func (s *Store) persist(ctx context.Context, d *domain.Delivery) error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.Save(ctx, d); err != nil {
		return fmt.Errorf("%w: save delivery %s: %w", ErrPersistence, d.ID, err)
	}
	return nil
}

func (s *Store) listLocked(f Filter) []domain.Delivery {
	out := make([]domain.Delivery, 0, len(s.order))
	for _, id := range s.order {
		if d := s.byID[id]; f.matches(d) {
			out = append(out, d)
		}
	}
	return out
}

type lockedView struct {
	s *Store
}

func (v lockedView) List(f Filter) []domain.Delivery {
	return v.s.listLocked(f)
}
