// Package lifecycle decides delivery status transitions.
//
// The machine is stateless: every decision builds a throwaway FSM positioned at the
// delivery's current status, fires one event, and returns an updated copy of the record.
// Persisting the result is the caller's job.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"

	"lastmile/internal/domain"
)

// Event is a lifecycle event name.
type Event string

const (
	EventAssign        Event = "assign"
	EventMarkPickedUp  Event = "mark_picked_up"
	EventMarkInTransit Event = "mark_in_transit"
	EventMarkCompleted Event = "mark_completed"
	EventCancel        Event = "cancel"
)

var (
	// ErrInvalidTransition is returned when an event is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrMissingRider is returned when assign is fired without a rider id.
	ErrMissingRider = errors.New("assign requires a rider id")

	// ErrUnknownEvent is returned for event names outside the transition table.
	ErrUnknownEvent = errors.New("unknown lifecycle event")
)

// TransitionError identifies the rejected event and the status it was fired from.
type TransitionError struct {
	Event Event
	State domain.DeliveryStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %q not allowed from status %q", e.Event, e.State)
}

// Is makes errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var transitions = fsm.Events{
	{Name: string(EventAssign), Src: []string{string(domain.DeliveryStatusPending)}, Dst: string(domain.DeliveryStatusAccepted)},
	{Name: string(EventMarkPickedUp), Src: []string{string(domain.DeliveryStatusAccepted)}, Dst: string(domain.DeliveryStatusPickedUp)},
	{Name: string(EventMarkInTransit), Src: []string{string(domain.DeliveryStatusPickedUp)}, Dst: string(domain.DeliveryStatusInTransit)},
	{Name: string(EventMarkCompleted), Src: []string{string(domain.DeliveryStatusInTransit)}, Dst: string(domain.DeliveryStatusCompleted)},
	{
		Name: string(EventCancel),
		Src:  []string{string(domain.DeliveryStatusPending), string(domain.DeliveryStatusAccepted)},
		Dst:  string(domain.DeliveryStatusCancelled),
	},
}

// forward maps an active or pending status to the event that moves it one step ahead.
var forward = map[domain.DeliveryStatus]Event{
	domain.DeliveryStatusAccepted:  EventMarkPickedUp,
	domain.DeliveryStatusPickedUp:  EventMarkInTransit,
	domain.DeliveryStatusInTransit: EventMarkCompleted,
}

// ParseEvent validates an event name coming from outside the process.
func ParseEvent(name string) (Event, error) {
	for _, t := range transitions {
		if t.Name == name {
			return Event(name), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

// Next returns the forward event for status, if the automatic progression has one.
// Pending deliveries have none: only a rider can move them out of pending.
func Next(status domain.DeliveryStatus) (Event, bool) {
	ev, ok := forward[status]
	return ev, ok
}

// Can reports whether ev is allowed from status.
func Can(status domain.DeliveryStatus, ev Event) bool {
	return newMachine(status).Can(string(ev))
}

// Apply fires ev against d and returns the resulting record. d is never modified.
// riderID is only read for EventAssign.
func Apply(d domain.Delivery, ev Event, riderID string, now time.Time) (domain.Delivery, error) {
	if ev == EventAssign && riderID == "" {
		return d, ErrMissingRider
	}

	m := newMachine(d.Status)
	if err := m.Event(context.Background(), string(ev)); err != nil {
		var unknown fsm.UnknownEventError
		if errors.As(err, &unknown) {
			return d, fmt.Errorf("%w: %q", ErrUnknownEvent, ev)
		}
		return d, &TransitionError{Event: ev, State: d.Status}
	}

	next := d
	next.Status = domain.DeliveryStatus(m.Current())
	switch ev {
	case EventAssign:
		next.RiderID = riderID
		next.AcceptedAt = now
	case EventMarkPickedUp:
		next.PickedUpAt = now
	case EventMarkInTransit:
		next.InTransitAt = now
	case EventMarkCompleted:
		next.CompletedAt = now
	case EventCancel:
		next.CancelledAt = now
	}
	return next, nil
}

func newMachine(status domain.DeliveryStatus) *fsm.FSM {
	return fsm.NewFSM(string(status), transitions, fsm.Callbacks{})
}
