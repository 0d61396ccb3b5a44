package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lastmile/internal/domain"
)

var allEvents = []Event{EventAssign, EventMarkPickedUp, EventMarkInTransit, EventMarkCompleted, EventCancel}

var allStatuses = []domain.DeliveryStatus{
	domain.DeliveryStatusPending,
	domain.DeliveryStatusAccepted,
	domain.DeliveryStatusPickedUp,
	domain.DeliveryStatusInTransit,
	domain.DeliveryStatusCompleted,
	domain.DeliveryStatusCancelled,
}

// allowed is the transition table written out by hand.
var allowed = map[domain.DeliveryStatus]map[Event]domain.DeliveryStatus{
	domain.DeliveryStatusPending: {
		EventAssign: domain.DeliveryStatusAccepted,
		EventCancel: domain.DeliveryStatusCancelled,
	},
	domain.DeliveryStatusAccepted: {
		EventMarkPickedUp: domain.DeliveryStatusPickedUp,
		EventCancel:       domain.DeliveryStatusCancelled,
	},
	domain.DeliveryStatusPickedUp: {
		EventMarkInTransit: domain.DeliveryStatusInTransit,
	},
	domain.DeliveryStatusInTransit: {
		EventMarkCompleted: domain.DeliveryStatusCompleted,
	},
}

func TestApply_MatchesTransitionTable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, status := range allStatuses {
		for _, ev := range allEvents {
			d := domain.Delivery{ID: "d-1", Status: status}
			got, err := Apply(d, ev, "rider-1", now)

			want, ok := allowed[status][ev]
			if !ok {
				require.ErrorIs(t, err, ErrInvalidTransition, "%s from %s", ev, status)
				require.Equal(t, d, got, "record must be left unmodified")

				var te *TransitionError
				require.True(t, errors.As(err, &te))
				require.Equal(t, ev, te.Event)
				require.Equal(t, status, te.State)
				continue
			}

			require.NoError(t, err, "%s from %s", ev, status)
			require.Equal(t, want, got.Status)
			require.Equal(t, status, d.Status, "input must not be mutated")
		}
	}
}

func TestApply_SetsTimestampsOnce(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d := domain.Delivery{ID: "d-1", Status: domain.DeliveryStatusPending, CreatedAt: t0}

	d, err := Apply(d, EventAssign, "rider-1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "rider-1", d.RiderID)
	require.Equal(t, t0.Add(time.Minute), d.AcceptedAt)

	d, err = Apply(d, EventMarkPickedUp, "", t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, t0.Add(2*time.Minute), d.PickedUpAt)

	d, err = Apply(d, EventMarkInTransit, "", t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.Equal(t, t0.Add(3*time.Minute), d.InTransitAt)

	d, err = Apply(d, EventMarkCompleted, "", t0.Add(4*time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.DeliveryStatusCompleted, d.Status)
	require.Equal(t, t0.Add(4*time.Minute), d.CompletedAt)

	// Earlier timestamps survive the whole walk.
	require.Equal(t, t0.Add(time.Minute), d.AcceptedAt)
	require.Equal(t, t0.Add(2*time.Minute), d.PickedUpAt)
	require.Equal(t, "rider-1", d.RiderID)
}

func TestApply_TerminalStatesRejectEverything(t *testing.T) {
	for _, status := range []domain.DeliveryStatus{domain.DeliveryStatusCompleted, domain.DeliveryStatusCancelled} {
		d := domain.Delivery{ID: "d-1", Status: status, RiderID: "rider-1"}
		for _, ev := range allEvents {
			got, err := Apply(d, ev, "rider-2", time.Now())
			require.ErrorIs(t, err, ErrInvalidTransition)
			require.Equal(t, d, got)
		}
	}
}

func TestApply_AssignRequiresRider(t *testing.T) {
	d := domain.Delivery{ID: "d-1", Status: domain.DeliveryStatusPending}
	_, err := Apply(d, EventAssign, "", time.Now())
	require.ErrorIs(t, err, ErrMissingRider)
}

func TestApply_UnknownEvent(t *testing.T) {
	d := domain.Delivery{ID: "d-1", Status: domain.DeliveryStatusPending}
	_, err := Apply(d, Event("teleport"), "", time.Now())
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestNext(t *testing.T) {
	cases := map[domain.DeliveryStatus]Event{
		domain.DeliveryStatusAccepted:  EventMarkPickedUp,
		domain.DeliveryStatusPickedUp:  EventMarkInTransit,
		domain.DeliveryStatusInTransit: EventMarkCompleted,
	}
	for status, want := range cases {
		got, ok := Next(status)
		require.True(t, ok)
		require.Equal(t, want, got)
	}

	for _, status := range []domain.DeliveryStatus{
		domain.DeliveryStatusPending, domain.DeliveryStatusCompleted, domain.DeliveryStatusCancelled,
	} {
		_, ok := Next(status)
		require.False(t, ok, status)
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent("mark_in_transit")
	require.NoError(t, err)
	require.Equal(t, EventMarkInTransit, ev)

	_, err = ParseEvent("fly")
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestCan(t *testing.T) {
	require.True(t, Can(domain.DeliveryStatusAccepted, EventCancel))
	require.False(t, Can(domain.DeliveryStatusPickedUp, EventCancel))
}
