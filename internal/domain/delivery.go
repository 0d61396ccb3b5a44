package domain

import "time"

// DeliveryStatus represents the lifecycle status of a delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusAccepted  DeliveryStatus = "accepted"
	DeliveryStatusPickedUp  DeliveryStatus = "picked_up"
	DeliveryStatusInTransit DeliveryStatus = "in_transit"
	DeliveryStatusCompleted DeliveryStatus = "completed"
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

// Valid reports whether s is a known delivery status.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusAccepted, DeliveryStatusPickedUp,
		DeliveryStatusInTransit, DeliveryStatusCompleted, DeliveryStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusCompleted || s == DeliveryStatusCancelled
}

// IsActive reports whether a rider is currently working the delivery.
func (s DeliveryStatus) IsActive() bool {
	return s == DeliveryStatusAccepted || s == DeliveryStatusPickedUp || s == DeliveryStatusInTransit
}

// PaymentStatus is orthogonal to the delivery status.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	return s == PaymentStatusPending || s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// PackageSize is a coarse size class chosen by the sender.
type PackageSize string

const (
	PackageSizeSmall  PackageSize = "small"
	PackageSizeMedium PackageSize = "medium"
	PackageSizeLarge  PackageSize = "large"
)

// Delivery represents a single package moving from pickup to dropoff.
// Timestamps are zero until the matching transition happens.
type Delivery struct {
	ID                 string         `json:"id"`
	Status             DeliveryStatus `json:"status"`
	Pickup             string         `json:"pickup"`
	Dropoff            string         `json:"dropoff"`
	PackageSize        PackageSize    `json:"package_size"`
	PackageDescription string         `json:"package_description"`
	ReceiverName       string         `json:"receiver_name"`
	ReceiverPhone      string         `json:"receiver_phone"`
	DeliveryFee        float64        `json:"delivery_fee"`
	RiderID            string         `json:"rider_id,omitempty"`
	PaymentStatus      PaymentStatus  `json:"payment_status"`
	CreatedAt          time.Time      `json:"created_at"`
	AcceptedAt         time.Time      `json:"accepted_at,omitempty"`
	PickedUpAt         time.Time      `json:"picked_up_at,omitempty"`
	InTransitAt        time.Time      `json:"in_transit_at,omitempty"`
	CompletedAt        time.Time      `json:"completed_at,omitempty"`
	CancelledAt        time.Time      `json:"cancelled_at,omitempty"`

	// Seq records insertion order across restarts.
	Seq int64 `json:"seq"`
}

// EnteredCurrentStatusAt returns when the delivery entered its current status.
func (d Delivery) EnteredCurrentStatusAt() time.Time {
	switch d.Status {
	case DeliveryStatusAccepted:
		return d.AcceptedAt
	case DeliveryStatusPickedUp:
		return d.PickedUpAt
	case DeliveryStatusInTransit:
		return d.InTransitAt
	case DeliveryStatusCompleted:
		return d.CompletedAt
	case DeliveryStatusCancelled:
		return d.CancelledAt
	default:
		return d.CreatedAt
	}
}

// NewDelivery carries the caller-supplied fields of a delivery.
// Identity, status and timestamps are assigned by the store.
type NewDelivery struct {
	Pickup             string
	Dropoff            string
	PackageSize        PackageSize
	PackageDescription string
	ReceiverName       string
	ReceiverPhone      string
	DeliveryFee        float64
	PaymentStatus      PaymentStatus // Optional: defaults to pending
}
