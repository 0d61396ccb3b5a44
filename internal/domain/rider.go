package domain

// RiderAvailability is derived from whether the rider holds an active delivery.
type RiderAvailability string

const (
	RiderAvailable RiderAvailability = "available"
	RiderBusy      RiderAvailability = "busy"
)

// Rider represents a dispatch rider as seen by the lifecycle core.
type Rider struct {
	ID               string
	Name             string
	Availability     RiderAvailability
	ActiveDeliveryID string
}
