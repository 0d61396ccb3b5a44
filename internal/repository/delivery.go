package repository

import (
	"context"

	"lastmile/internal/domain"
)

// DeliveryRepository defines the persistence operations for deliveries.
// The store keeps the authoritative index in memory and writes through this port.
type DeliveryRepository interface {
	// LoadAll returns every persisted delivery ordered by insertion sequence.
	LoadAll(ctx context.Context) ([]domain.Delivery, error)

	// Save inserts or replaces a delivery.
	Save(ctx context.Context, d *domain.Delivery) error
}
