package postgres

import (
	"context"
	"database/sql"
	"time"

	"lastmile/internal/domain"
	"lastmile/internal/repository"
)

// DeliveryRepository is a PostgreSQL implementation of repository.DeliveryRepository.
type DeliveryRepository struct {
	q Querier
}

// NewDeliveryRepository creates a new PostgreSQL delivery repository.
func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{q: db}
}

const deliveryColumns = `id, seq, status, pickup, dropoff, package_size, package_description,
	receiver_name, receiver_phone, delivery_fee, rider_id, payment_status,
	created_at, accepted_at, picked_up_at, in_transit_at, completed_at, cancelled_at`

// Save inserts the delivery or replaces the mutable columns of an existing row.
// created_at, seq and the delivery fee are never rewritten.
func (r *DeliveryRepository) Save(ctx context.Context, d *domain.Delivery) error {
	query := `
		INSERT INTO deliveries (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			rider_id = EXCLUDED.rider_id,
			payment_status = EXCLUDED.payment_status,
			accepted_at = EXCLUDED.accepted_at,
			picked_up_at = EXCLUDED.picked_up_at,
			in_transit_at = EXCLUDED.in_transit_at,
			completed_at = EXCLUDED.completed_at,
			cancelled_at = EXCLUDED.cancelled_at
	`

	_, err := r.q.ExecContext(ctx, query,
		d.ID,
		d.Seq,
		d.Status,
		d.Pickup,
		d.Dropoff,
		d.PackageSize,
		d.PackageDescription,
		d.ReceiverName,
		d.ReceiverPhone,
		d.DeliveryFee,
		nullString(d.RiderID),
		d.PaymentStatus,
		d.CreatedAt,
		nullTime(d.AcceptedAt),
		nullTime(d.PickedUpAt),
		nullTime(d.InTransitAt),
		nullTime(d.CompletedAt),
		nullTime(d.CancelledAt),
	)
	return err
}

// LoadAll retrieves every delivery in insertion order.
func (r *DeliveryRepository) LoadAll(ctx context.Context) ([]domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries ORDER BY seq ASC`

	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}

	return deliveries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDelivery(s scanner) (*domain.Delivery, error) {
	var d domain.Delivery
	var riderID sql.NullString
	var acceptedAt, pickedUpAt, inTransitAt, completedAt, cancelledAt sql.NullTime

	if err := s.Scan(
		&d.ID,
		&d.Seq,
		&d.Status,
		&d.Pickup,
		&d.Dropoff,
		&d.PackageSize,
		&d.PackageDescription,
		&d.ReceiverName,
		&d.ReceiverPhone,
		&d.DeliveryFee,
		&riderID,
		&d.PaymentStatus,
		&d.CreatedAt,
		&acceptedAt,
		&pickedUpAt,
		&inTransitAt,
		&completedAt,
		&cancelledAt,
	); err != nil {
		return nil, err
	}

	d.RiderID = riderID.String
	d.AcceptedAt = timeOrZero(acceptedAt)
	d.PickedUpAt = timeOrZero(pickedUpAt)
	d.InTransitAt = timeOrZero(inTransitAt)
	d.CompletedAt = timeOrZero(completedAt)
	d.CancelledAt = timeOrZero(cancelledAt)

	return &d, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func timeOrZero(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Ensure DeliveryRepository implements repository.DeliveryRepository.
var _ repository.DeliveryRepository = (*DeliveryRepository)(nil)
