package postgres

import (
	"context"
)

// schema creates the deliveries table and the lookup indexes used by the
// available list and the per-rider active delivery check.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS deliveries (
		id                  TEXT PRIMARY KEY,
		seq                 BIGINT NOT NULL,
		status              TEXT NOT NULL,
		pickup              TEXT NOT NULL,
		dropoff             TEXT NOT NULL,
		package_size        TEXT NOT NULL DEFAULT '',
		package_description TEXT NOT NULL DEFAULT '',
		receiver_name       TEXT NOT NULL DEFAULT '',
		receiver_phone      TEXT NOT NULL DEFAULT '',
		delivery_fee        DOUBLE PRECISION NOT NULL CHECK (delivery_fee >= 0),
		rider_id            TEXT,
		payment_status      TEXT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL,
		accepted_at         TIMESTAMPTZ,
		picked_up_at        TIMESTAMPTZ,
		in_transit_at       TIMESTAMPTZ,
		completed_at        TIMESTAMPTZ,
		cancelled_at        TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS deliveries_status_idx ON deliveries (status)`,
	`CREATE INDEX IF NOT EXISTS deliveries_rider_status_idx ON deliveries (rider_id, status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS deliveries_seq_idx ON deliveries (seq)`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, q Querier) error {
	for _, stmt := range schema {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
