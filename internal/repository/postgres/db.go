// Package postgres persists deliveries in a PostgreSQL table through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
)

// Querier is the subset of *sql.DB and *sql.Tx the delivery repository needs.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)
