package sqlcgen

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

const createPeakPowerStateTable = `-- name: CreatePeakPowerStateTable :exec
CREATE TABLE IF NOT EXISTS peak_power_state (
  id               smallint PRIMARY KEY DEFAULT 1 CHECK (id = 1),
  peak_power_today double precision NOT NULL DEFAULT 0,
  last_reset_date  date,
  updated_at       timestamptz NOT NULL DEFAULT now()
)
`

func (q *Queries) CreatePeakPowerStateTable(ctx context.Context) error {
	_, err := q.db.Exec(ctx, createPeakPowerStateTable)
	return err
}

const getPeakPowerState = `-- name: GetPeakPowerState :one
SELECT peak_power_today,
       last_reset_date,
       updated_at
FROM peak_power_state
WHERE id = 1
`

func (q *Queries) GetPeakPowerState(ctx context.Context) (PeakPowerState, error) {
	row := q.db.QueryRow(ctx, getPeakPowerState)
	var i PeakPowerState
	err := row.Scan(&i.PeakPowerToday, &i.LastResetDate, &i.UpdatedAt)
	return i, err
}

const upsertPeakPowerState = `-- name: UpsertPeakPowerState :exec
INSERT INTO peak_power_state (id, peak_power_today, last_reset_date, updated_at)
VALUES (1, $1, $2::date, $3)
ON CONFLICT (id) DO UPDATE
SET peak_power_today = EXCLUDED.peak_power_today,
    last_reset_date  = EXCLUDED.last_reset_date,
    updated_at       = EXCLUDED.updated_at
`

type UpsertPeakPowerStateParams struct {
	PeakPowerToday float64
	LastResetDate  *time.Time
	UpdatedAt      time.Time
}

func (q *Queries) UpsertPeakPowerState(ctx context.Context, arg UpsertPeakPowerStateParams) error {
	_, err := q.db.Exec(ctx, upsertPeakPowerState, arg.PeakPowerToday, arg.LastResetDate, arg.UpdatedAt)
	return err
}
