package peakstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"saj_portal/scraper-go/internal/fault"
	"saj_portal/scraper-go/internal/model"
	"saj_portal/scraper-go/internal/sqlcgen"
)

// Queries is the minimal DB interface the Postgres store needs.
// *sqlcgen.Queries satisfies it.
type Queries interface {
	GetPeakPowerState(ctx context.Context) (sqlcgen.PeakPowerState, error)
	UpsertPeakPowerState(ctx context.Context, arg sqlcgen.UpsertPeakPowerStateParams) error
}

// PostgresStore keeps the state in the single-row peak_power_state table.
type PostgresStore struct {
	log zerolog.Logger
	q   Queries
	now func() time.Time
}

func NewPostgresStore(log zerolog.Logger, q Queries) *PostgresStore {
	return &PostgresStore{log: log, q: q, now: time.Now}
}

func (s *PostgresStore) Load(ctx context.Context) model.PeakState {
	row, err := s.q.GetPeakPowerState(ctx)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.log.Info().Msg("no stored peak power state, starting fresh")
		} else {
			s.log.Warn().Err(err).Msg("could not load peak power state, starting fresh")
		}
		return model.PeakState{}
	}

	st := model.PeakState{Watts: row.PeakPowerToday}
	if row.LastResetDate != nil {
		st.ResetDate = model.DateOf(*row.LastResetDate)
	}
	s.log.Info().Float64("peak", st.Watts).Str("reset_date", st.ResetDate.String()).Msg("loaded peak power state")
	return st
}

func (s *PostgresStore) Save(ctx context.Context, st model.PeakState) error {
	arg := sqlcgen.UpsertPeakPowerStateParams{
		PeakPowerToday: st.Watts,
		UpdatedAt:      s.now().UTC(),
	}
	if !st.ResetDate.IsZero() {
		d := st.ResetDate.Time(time.UTC)
		arg.LastResetDate = &d
	}
	if err := s.q.UpsertPeakPowerState(ctx, arg); err != nil {
		return fault.New(fault.Persistence, "upsert peak state", err)
	}
	return nil
}
