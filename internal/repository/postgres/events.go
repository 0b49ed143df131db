package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type EventRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *EventRepo) With(db DB) *EventRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *EventRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Record inserts the provider event id before any interpretation happens.
// A second delivery of the same id inserts nothing and returns false, which
// the reconciler treats as "already processed".
func (r *EventRepo) Record(ctx context.Context, eventID, eventType string, bookingID *int64) (bool, error) {
	const op = "postgres.EventRepo.Record"

	tag, err := r.handle().Exec(ctx,
		`INSERT INTO provider_events (event_id, type, booking_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, bookingID,
	)
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return tag.RowsAffected() == 1, nil
}
