package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lusomaq/rentgo/internal/domain"
)

type JobRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *JobRepo) With(db DB) *JobRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *JobRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// enqueueJobsCore inserts one row per job type. The (booking_id, type)
// uniqueness makes re-enqueueing a no-op.
func enqueueJobsCore(ctx context.Context, db DB, bookingID int64, types []domain.JobType) error {
	batch := &pgx.Batch{}
	for _, t := range types {
		batch.Queue(
			`INSERT INTO booking_jobs (booking_id, type, status)
			 VALUES ($1, $2, 'pending')
			 ON CONFLICT (booking_id, type) DO NOTHING`,
			bookingID, t,
		)
	}
	return db.SendBatch(ctx, batch).Close()
}

func (r *JobRepo) Enqueue(ctx context.Context, bookingID int64, types []domain.JobType) error {
	const op = "postgres.JobRepo.Enqueue"

	if err := enqueueJobsCore(ctx, r.handle(), bookingID, types); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// ListPending returns up to limit PENDING jobs, oldest first. Claiming is
// left to the handlers' own conditional updates; double dispatch is
// tolerated because every handler is idempotent.
func (r *JobRepo) ListPending(ctx context.Context, limit int) ([]domain.BookingJob, error) {
	const op = "postgres.JobRepo.ListPending"

	rows, err := r.handle().Query(ctx,
		`SELECT id, booking_id, type, payload, status, attempts, last_error, created_at, updated_at
		   FROM booking_jobs
		  WHERE status = 'pending'
		  ORDER BY created_at, id
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}
	defer rows.Close()

	var jobs []domain.BookingJob
	for rows.Next() {
		var j domain.BookingJob
		if err := rows.Scan(
			&j.ID, &j.BookingID, &j.Type, &j.Payload, &j.Status,
			&j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return jobs, nil
}

func (r *JobRepo) MarkDone(ctx context.Context, jobID int64) error {
	const op = "postgres.JobRepo.MarkDone"

	_, err := r.handle().Exec(ctx,
		`UPDATE booking_jobs
			SET status = 'done', last_error = NULL, updated_at = now()
		  WHERE id = $1`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// MarkFailed records a failed attempt. Non-final failures stay PENDING for
// the next sweep; final ones flip to FAILED for manual inspection.
func (r *JobRepo) MarkFailed(ctx context.Context, jobID int64, msg string, final bool) error {
	const op = "postgres.JobRepo.MarkFailed"

	status := domain.JobPending
	if final {
		status = domain.JobFailed
	}

	_, err := r.handle().Exec(ctx,
		`UPDATE booking_jobs
			SET attempts = attempts + 1, last_error = $2, status = $3, updated_at = now()
		  WHERE id = $1`,
		jobID, msg, status,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// ListFailed surfaces permanently failed jobs for staff follow-up.
func (r *JobRepo) ListFailed(ctx context.Context, limit int) ([]domain.BookingJob, error) {
	const op = "postgres.JobRepo.ListFailed"

	rows, err := r.handle().Query(ctx,
		`SELECT id, booking_id, type, payload, status, attempts, last_error, created_at, updated_at
		   FROM booking_jobs
		  WHERE status = 'failed'
		  ORDER BY updated_at DESC
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}
	defer rows.Close()

	var jobs []domain.BookingJob
	for rows.Next() {
		var j domain.BookingJob
		if err := rows.Scan(
			&j.ID, &j.BookingID, &j.Type, &j.Payload, &j.Status,
			&j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return jobs, nil
}
