package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lusomaq/rentgo/internal/domain"
	"github.com/lusomaq/rentgo/internal/repository"
)

type BookingRepo struct {
	pool  *pgxpool.Pool
	store *Store
	db    DB
}

func (r *BookingRepo) With(db DB) *BookingRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *BookingRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

const bookingColumns = `
	id, machine_id, start_date, end_date, status, hold_expires_at,
	payment_intent_id, deposit_only, deposit_paid, total_paid, paid_cents,
	discount_percent, original_subtotal_cents, subtotal_cents, total_cents,
	customer_name, customer_email, customer_phone, customer_tax_id,
	delivery, site_address, billing_address, business_billing,
	invoice_provider, invoice_provider_id, invoice_number, invoice_pdf_url, invoice_atcud,
	customer_email_sent_at, internal_email_sent_at,
	refunded_cents, refund_status, refund_ids, last_charge_id,
	created_at, updated_at`

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var (
		b                              domain.Booking
		siteJSON, billingJSON          []byte
		invProvider, invProviderID     *string
		invNumber, invPDFURL, invATCUD *string
	)

	err := row.Scan(
		&b.ID, &b.MachineID, &b.StartDate, &b.EndDate, &b.Status, &b.HoldExpiresAt,
		&b.PaymentIntentID, &b.DepositOnly, &b.DepositPaid, &b.TotalPaid, &b.PaidCents,
		&b.DiscountPercent, &b.OriginalSubtotalCents, &b.SubtotalCents, &b.TotalCents,
		&b.Customer.Name, &b.Customer.Email, &b.Customer.Phone, &b.Customer.TaxID,
		&b.Delivery, &siteJSON, &billingJSON, &b.BusinessBilling,
		&invProvider, &invProviderID, &invNumber, &invPDFURL, &invATCUD,
		&b.CustomerEmailSentAt, &b.InternalEmailSentAt,
		&b.RefundedCents, &b.RefundStatus, &b.RefundIDs, &b.LastChargeID,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(siteJSON) > 0 {
		var a domain.Address
		if err := json.Unmarshal(siteJSON, &a); err == nil {
			b.SiteAddress = &a
		}
	}
	if len(billingJSON) > 0 {
		var a domain.Address
		if err := json.Unmarshal(billingJSON, &a); err == nil {
			b.BillingAddress = &a
		}
	}
	if invNumber != nil || invProviderID != nil {
		b.Invoice = &domain.InvoiceRef{}
		if invProvider != nil {
			b.Invoice.Provider = *invProvider
		}
		if invProviderID != nil {
			b.Invoice.ProviderID = *invProviderID
		}
		if invNumber != nil {
			b.Invoice.Number = *invNumber
		}
		if invPDFURL != nil {
			b.Invoice.PDFURL = *invPDFURL
		}
		if invATCUD != nil {
			b.Invoice.ATCUD = *invATCUD
		}
	}

	return &b, nil
}

func marshalAddr(a *domain.Address) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// lockMachine serializes writers for a single machine within the current
// transaction. Released automatically on commit or rollback.
func lockMachine(ctx context.Context, db DB, machineID int64) error {
	_, err := db.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('rentgo:machine:' || $1::text, 0))`,
		machineID,
	)
	return err
}

// CreateOrReuseHold inserts a PENDING hold, or extends an existing PENDING
// hold for the same machine, exact date range and customer email. The
// expiry is only ever moved forward.
//
// Returns:
//   - *domain.HoldResult: booking id, whether an existing hold was reused,
//     and the effective expiry.
//   - error: repository.ErrOverlap when another customer holds or has
//     confirmed overlapping dates.
func (r *BookingRepo) CreateOrReuseHold(ctx context.Context, spec domain.HoldSpec) (*domain.HoldResult, error) {
	const op = "postgres.BookingRepo.CreateOrReuseHold"

	if r.db != nil {
		res, err := r.createOrReuseHoldCore(ctx, r.db, spec)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		return res, nil
	}

	var res *domain.HoldResult
	err := r.store.RunTx(ctx, nil, func(ctx context.Context, tx DB) error {
		var err error
		res, err = r.createOrReuseHoldCore(ctx, tx, spec)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return res, nil
}

func (r *BookingRepo) createOrReuseHoldCore(ctx context.Context, db DB, spec domain.HoldSpec) (*domain.HoldResult, error) {
	if err := lockMachine(ctx, db, spec.MachineID); err != nil {
		return nil, err
	}

	// Same customer re-submitting the same range reuses the hold instead
	// of tripping the exclusion constraint.
	var (
		existingID int64
		expires    time.Time
	)
	err := db.QueryRow(ctx,
		`UPDATE bookings
			SET hold_expires_at = GREATEST(hold_expires_at, $4),
			    updated_at = now()
		  WHERE id = (
				SELECT id FROM bookings
				 WHERE machine_id = $1
				   AND status = 'pending'
				   AND start_date = $2 AND end_date = $3
				   AND customer_email = $5
				 LIMIT 1
		  )
		  RETURNING id, hold_expires_at`,
		spec.MachineID, spec.StartDate, spec.EndDate, spec.HoldExpiresAt, spec.Customer.Email,
	).Scan(&existingID, &expires)
	if err == nil {
		return &domain.HoldResult{BookingID: existingID, Reused: true, HoldExpiresAt: expires}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	siteJSON, err := marshalAddr(spec.SiteAddress)
	if err != nil {
		return nil, err
	}
	billingJSON, err := marshalAddr(spec.BillingAddress)
	if err != nil {
		return nil, err
	}

	var id int64
	err = db.QueryRow(ctx,
		`INSERT INTO bookings (
			machine_id, start_date, end_date, status, hold_expires_at,
			deposit_only, discount_percent, original_subtotal_cents, subtotal_cents, total_cents,
			customer_name, customer_email, customer_phone, customer_tax_id,
			delivery, site_address, billing_address, business_billing
		) VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id`,
		spec.MachineID, spec.StartDate, spec.EndDate, spec.HoldExpiresAt,
		spec.DepositOnly, spec.DiscountPercent, spec.OriginalSubtotalCents, spec.SubtotalCents, spec.TotalCents,
		spec.Customer.Name, spec.Customer.Email, spec.Customer.Phone, spec.Customer.TaxID,
		spec.Delivery, siteJSON, billingJSON, spec.BusinessBilling,
	).Scan(&id)
	if err != nil {
		return nil, err
	}

	return &domain.HoldResult{BookingID: id, Reused: false, HoldExpiresAt: spec.HoldExpiresAt}, nil
}

func (r *BookingRepo) Get(ctx context.Context, id int64) (*domain.Booking, error) {
	const op = "postgres.BookingRepo.Get"

	b, err := scanBooking(r.handle().QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return b, nil
}

func (r *BookingRepo) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*domain.Booking, error) {
	const op = "postgres.BookingRepo.GetByPaymentIntent"

	b, err := scanBooking(r.handle().QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE payment_intent_id = $1`, paymentIntentID,
	))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return b, nil
}

// Promote transitions a booking to CONFIRMED and, on the first transition
// only, enqueues the given side-effect jobs in the same transaction.
//
// Idempotent: an already-confirmed booking is returned untouched with
// Transitioned=false. The payment intent id is first-writer-wins. Promotion
// is allowed from PENDING and from CANCELLED (a late payment revives the
// booking); the exclusion constraint still rejects a revival whose dates
// were meanwhile given to someone else.
func (r *BookingRepo) Promote(
	ctx context.Context,
	bookingID int64,
	paymentIntentID string,
	totals *domain.PaymentTotals,
	jobs []domain.JobType,
) (*domain.PromoteOutcome, error) {
	const op = "postgres.BookingRepo.Promote"

	var out *domain.PromoteOutcome
	err := r.store.RunTx(ctx, nil, func(ctx context.Context, tx DB) error {
		b, err := scanBooking(tx.QueryRow(ctx,
			`SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, bookingID,
		))
		if err != nil {
			return err
		}

		if b.Status == domain.BookingConfirmed {
			out = &domain.PromoteOutcome{Transitioned: false, Booking: b}
			return nil
		}

		depositOnly := b.DepositOnly
		totalCents := b.TotalCents
		subtotal := b.SubtotalCents
		origSubtotal := b.OriginalSubtotalCents
		discount := b.DiscountPercent
		if totals != nil {
			if totals.DepositOnly != nil {
				depositOnly = *totals.DepositOnly
			}
			if totals.TotalCents != nil {
				totalCents = *totals.TotalCents
			}
			if totals.SubtotalCents != nil {
				subtotal = *totals.SubtotalCents
			}
			if totals.OriginalSubtotalCents != nil {
				origSubtotal = *totals.OriginalSubtotalCents
			}
			if totals.DiscountPercent != nil {
				discount = *totals.DiscountPercent
			}
		}

		// paid_cents is what the provider captured. Deposit-only checkouts
		// charge less than the rental total, so the captured amount from the
		// event is authoritative; the total stays the contractual figure.
		paidCents := totalCents
		if totals != nil && totals.PaidCents != nil && *totals.PaidCents > 0 {
			paidCents = *totals.PaidCents
		}
		totalPaid := paidCents >= totalCents

		updated, err := scanBooking(tx.QueryRow(ctx,
			`UPDATE bookings SET
				status = 'confirmed',
				hold_expires_at = NULL,
				payment_intent_id = COALESCE(payment_intent_id, NULLIF($2, '')),
				deposit_only = $3,
				deposit_paid = $4,
				total_paid = $5,
				paid_cents = $6,
				total_cents = $7,
				subtotal_cents = $8,
				original_subtotal_cents = $9,
				discount_percent = $10,
				updated_at = now()
			WHERE id = $1
			RETURNING `+bookingColumns,
			bookingID, paymentIntentID,
			depositOnly, depositOnly, totalPaid, paidCents,
			totalCents, subtotal, origSubtotal, discount,
		))
		if err != nil {
			return err
		}

		if len(jobs) > 0 {
			if err := enqueueJobsCore(ctx, tx, bookingID, jobs); err != nil {
				return err
			}
		}

		out = &domain.PromoteOutcome{Transitioned: true, Booking: updated}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return out, nil
}

// CancelIfPending cancels a booking only when it is still PENDING, so an
// abandonment event racing a promotion can never undo a confirmation.
func (r *BookingRepo) CancelIfPending(ctx context.Context, bookingID int64) (bool, error) {
	const op = "postgres.BookingRepo.CancelIfPending"

	tag, err := r.handle().Exec(ctx,
		`UPDATE bookings
			SET status = 'cancelled', hold_expires_at = NULL, updated_at = now()
		  WHERE id = $1 AND status = 'pending'`,
		bookingID,
	)
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return tag.RowsAffected() == 1, nil
}

// ExpireStale cancels every PENDING hold whose expiry is more than grace
// in the past. CONFIRMED rows are never touched.
func (r *BookingRepo) ExpireStale(ctx context.Context, now time.Time, grace time.Duration) (int64, error) {
	const op = "postgres.BookingRepo.ExpireStale"

	tag, err := r.handle().Exec(ctx,
		`UPDATE bookings
			SET status = 'cancelled', hold_expires_at = NULL, updated_at = now()
		  WHERE status = 'pending' AND hold_expires_at < $1`,
		now.Add(-grace),
	)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return tag.RowsAffected(), nil
}

// ApplyRefund stores the recomputed refund state of a booking. Refund ids
// are merged as a set, so replaying the same event yields the same row.
// Full/partial classification compares against the charge's own captured
// amount: refunding a deposit charge in full is FULL even though the
// rental total was never captured.
func (r *BookingRepo) ApplyRefund(
	ctx context.Context,
	bookingID int64,
	chargeID string,
	chargeAmountCents int64,
	amountRefundedCents int64,
	refundIDs []string,
) (*domain.Booking, error) {
	const op = "postgres.BookingRepo.ApplyRefund"

	var out *domain.Booking
	err := r.store.RunTx(ctx, nil, func(ctx context.Context, tx DB) error {
		b, err := scanBooking(tx.QueryRow(ctx,
			`SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, bookingID,
		))
		if err != nil {
			return err
		}

		merged := mergeRefundIDs(b.RefundIDs, refundIDs)

		captured := chargeAmountCents
		if captured <= 0 {
			captured = b.PaidCents
		}

		status := domain.RefundNone
		switch {
		case amountRefundedCents <= 0:
			status = domain.RefundNone
		case captured > 0 && amountRefundedCents >= captured:
			status = domain.RefundFull
		default:
			status = domain.RefundPartial
		}

		out, err = scanBooking(tx.QueryRow(ctx,
			`UPDATE bookings SET
				refunded_cents = $2,
				refund_status = $3,
				refund_ids = $4,
				last_charge_id = $5,
				updated_at = now()
			WHERE id = $1
			RETURNING `+bookingColumns,
			bookingID, amountRefundedCents, status, merged, chargeID,
		))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return out, nil
}

func mergeRefundIDs(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, id := range existing {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	for _, id := range incoming {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	return merged
}

func (r *BookingRepo) AttachInvoice(ctx context.Context, bookingID int64, inv domain.InvoiceRef) error {
	const op = "postgres.BookingRepo.AttachInvoice"

	_, err := r.handle().Exec(ctx,
		`UPDATE bookings SET
			invoice_provider = $2,
			invoice_provider_id = $3,
			invoice_number = $4,
			invoice_pdf_url = $5,
			invoice_atcud = $6,
			updated_at = now()
		WHERE id = $1 AND invoice_number IS NULL`,
		bookingID, inv.Provider, inv.ProviderID, inv.Number, inv.PDFURL, inv.ATCUD,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// ClaimEmailSent claims the sent timestamp for one audience via an
// update-where-still-null, so two concurrent workers cannot both send.
func (r *BookingRepo) ClaimEmailSent(ctx context.Context, bookingID int64, internal bool, at time.Time) (bool, error) {
	const op = "postgres.BookingRepo.ClaimEmailSent"

	col := "customer_email_sent_at"
	if internal {
		col = "internal_email_sent_at"
	}

	tag, err := r.handle().Exec(ctx,
		`UPDATE bookings SET `+col+` = $2, updated_at = now()
		  WHERE id = $1 AND `+col+` IS NULL`,
		bookingID, at,
	)
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return tag.RowsAffected() == 1, nil
}

// InsertConfirmed is the trusted-staff path: a zero-cost booking created
// directly in CONFIRMED. The overlap precheck produces the friendly error;
// the exclusion constraint remains the real guard.
func (r *BookingRepo) InsertConfirmed(ctx context.Context, spec domain.OpsSpec) (int64, error) {
	const op = "postgres.BookingRepo.InsertConfirmed"

	var id int64
	err := r.store.RunTx(ctx, nil, func(ctx context.Context, tx DB) error {
		if err := lockMachine(ctx, tx, spec.MachineID); err != nil {
			return err
		}

		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM bookings
				 WHERE machine_id = $1
				   AND status IN ('pending', 'confirmed')
				   AND start_date <= $3 AND end_date >= $2
			)`,
			spec.MachineID, spec.StartDate, spec.EndDate,
		).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return repository.ErrOverlap
		}

		return tx.QueryRow(ctx,
			`INSERT INTO bookings (
				machine_id, start_date, end_date, status,
				customer_name, customer_email, customer_phone, customer_tax_id,
				total_paid, ops_note
			) VALUES ($1, $2, $3, 'confirmed', $4, $5, $6, $7, TRUE, $8)
			RETURNING id`,
			spec.MachineID, spec.StartDate, spec.EndDate,
			spec.Customer.Name, spec.Customer.Email, spec.Customer.Phone, spec.Customer.TaxID,
			spec.Note,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}

// RangesForMachine lists the active booked ranges from the given day on,
// for availability calendars.
func (r *BookingRepo) RangesForMachine(ctx context.Context, machineID int64, from time.Time) ([]domain.DateRange, error) {
	const op = "postgres.BookingRepo.RangesForMachine"

	rows, err := r.handle().Query(ctx,
		`SELECT start_date, end_date
		   FROM bookings
		  WHERE machine_id = $1
			AND status IN ('pending', 'confirmed')
			AND end_date >= $2
		  ORDER BY start_date`,
		machineID, from,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}
	defer rows.Close()

	var ranges []domain.DateRange
	for rows.Next() {
		var dr domain.DateRange
		if err := rows.Scan(&dr.Start, &dr.End); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		ranges = append(ranges, dr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return ranges, nil
}
