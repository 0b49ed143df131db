// Package jobs drains the durable side-effect queue: invoice issuance,
// confirmation emails, calendar sync. Every handler is idempotent, so a
// job dispatched twice never duplicates an external effect.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lusomaq/rentgo/internal/domain"
	"github.com/lusomaq/rentgo/internal/invoicing"
	"github.com/lusomaq/rentgo/internal/notify"
	"github.com/lusomaq/rentgo/internal/pricing"

	gcal "github.com/lusomaq/rentgo/internal/calendar"
)

type Ledger interface {
	Get(ctx context.Context, id int64) (*domain.Booking, error)
	AttachInvoice(ctx context.Context, bookingID int64, inv domain.InvoiceRef) error
	ClaimEmailSent(ctx context.Context, bookingID int64, internal bool, at time.Time) (bool, error)
}

type Machines interface {
	Get(ctx context.Context, id int64) (*domain.Machine, error)
}

type Queue interface {
	ListPending(ctx context.Context, limit int) ([]domain.BookingJob, error)
	MarkDone(ctx context.Context, jobID int64) error
	MarkFailed(ctx context.Context, jobID int64, msg string, final bool) error
	ListFailed(ctx context.Context, limit int) ([]domain.BookingJob, error)
}

type Invoicer interface {
	Enabled() bool
	Issue(ctx context.Context, req invoicing.Request) (*domain.InvoiceRef, error)
}

type Mailer interface {
	SendCustomerConfirmation(ctx context.Context, f notify.Facts) error
	SendInternalConfirmation(ctx context.Context, f notify.Facts) error
}

type Calendar interface {
	CreateBookingEvent(ctx context.Context, f gcal.Facts) error
}

type Config struct {
	MaxAttempts int
	VATPercent  int
}

type Service struct {
	cfg      Config
	ledger   Ledger
	machines Machines
	queue    Queue
	invoicer Invoicer
	mailer   Mailer
	calendar Calendar
	log      *slog.Logger
	now      func() time.Time
}

func NewService(
	cfg Config,
	ledger Ledger,
	machines Machines,
	queue Queue,
	invoicer Invoicer,
	mailer Mailer,
	calendar Calendar,
	log *slog.Logger,
) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.VATPercent <= 0 {
		cfg.VATPercent = 23
	}

	return &Service{
		cfg:      cfg,
		ledger:   ledger,
		machines: machines,
		queue:    queue,
		invoicer: invoicer,
		mailer:   mailer,
		calendar: calendar,
		log:      log,
		now:      time.Now,
	}
}

// ProcessPending drains up to limit PENDING jobs, oldest first. Transient
// failures stay PENDING with attempts incremented until MaxAttempts,
// permanent ones flip to FAILED at once.
//
// Returns:
//   - int: how many jobs were completed this pass.
//   - error: only listing errors; per-job failures are recorded on the
//     job rows.
func (s *Service) ProcessPending(ctx context.Context, limit int) (int, error) {
	const op = "jobs.Service.ProcessPending"

	pending, err := s.queue.ListPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	done := 0
	for _, job := range pending {
		if err := ctx.Err(); err != nil {
			return done, fmt.Errorf("%s:%w", op, err)
		}

		if err := s.dispatch(ctx, job); err != nil {
			final := errors.Is(err, ErrPermanent) ||
				errors.Is(err, invoicing.ErrRejected) ||
				job.Attempts+1 >= s.cfg.MaxAttempts

			s.log.Warn("job failed",
				"job_id", job.ID,
				"booking_id", job.BookingID,
				"type", job.Type,
				"attempt", job.Attempts+1,
				"final", final,
				"error", err,
			)

			if markErr := s.queue.MarkFailed(ctx, job.ID, err.Error(), final); markErr != nil {
				s.log.Error("marking job failed", "job_id", job.ID, "error", markErr)
			}
			continue
		}

		if err := s.queue.MarkDone(ctx, job.ID); err != nil {
			s.log.Error("marking job done", "job_id", job.ID, "error", err)
			continue
		}
		done++
	}

	return done, nil
}

// ListFailed surfaces permanently failed jobs for the staff endpoint.
func (s *Service) ListFailed(ctx context.Context, limit int) ([]domain.BookingJob, error) {
	const op = "jobs.Service.ListFailed"

	failed, err := s.queue.ListFailed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return failed, nil
}

func (s *Service) dispatch(ctx context.Context, job domain.BookingJob) error {
	booking, err := s.ledger.Get(ctx, job.BookingID)
	if err != nil {
		return err
	}

	switch job.Type {
	case domain.JobIssueInvoice:
		return s.issueInvoice(ctx, booking)
	case domain.JobCustomerEmail:
		return s.sendConfirmation(ctx, booking, false)
	case domain.JobInternalEmail:
		return s.sendConfirmation(ctx, booking, true)
	case domain.JobSyncCalendar:
		return s.syncCalendar(ctx, booking)
	default:
		return fmt.Errorf("%w: %s: %w", ErrUnknownJobType, job.Type, ErrPermanent)
	}
}

// issueInvoice calls the invoicing provider at most once per booking:
// an already attached invoice number short-circuits, and a disabled
// provider is a deliberate skip.
func (s *Service) issueInvoice(ctx context.Context, b *domain.Booking) error {
	if b.Invoice != nil && b.Invoice.Number != "" {
		return nil
	}
	if s.invoicer == nil || !s.invoicer.Enabled() {
		s.log.Info("invoicing disabled, skipping", "booking_id", b.ID)
		return nil
	}

	machine, err := s.machines.Get(ctx, b.MachineID)
	if err != nil {
		return err
	}

	paymentRef := ""
	if b.PaymentIntentID != nil {
		paymentRef = *b.PaymentIntentID
	}

	inv, err := s.invoicer.Issue(ctx, invoicing.Request{
		BookingID:        b.ID,
		MachineName:      machine.Name,
		StartDate:        b.StartDate,
		EndDate:          b.EndDate,
		NetCents:         pricing.NetCents(b.PaidCents, s.cfg.VATPercent),
		VATPercent:       s.cfg.VATPercent,
		Customer:         b.Customer,
		BusinessBilling:  b.BusinessBilling,
		BillingAddress:   b.BillingAddress,
		PaymentReference: paymentRef,
	})
	if err != nil {
		if errors.Is(err, invoicing.ErrDisabled) {
			s.log.Info("invoicing disabled, skipping", "booking_id", b.ID)
			return nil
		}
		return err
	}

	if err := s.ledger.AttachInvoice(ctx, b.ID, *inv); err != nil {
		// The invoice exists at the provider; losing the linkage must
		// surface rather than trigger a duplicate issuance on retry.
		return fmt.Errorf("invoice %s issued but not attached: %w: %w", inv.Number, err, ErrPermanent)
	}

	s.log.Info("invoice issued", "booking_id", b.ID, "invoice_number", inv.Number)

	return nil
}

// sendConfirmation claims the sent timestamp first; the loser of a
// concurrent race finds it claimed and no-ops.
func (s *Service) sendConfirmation(ctx context.Context, b *domain.Booking, internal bool) error {
	claimed, err := s.ledger.ClaimEmailSent(ctx, b.ID, internal, s.now())
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	facts := notify.Facts{
		BookingID:   b.ID,
		StartDate:   b.StartDate,
		EndDate:     b.EndDate,
		TotalCents:  b.PaidCents,
		DepositOnly: b.DepositOnly,
		Customer:    b.Customer,
		Delivery:    b.Delivery,
		SiteAddress: b.SiteAddress,
	}
	if m, err := s.machines.Get(ctx, b.MachineID); err == nil {
		facts.MachineName = m.Name
	}
	if b.Invoice != nil {
		facts.InvoiceNumber = b.Invoice.Number
	}

	if internal {
		err = s.mailer.SendInternalConfirmation(ctx, facts)
	} else {
		err = s.mailer.SendCustomerConfirmation(ctx, facts)
	}
	if err != nil {
		return err
	}

	s.log.Info("confirmation email sent", "booking_id", b.ID, "internal", internal)

	return nil
}

func (s *Service) syncCalendar(ctx context.Context, b *domain.Booking) error {
	if s.calendar == nil {
		return nil
	}

	machine, err := s.machines.Get(ctx, b.MachineID)
	if err != nil {
		return err
	}

	return s.calendar.CreateBookingEvent(ctx, gcal.Facts{
		BookingID:   b.ID,
		MachineID:   b.MachineID,
		MachineName: machine.Name,
		StartDate:   b.StartDate,
		EndDate:     b.EndDate,
		Customer:    b.Customer,
		Delivery:    b.Delivery,
		SiteAddress: b.SiteAddress,
	})
}
