// Package reconcile is the single place where external payment events
// turn into durable booking state. Everything here is idempotent under
// duplicate, retried, and out-of-order deliveries.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lusomaq/rentgo/internal/domain"
	"github.com/lusomaq/rentgo/internal/payment"
	"github.com/lusomaq/rentgo/internal/repository"
)

type Ledger interface {
	Get(ctx context.Context, id int64) (*domain.Booking, error)
	GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*domain.Booking, error)
	Promote(ctx context.Context, bookingID int64, paymentIntentID string, totals *domain.PaymentTotals, jobs []domain.JobType) (*domain.PromoteOutcome, error)
	CancelIfPending(ctx context.Context, bookingID int64) (bool, error)
	ApplyRefund(ctx context.Context, bookingID int64, chargeID string, chargeAmountCents, amountRefundedCents int64, refundIDs []string) (*domain.Booking, error)
}

type Events interface {
	Record(ctx context.Context, eventID, eventType string, bookingID *int64) (bool, error)
}

// Gateway is the provider-facing half: signature-checked event parsing
// and authoritative charge and payment-intent reads.
type Gateway interface {
	ParseEvent(payload []byte, sigHeader string) (*domain.EventFacts, error)
	FetchCharge(ctx context.Context, chargeID string) (*domain.ChargeFacts, error)
	FetchPaymentIntent(ctx context.Context, paymentIntentID string) (*domain.PaymentIntentFacts, error)
}

// Kicker nudges the job worker after a confirmation. Best effort.
type Kicker interface {
	KickJobs(ctx context.Context) error
}

type Invalidator interface {
	InvalidateMachine(ctx context.Context, machineID int64) error
}

type Publisher interface {
	PublishBookingChanged(ctx context.Context, machineID, bookingID int64) error
}

type Service struct {
	ledger  Ledger
	events  Events
	gateway Gateway
	kicker  Kicker
	cache   Invalidator
	bus     Publisher
	log     *slog.Logger
}

func NewService(
	ledger Ledger,
	events Events,
	gateway Gateway,
	kicker Kicker,
	cache Invalidator,
	bus Publisher,
	log *slog.Logger,
) *Service {
	return &Service{
		ledger:  ledger,
		events:  events,
		gateway: gateway,
		kicker:  kicker,
		cache:   cache,
		bus:     bus,
		log:     log,
	}
}

// HandleWebhook verifies, deduplicates and applies one provider event.
//
// The only hard failure is ErrBadSignature, which the transport turns
// into a rejection so the provider retries once the misconfiguration is
// fixed. Every other internal problem is logged and swallowed: a hard
// failure here would make the provider redeliver an event we may have
// already half-applied.
//
// Parameters:
//   - ctx: request context.
//   - payload: the raw request body, untouched by any JSON middleware.
//   - sigHeader: the provider's signature header.
//
// Returns:
//   - error: ErrBadSignature, or nil.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	const op = "reconcile.Service.HandleWebhook"

	facts, err := s.gateway.ParseEvent(payload, sigHeader)
	if err != nil {
		if errors.Is(err, payment.ErrBadSignature) {
			return fmt.Errorf("%s:%w", op, ErrBadSignature)
		}
		s.log.Error("webhook payload not interpretable", "error", err)
		return nil
	}

	var bookingID *int64
	if facts.BookingID != 0 {
		bookingID = &facts.BookingID
	}
	inserted, err := s.events.Record(ctx, facts.EventID, facts.Type, bookingID)
	if err != nil {
		s.log.Error("event dedup record failed",
			"event_id", facts.EventID, "type", facts.Type, "error", err)
		return nil
	}
	if !inserted {
		s.log.Info("event already processed", "event_id", facts.EventID, "type", facts.Type)
		return nil
	}

	if err := s.apply(ctx, facts); err != nil {
		s.log.Error("event handling failed",
			"event_id", facts.EventID,
			"type", facts.Type,
			"booking_id", facts.BookingID,
			"error", err,
		)
	}

	return nil
}

func (s *Service) apply(ctx context.Context, facts *domain.EventFacts) error {
	switch facts.Type {
	case payment.EventCheckoutCompleted:
		// Only a definitively paid session promotes. Bank-transfer style
		// methods complete the session first and pay later.
		if !facts.Paid {
			s.log.Info("checkout completed but unpaid, waiting for async event",
				"event_id", facts.EventID, "booking_id", facts.BookingID)
			return nil
		}
		return s.promote(ctx, facts.BookingID, facts.PaymentIntentID, capturedTotals(facts.AmountTotal))

	case payment.EventCheckoutAsyncSucceeded, payment.EventPaymentIntentSucceeded:
		return s.promote(ctx, facts.BookingID, facts.PaymentIntentID, capturedTotals(facts.AmountTotal))

	case payment.EventCheckoutExpired:
		return s.cancelAbandoned(ctx, facts.BookingID)

	case payment.EventChargeRefunded, payment.EventChargeRefundUpdated:
		return s.applyRefund(ctx, facts)

	default:
		s.log.Info("ignoring event type", "event_id", facts.EventID, "type", facts.Type)
		return nil
	}
}

// Promote transitions a booking to CONFIRMED. Idempotent: an already
// confirmed booking is success, and the side-effect jobs are enqueued
// only by the call that performs the transition.
func (s *Service) Promote(ctx context.Context, bookingID int64, paymentIntentID string, totals *domain.PaymentTotals) (*domain.PromoteOutcome, error) {
	const op = "reconcile.Service.Promote"

	out, err := s.ledger.Promote(ctx, bookingID, paymentIntentID, totals, domain.ConfirmationJobs)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrBookingNotFound)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	if out.Transitioned {
		s.log.Info("booking confirmed",
			"booking_id", bookingID,
			"machine_id", out.Booking.MachineID,
			"payment_intent_id", paymentIntentID,
		)
		s.afterConfirm(ctx, out.Booking)
	}

	return out, nil
}

// EnsureConfirmed is the user-triggered promotion from the success page.
// Unlike the webhook path there is no signature-verified event here, so
// the payment intent is re-read from the provider and the booking is
// promoted only when the provider reports it paid. Whichever of the
// webhook and this call arrives first performs the transition.
//
// Returns:
//   - *domain.Booking: the booking, confirmed.
//   - error: ErrBookingNotFound, or ErrPaymentNotVerified when no paid
//     intent backs the request.
func (s *Service) EnsureConfirmed(ctx context.Context, bookingID int64, paymentIntentID string) (*domain.Booking, error) {
	const op = "reconcile.Service.EnsureConfirmed"

	b, err := s.ledger.Get(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrBookingNotFound)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if b.Status == domain.BookingConfirmed {
		return b, nil
	}

	intentID := paymentIntentID
	if intentID == "" && b.PaymentIntentID != nil {
		intentID = *b.PaymentIntentID
	}
	if intentID == "" {
		return nil, fmt.Errorf("%s:%w", op, ErrPaymentNotVerified)
	}

	intent, err := s.gateway.FetchPaymentIntent(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if !intent.Paid {
		return nil, fmt.Errorf("%s:%w", op, ErrPaymentNotVerified)
	}

	out, err := s.Promote(ctx, bookingID, intent.PaymentIntentID, capturedTotals(intent.AmountReceivedCents))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out.Booking, nil
}

// capturedTotals wraps the provider-reported captured amount; zero means
// the event carried no amount and the stored figures stand.
func capturedTotals(amountCents int64) *domain.PaymentTotals {
	if amountCents <= 0 {
		return nil
	}
	return &domain.PaymentTotals{PaidCents: &amountCents}
}

func (s *Service) promote(ctx context.Context, bookingID int64, paymentIntentID string, totals *domain.PaymentTotals) error {
	if bookingID == 0 {
		return fmt.Errorf("event carries no booking reference")
	}

	_, err := s.Promote(ctx, bookingID, paymentIntentID, totals)
	return err
}

func (s *Service) cancelAbandoned(ctx context.Context, bookingID int64) error {
	if bookingID == 0 {
		return fmt.Errorf("event carries no booking reference")
	}

	cancelled, err := s.ledger.CancelIfPending(ctx, bookingID)
	if err != nil {
		return err
	}
	if cancelled {
		s.log.Info("abandoned hold cancelled", "booking_id", bookingID)
		if b, err := s.ledger.Get(ctx, bookingID); err == nil {
			s.afterChange(ctx, b.MachineID, b.ID)
		}
	}

	return nil
}

// applyRefund recomputes refund state from the provider's own charge
// record instead of trusting the event payload, so partial refunds
// arriving across several events always converge on the same row.
func (s *Service) applyRefund(ctx context.Context, facts *domain.EventFacts) error {
	if facts.ChargeID == "" {
		return fmt.Errorf("refund event carries no charge id")
	}

	charge, err := s.gateway.FetchCharge(ctx, facts.ChargeID)
	if err != nil {
		return err
	}

	booking, err := s.resolveBooking(ctx, facts.BookingID, charge.PaymentIntentID)
	if err != nil {
		return err
	}

	if _, err := s.ledger.ApplyRefund(ctx, booking.ID, charge.ChargeID, charge.AmountCents, charge.AmountRefunded, charge.RefundIDs); err != nil {
		return err
	}

	s.log.Info("refund state recomputed",
		"booking_id", booking.ID,
		"charge_id", charge.ChargeID,
		"refunded_cents", charge.AmountRefunded,
	)

	return nil
}

func (s *Service) resolveBooking(ctx context.Context, bookingID int64, paymentIntentID string) (*domain.Booking, error) {
	if bookingID != 0 {
		b, err := s.ledger.Get(ctx, bookingID)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	if paymentIntentID != "" {
		return s.ledger.GetByPaymentIntent(ctx, paymentIntentID)
	}

	return nil, ErrBookingNotFound
}

func (s *Service) afterConfirm(ctx context.Context, b *domain.Booking) {
	s.afterChange(ctx, b.MachineID, b.ID)
	if s.kicker != nil {
		if err := s.kicker.KickJobs(ctx); err != nil {
			s.log.Warn("job worker kick failed", "booking_id", b.ID, "error", err)
		}
	}
}

func (s *Service) afterChange(ctx context.Context, machineID, bookingID int64) {
	if s.cache != nil {
		if err := s.cache.InvalidateMachine(ctx, machineID); err != nil {
			s.log.Warn("cache invalidation failed", "machine_id", machineID, "error", err)
		}
	}
	if s.bus != nil {
		if err := s.bus.PublishBookingChanged(ctx, machineID, bookingID); err != nil {
			s.log.Warn("booking change publish failed", "machine_id", machineID, "error", err)
		}
	}
}
