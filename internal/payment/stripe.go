// Package payment wraps the Stripe API: webhook verification, checkout
// session creation, and authoritative charge reads for refund math.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/lusomaq/rentgo/internal/domain"
)

// ErrBadSignature marks a webhook that failed authenticity verification.
// It is the one error the transport hard-fails so the provider retries.
var ErrBadSignature = errors.New("invalid webhook signature")

const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutExpired        = "checkout.session.expired"
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventChargeRefunded         = "charge.refunded"
	EventChargeRefundUpdated    = "charge.refund.updated"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	SuccessURL    string
	CancelURL     string
	CheckoutTTL   time.Duration
}

type Gateway struct {
	cfg Config
	sc  *client.API
}

func New(cfg Config) *Gateway {
	if cfg.Currency == "" {
		cfg.Currency = "eur"
	}
	if cfg.CheckoutTTL <= 0 {
		cfg.CheckoutTTL = 30 * time.Minute
	}

	sc := &client.API{}
	sc.Init(cfg.SecretKey, nil)

	return &Gateway{cfg: cfg, sc: sc}
}

// ParseEvent verifies the payload signature and normalizes the event into
// provider-neutral facts. A signature failure returns ErrBadSignature; a
// payload we cannot interpret returns a plain error the caller may soft-fail.
func (g *Gateway) ParseEvent(payload []byte, sigHeader string) (*domain.EventFacts, error) {
	const op = "payment.Gateway.ParseEvent"

	event, err := webhook.ConstructEvent(payload, sigHeader, g.cfg.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%s:%w: %w", op, ErrBadSignature, err)
	}

	facts := &domain.EventFacts{
		EventID: event.ID,
		Type:    string(event.Type),
	}

	switch facts.Type {
	case EventCheckoutCompleted, EventCheckoutAsyncSucceeded, EventCheckoutExpired:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("%s: decode checkout session: %w", op, err)
		}
		facts.BookingID = bookingIDFrom(cs.ClientReferenceID, cs.Metadata)
		if cs.PaymentIntent != nil {
			facts.PaymentIntentID = cs.PaymentIntent.ID
		}
		facts.Paid = cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
		facts.AmountTotal = cs.AmountTotal

	case EventPaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%s: decode payment intent: %w", op, err)
		}
		facts.BookingID = bookingIDFrom("", pi.Metadata)
		facts.PaymentIntentID = pi.ID
		facts.Paid = true
		facts.AmountTotal = pi.AmountReceived
		if pi.LatestCharge != nil {
			facts.ChargeID = pi.LatestCharge.ID
		}

	case EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%s: decode charge: %w", op, err)
		}
		facts.ChargeID = ch.ID
		facts.BookingID = bookingIDFrom("", ch.Metadata)
		if ch.PaymentIntent != nil {
			facts.PaymentIntentID = ch.PaymentIntent.ID
		}

	case EventChargeRefundUpdated:
		var rf stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &rf); err != nil {
			return nil, fmt.Errorf("%s: decode refund: %w", op, err)
		}
		if rf.Charge != nil {
			facts.ChargeID = rf.Charge.ID
		}
		facts.BookingID = bookingIDFrom("", rf.Metadata)
	}

	return facts, nil
}

// FetchCharge re-reads the charge with refunds expanded, so refund state is
// recomputed from the provider's ledger rather than from event payloads
// that may arrive partial or out of order.
func (g *Gateway) FetchCharge(ctx context.Context, chargeID string) (*domain.ChargeFacts, error) {
	const op = "payment.Gateway.FetchCharge"

	params := &stripe.ChargeParams{}
	params.Context = ctx
	params.AddExpand("refunds")

	ch, err := g.sc.Charges.Get(chargeID, params)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	facts := &domain.ChargeFacts{
		ChargeID:       ch.ID,
		AmountCents:    ch.Amount,
		AmountRefunded: ch.AmountRefunded,
	}
	if ch.PaymentIntent != nil {
		facts.PaymentIntentID = ch.PaymentIntent.ID
	}
	if ch.Refunds != nil {
		for _, rf := range ch.Refunds.Data {
			facts.RefundIDs = append(facts.RefundIDs, rf.ID)
		}
	}

	return facts, nil
}

// FetchPaymentIntent reads the intent's current status from the provider.
// Used when a promotion is requested by the success page rather than by a
// signature-verified webhook event: the intent itself is the payment
// evidence then.
func (g *Gateway) FetchPaymentIntent(ctx context.Context, paymentIntentID string) (*domain.PaymentIntentFacts, error) {
	const op = "payment.Gateway.FetchPaymentIntent"

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.sc.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	facts := &domain.PaymentIntentFacts{
		PaymentIntentID:     pi.ID,
		Paid:                pi.Status == stripe.PaymentIntentStatusSucceeded,
		AmountReceivedCents: pi.AmountReceived,
	}
	if pi.LatestCharge != nil {
		facts.ChargeID = pi.LatestCharge.ID
	}

	return facts, nil
}

// CreateCheckoutSession builds the hosted checkout for a hold. The booking
// id travels as both client reference and metadata (session and payment
// intent) so every event type can be tied back to its booking.
func (g *Gateway) CreateCheckoutSession(
	ctx context.Context,
	b *domain.Booking,
	machineName string,
	amountCents int64,
	description string,
) (string, error) {
	const op = "payment.Gateway.CreateCheckoutSession"

	meta := map[string]string{
		"booking_id": strconv.FormatInt(b.ID, 10),
		"machine_id": strconv.FormatInt(b.MachineID, 10),
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(g.cfg.SuccessURL),
		CancelURL:         stripe.String(g.cfg.CancelURL),
		ClientReferenceID: stripe.String(strconv.FormatInt(b.ID, 10)),
		CustomerEmail:     stripe.String(b.Customer.Email),
		ExpiresAt:         stripe.Int64(time.Now().Add(g.cfg.CheckoutTTL).Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(g.cfg.Currency),
					UnitAmount: stripe.Int64(amountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(machineName),
						Description: stripe.String(description),
					},
				},
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: meta,
		},
	}
	params.Context = ctx
	for k, v := range meta {
		params.AddMetadata(k, v)
	}

	sess, err := g.sc.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}

	return sess.URL, nil
}

func bookingIDFrom(clientRef string, metadata map[string]string) int64 {
	if clientRef != "" {
		if id, err := strconv.ParseInt(clientRef, 10, 64); err == nil {
			return id
		}
	}
	if metadata != nil {
		if raw, ok := metadata["booking_id"]; ok {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return id
			}
		}
	}
	return 0
}
