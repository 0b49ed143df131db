package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lusomaq/rentgo/internal/domain"
	"github.com/lusomaq/rentgo/internal/payment"
	"github.com/lusomaq/rentgo/internal/repository"
)

type promoteCall struct {
	bookingID       int64
	paymentIntentID string
	paidCents       int64
	jobs            []domain.JobType
}

type fakeLedger struct {
	bookings map[int64]*domain.Booking
	byIntent map[string]*domain.Booking

	promotes    []promoteCall
	cancels     []int64
	cancelOK    bool
	refundCalls int

	lastRefundIDs    []string
	lastRefundAmount int64
	lastChargeAmount int64
}

func (f *fakeLedger) Get(_ context.Context, id int64) (*domain.Booking, error) {
	b, ok := f.bookings[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return b, nil
}

func (f *fakeLedger) GetByPaymentIntent(_ context.Context, pi string) (*domain.Booking, error) {
	b, ok := f.byIntent[pi]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return b, nil
}

func (f *fakeLedger) Promote(_ context.Context, bookingID int64, paymentIntentID string, totals *domain.PaymentTotals, jobs []domain.JobType) (*domain.PromoteOutcome, error) {
	b, ok := f.bookings[bookingID]
	if !ok {
		return nil, repository.ErrNotFound
	}

	if b.Status == domain.BookingConfirmed {
		return &domain.PromoteOutcome{Transitioned: false, Booking: b}, nil
	}

	call := promoteCall{bookingID: bookingID, paymentIntentID: paymentIntentID, jobs: jobs}
	paid := b.TotalCents
	if totals != nil && totals.PaidCents != nil {
		paid = *totals.PaidCents
	}
	call.paidCents = paid

	f.promotes = append(f.promotes, call)
	b.Status = domain.BookingConfirmed
	b.HoldExpiresAt = nil
	b.PaidCents = paid
	if b.PaymentIntentID == nil && paymentIntentID != "" {
		pi := paymentIntentID
		b.PaymentIntentID = &pi
	}

	return &domain.PromoteOutcome{Transitioned: true, Booking: b}, nil
}

func (f *fakeLedger) CancelIfPending(_ context.Context, bookingID int64) (bool, error) {
	f.cancels = append(f.cancels, bookingID)
	b, ok := f.bookings[bookingID]
	if !ok || b.Status != domain.BookingPending {
		return false, nil
	}
	b.Status = domain.BookingCancelled
	return true, nil
}

func (f *fakeLedger) ApplyRefund(_ context.Context, bookingID int64, chargeID string, chargeAmount, amount int64, refundIDs []string) (*domain.Booking, error) {
	f.refundCalls++
	f.lastChargeAmount = chargeAmount
	f.lastRefundAmount = amount
	f.lastRefundIDs = refundIDs

	b := f.bookings[bookingID]
	b.RefundedCents = amount
	b.LastChargeID = &chargeID
	return b, nil
}

type fakeEvents struct {
	seen map[string]bool
}

func (f *fakeEvents) Record(_ context.Context, eventID, _ string, _ *int64) (bool, error) {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[eventID] {
		return false, nil
	}
	f.seen[eventID] = true
	return true, nil
}

type fakeGateway struct {
	facts    *domain.EventFacts
	parseErr error
	charge   *domain.ChargeFacts
	fetches  int

	intents     map[string]*domain.PaymentIntentFacts
	intentReads int
}

func (f *fakeGateway) ParseEvent([]byte, string) (*domain.EventFacts, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	return f.facts, nil
}

func (f *fakeGateway) FetchCharge(context.Context, string) (*domain.ChargeFacts, error) {
	f.fetches++
	return f.charge, nil
}

func (f *fakeGateway) FetchPaymentIntent(_ context.Context, id string) (*domain.PaymentIntentFacts, error) {
	f.intentReads++
	if pi, ok := f.intents[id]; ok {
		return pi, nil
	}
	return nil, errors.New("no such payment intent")
}

type fakeKicker struct{ kicks int }

func (f *fakeKicker) KickJobs(context.Context) error {
	f.kicks++
	return nil
}

func pendingBooking(id int64) *domain.Booking {
	return &domain.Booking{ID: id, MachineID: 1, Status: domain.BookingPending}
}

func newTestService(ledger *fakeLedger, gw *fakeGateway, kicker *fakeKicker) (*Service, *fakeEvents) {
	events := &fakeEvents{}
	var k Kicker
	if kicker != nil {
		k = kicker
	}
	svc := NewService(ledger, events, gw, k, nil, nil, slog.New(slog.DiscardHandler))
	return svc, events
}

func TestHandleWebhookBadSignatureHardFails(t *testing.T) {
	gw := &fakeGateway{parseErr: payment.ErrBadSignature}
	svc, _ := newTestService(&fakeLedger{}, gw, nil)

	err := svc.HandleWebhook(context.Background(), []byte("{}"), "bad")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestHandleWebhookUnparsablePayloadSoftFails(t *testing.T) {
	gw := &fakeGateway{parseErr: errors.New("garbled payload")}
	svc, _ := newTestService(&fakeLedger{}, gw, nil)

	assert.NoError(t, svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))
}

func TestHandleWebhookDeduplicates(t *testing.T) {
	ledger := &fakeLedger{bookings: map[int64]*domain.Booking{5: pendingBooking(5)}}
	gw := &fakeGateway{facts: &domain.EventFacts{
		EventID:         "evt_1",
		Type:            payment.EventCheckoutCompleted,
		BookingID:       5,
		PaymentIntentID: "pi_1",
		Paid:            true,
	}}
	kicker := &fakeKicker{}
	svc, _ := newTestService(ledger, gw, kicker)

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))
	require.NoError(t, svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))

	// The second delivery performs zero mutations.
	assert.Len(t, ledger.promotes, 1)
	assert.Equal(t, 1, kicker.kicks)
}

func TestHandleWebhookUnpaidCheckoutWaits(t *testing.T) {
	ledger := &fakeLedger{bookings: map[int64]*domain.Booking{5: pendingBooking(5)}}
	gw := &fakeGateway{facts: &domain.EventFacts{
		EventID:   "evt_unpaid",
		Type:      payment.EventCheckoutCompleted,
		BookingID: 5,
		Paid:      false,
	}}
	svc, _ := newTestService(ledger, gw, nil)

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))
	assert.Empty(t, ledger.promotes)
	assert.Equal(t, domain.BookingPending, ledger.bookings[5].Status)
}

func TestHandleWebhookAsyncPaymentPromotes(t *testing.T) {
	ledger := &fakeLedger{bookings: map[int64]*domain.Booking{5: pendingBooking(5)}}
	gw := &fakeGateway{facts: &domain.EventFacts{
		EventID:         "evt_async",
		Type:            payment.EventCheckoutAsyncSucceeded,
		BookingID:       5,
		PaymentIntentID: "pi_9",
	}}
	svc, _ := newTestService(ledger, gw, nil)

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))

	require.Len(t, ledger.promotes, 1)
	assert.Equal(t, domain.ConfirmationJobs, ledger.promotes[0].jobs)
	assert.Equal(t, domain.BookingConfirmed, ledger.bookings[5].Status)
}

func TestHandleWebhookExpiredSessionCancelsOnlyPending(t *testing.T) {
	confirmed := pendingBooking(6)
	confirmed.Status = domain.BookingConfirmed
	ledger := &fakeLedger{bookings: map[int64]*domain.Booking{
		5: pendingBooking(5),
		6: confirmed,
	}}

	gw := &fakeGateway{facts: &domain.EventFacts{
		EventID:   "evt_exp1",
		Type:      payment.EventCheckoutExpired,
		BookingID: 5,
	}}
	svc, _ := newTestService(ledger, gw, nil)
	require.NoError(t, svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))
	assert.Equal(t, domain.BookingCancelled, ledger.bookings[5].Status)

	gw.facts = &domain.EventFacts{EventID: "evt_exp2", Type: payment.EventCheckoutExpired, BookingID: 6}
	require.NoError(t, svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))
	assert.Equal(t, domain.BookingConfirmed, ledger.bookings[6].Status)
}

func TestPromoteIdempotent(t *testing.T) {
	ledger := &fakeLedger{bookings: map[int64]*domain.Booking{5: pendingBooking(5)}}
	kicker := &fakeKicker{}
	svc, _ := newTestService(ledger, &fakeGateway{}, kicker)

	out, err := svc.Promote(context.Background(), 5, "pi_1", nil)
	require.NoError(t, err)
	assert.True(t, out.Transitioned)

	// Second promotion, possibly with a different intent id, is a no-op
	// success: no second enqueue, no overwrite, no second kick.
	out, err = svc.Promote(context.Background(), 5, "pi_other", nil)
	require.NoError(t, err)
	assert.False(t, out.Transitioned)

	assert.Len(t, ledger.promotes, 1)
	assert.Equal(t, 1, kicker.kicks)
	require.NotNil(t, ledger.bookings[5].PaymentIntentID)
	assert.Equal(t, "pi_1", *ledger.bookings[5].PaymentIntentID)
}

func TestPromoteUnknownBooking(t *testing.T) {
	svc, _ := newTestService(&fakeLedger{bookings: map[int64]*domain.Booking{}}, &fakeGateway{}, nil)

	_, err := svc.Promote(context.Background(), 404, "pi_1", nil)
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestEnsureConfirmedRacesWebhook(t *testing.T) {
	ledger := &fakeLedger{bookings: map[int64]*domain.Booking{5: pendingBooking(5)}}
	gw := &fakeGateway{intents: map[string]*domain.PaymentIntentFacts{
		"pi_1": {PaymentIntentID: "pi_1", Paid: true, AmountReceivedCents: 25020},
	}}
	svc, _ := newTestService(ledger, gw, nil)

	b, err := svc.EnsureConfirmed(context.Background(), 5, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, b.Status)

	// The webhook arriving afterwards finds the work done; the second call
	// short-circuits on the confirmed status without another provider read.
	b, err = svc.EnsureConfirmed(context.Background(), 5, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, b.Status)
	assert.Len(t, ledger.promotes, 1)
	assert.Equal(t, 1, gw.intentReads)
}

func TestEnsureConfirmedRefusesWithoutPaymentEvidence(t *testing.T) {
	ledger := &fakeLedger{bookings: map[int64]*domain.Booking{5: pendingBooking(5)}}
	svc, _ := newTestService(ledger, &fakeGateway{}, nil)

	// No intent on the request and none stored on the booking.
	_, err := svc.EnsureConfirmed(context.Background(), 5, "")
	assert.ErrorIs(t, err, ErrPaymentNotVerified)
	assert.Empty(t, ledger.promotes)
	assert.Equal(t, domain.BookingPending, ledger.bookings[5].Status)
}

func TestEnsureConfirmedRefusesUnpaidIntent(t *testing.T) {
	ledger := &fakeLedger{bookings: map[int64]*domain.Booking{5: pendingBooking(5)}}
	gw := &fakeGateway{intents: map[string]*domain.PaymentIntentFacts{
		"pi_1": {PaymentIntentID: "pi_1", Paid: false},
	}}
	svc, _ := newTestService(ledger, gw, nil)

	_, err := svc.EnsureConfirmed(context.Background(), 5, "pi_1")
	assert.ErrorIs(t, err, ErrPaymentNotVerified)
	assert.Empty(t, ledger.promotes)
	assert.Equal(t, domain.BookingPending, ledger.bookings[5].Status)
}

func TestEnsureConfirmedUsesStoredIntent(t *testing.T) {
	b := pendingBooking(5)
	pi := "pi_stored"
	b.PaymentIntentID = &pi
	ledger := &fakeLedger{bookings: map[int64]*domain.Booking{5: b}}
	gw := &fakeGateway{intents: map[string]*domain.PaymentIntentFacts{
		"pi_stored": {PaymentIntentID: "pi_stored", Paid: true, AmountReceivedCents: 5000},
	}}
	svc, _ := newTestService(ledger, gw, nil)

	got, err := svc.EnsureConfirmed(context.Background(), 5, "")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, got.Status)
	require.Len(t, ledger.promotes, 1)
	assert.Equal(t, int64(5000), ledger.promotes[0].paidCents)
}

func TestHandleWebhookDepositOnlyRecordsCapturedAmount(t *testing.T) {
	b := pendingBooking(5)
	b.DepositOnly = true
	b.TotalCents = 27800
	ledger := &fakeLedger{bookings: map[int64]*domain.Booking{5: b}}

	gw := &fakeGateway{facts: &domain.EventFacts{
		EventID:         "evt_dep",
		Type:            payment.EventCheckoutCompleted,
		BookingID:       5,
		PaymentIntentID: "pi_dep",
		Paid:            true,
		AmountTotal:     5000,
	}}
	svc, _ := newTestService(ledger, gw, nil)

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))

	// The ledger records the captured deposit, not the rental total.
	require.Len(t, ledger.promotes, 1)
	assert.Equal(t, int64(5000), ledger.promotes[0].paidCents)
	assert.Equal(t, int64(5000), ledger.bookings[5].PaidCents)
	assert.Equal(t, int64(27800), ledger.bookings[5].TotalCents)
}

func TestRefundRecomputedFromCharge(t *testing.T) {
	b := pendingBooking(5)
	b.Status = domain.BookingConfirmed
	b.PaidCents = 33930
	ledger := &fakeLedger{bookings: map[int64]*domain.Booking{5: b}}

	gw := &fakeGateway{
		facts: &domain.EventFacts{
			EventID:   "evt_rf1",
			Type:      payment.EventChargeRefunded,
			BookingID: 5,
			ChargeID:  "ch_1",
		},
		charge: &domain.ChargeFacts{
			ChargeID:       "ch_1",
			AmountCents:    33930,
			AmountRefunded: 10000,
			RefundIDs:      []string{"re_1"},
		},
	}
	svc, _ := newTestService(ledger, gw, nil)

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))
	assert.Equal(t, 1, gw.fetches, "refund state must come from the charge re-fetch")
	assert.Equal(t, int64(33930), ledger.lastChargeAmount, "classification base is the charge's own amount")
	assert.Equal(t, int64(10000), ledger.lastRefundAmount)
	assert.Equal(t, []string{"re_1"}, ledger.lastRefundIDs)

	// A later refund-updated event for the same charge converges on the
	// provider's cumulative figures.
	gw.facts = &domain.EventFacts{EventID: "evt_rf2", Type: payment.EventChargeRefundUpdated, ChargeID: "ch_1", BookingID: 5}
	gw.charge = &domain.ChargeFacts{ChargeID: "ch_1", AmountRefunded: 33930, RefundIDs: []string{"re_1", "re_2"}}

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))
	assert.Equal(t, int64(33930), ledger.lastRefundAmount)
	assert.Equal(t, 2, ledger.refundCalls)
}

func TestRefundResolvesBookingByPaymentIntent(t *testing.T) {
	b := pendingBooking(5)
	b.Status = domain.BookingConfirmed
	ledger := &fakeLedger{
		bookings: map[int64]*domain.Booking{5: b},
		byIntent: map[string]*domain.Booking{"pi_1": b},
	}

	gw := &fakeGateway{
		facts:  &domain.EventFacts{EventID: "evt_rf3", Type: payment.EventChargeRefunded, ChargeID: "ch_1"},
		charge: &domain.ChargeFacts{ChargeID: "ch_1", PaymentIntentID: "pi_1", AmountRefunded: 500, RefundIDs: []string{"re_9"}},
	}
	svc, _ := newTestService(ledger, gw, nil)

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))
	assert.Equal(t, 1, ledger.refundCalls)
}
