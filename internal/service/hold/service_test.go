package hold

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lusomaq/rentgo/internal/domain"
	"github.com/lusomaq/rentgo/internal/repository"
)

type fakeLedger struct {
	holdErr    error
	holdResult *domain.HoldResult
	lastSpec   *domain.HoldSpec
	booking    *domain.Booking

	expired   int64
	lastGrace time.Duration
}

func (f *fakeLedger) CreateOrReuseHold(_ context.Context, spec domain.HoldSpec) (*domain.HoldResult, error) {
	f.lastSpec = &spec
	if f.holdErr != nil {
		return nil, f.holdErr
	}
	if f.holdResult != nil {
		return f.holdResult, nil
	}
	return &domain.HoldResult{BookingID: 42, HoldExpiresAt: spec.HoldExpiresAt}, nil
}

func (f *fakeLedger) Get(_ context.Context, id int64) (*domain.Booking, error) {
	if f.booking != nil {
		return f.booking, nil
	}
	return &domain.Booking{ID: id, MachineID: 1, Customer: domain.Customer{Email: "a@x.com"}}, nil
}

func (f *fakeLedger) ExpireStale(_ context.Context, _ time.Time, grace time.Duration) (int64, error) {
	f.lastGrace = grace
	return f.expired, nil
}

type fakeMachines struct {
	machines map[int64]*domain.Machine
}

func (f *fakeMachines) Get(_ context.Context, id int64) (*domain.Machine, error) {
	m, ok := f.machines[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m, nil
}

type fakeLimiter struct {
	allowed bool
	calls   int
}

func (f *fakeLimiter) Allow(context.Context, string) (bool, int64, time.Duration, error) {
	f.calls++
	return f.allowed, 1, time.Second, nil
}

type fakeFence struct{ inside bool }

func (f *fakeFence) Contains(float64, float64) bool { return f.inside }

type fakeCheckout struct {
	lastAmount int64
	url        string
}

func (f *fakeCheckout) CreateCheckoutSession(_ context.Context, _ *domain.Booking, _ string, amountCents int64, _ string) (string, error) {
	f.lastAmount = amountCents
	if f.url == "" {
		f.url = "https://checkout.example/s/abc"
	}
	return f.url, nil
}

var testNow = time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func testMachine() *domain.Machine {
	return &domain.Machine{
		ID:                1,
		Name:              "Mini excavator",
		Slug:              "mini-excavator",
		DailyRateCents:    9900,
		DepositCents:      5000,
		MinRentalDays:     2,
		LeadTimeDays:      1,
		SameDayCutoffHour: 17,
		Addons: []domain.Addon{
			{Code: "delivery", Name: "Delivery", ChargeModel: domain.ChargeFlat, AmountCents: 4000},
			{Code: "pickup", Name: "Pickup", ChargeModel: domain.ChargeFlat, AmountCents: 4000},
		},
	}
}

func newTestService(ledger *fakeLedger, machines *fakeMachines, limiter Limiter, fence Fence, checkout Checkout) *Service {
	s := NewService(
		Config{Location: time.UTC, HoldTTL: 30 * time.Minute, ExpiryGrace: 2 * time.Minute},
		ledger, machines, limiter, fence, checkout, nil, nil,
		slog.New(slog.DiscardHandler),
	)
	s.now = func() time.Time { return testNow }
	return s
}

func validRequest() Request {
	return Request{
		MachineID: 1,
		StartDate: day("2026-08-30"),
		EndDate:   day("2026-08-31"),
		Customer:  domain.Customer{Name: "Ana", Email: "ana@example.com"},
		Addons:    []AddonSelection{{Code: "delivery"}, {Code: "pickup"}},
	}
}

func TestCreateOrReuseHoldPricesServerSide(t *testing.T) {
	ledger := &fakeLedger{}
	machines := &fakeMachines{machines: map[int64]*domain.Machine{1: testMachine()}}
	checkout := &fakeCheckout{}
	svc := newTestService(ledger, machines, nil, nil, checkout)

	req := validRequest()
	req.DiscountPercent = 10

	res, err := svc.CreateOrReuseHold(context.Background(), req)
	require.NoError(t, err)

	// 2 days x 99.00 + 40.00 + 40.00 = 278.00, minus 10%.
	assert.Equal(t, int64(27800), res.SubtotalCents)
	assert.Equal(t, int64(2780), res.DiscountCents)
	assert.Equal(t, int64(25020), res.TotalCents)
	assert.Equal(t, res.TotalCents, res.DueNowCents)
	assert.Equal(t, res.TotalCents, checkout.lastAmount)
	assert.Equal(t, "https://checkout.example/s/abc", res.CheckoutURL)

	require.NotNil(t, ledger.lastSpec)
	assert.Equal(t, int64(27800), ledger.lastSpec.OriginalSubtotalCents)
	assert.Equal(t, int64(25020), ledger.lastSpec.SubtotalCents)
	assert.Equal(t, testNow.Add(30*time.Minute), ledger.lastSpec.HoldExpiresAt)
}

func TestCreateOrReuseHoldReusesExisting(t *testing.T) {
	later := testNow.Add(45 * time.Minute)
	ledger := &fakeLedger{holdResult: &domain.HoldResult{BookingID: 7, Reused: true, HoldExpiresAt: later}}
	machines := &fakeMachines{machines: map[int64]*domain.Machine{1: testMachine()}}
	svc := newTestService(ledger, machines, nil, nil, nil)

	res, err := svc.CreateOrReuseHold(context.Background(), validRequest())
	require.NoError(t, err)

	assert.True(t, res.Reused)
	assert.Equal(t, int64(7), res.BookingID)
	// The effective expiry comes from the ledger, which never shortens it.
	assert.Equal(t, later, res.HoldExpiresAt)
}

func TestCreateOrReuseHoldOverlap(t *testing.T) {
	ledger := &fakeLedger{holdErr: repository.ErrOverlap}
	machines := &fakeMachines{machines: map[int64]*domain.Machine{1: testMachine()}}
	svc := newTestService(ledger, machines, nil, nil, nil)

	_, err := svc.CreateOrReuseHold(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrDatesUnavailable)
}

func TestCreateOrReuseHoldValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Request)
		now     time.Time
		wantErr error
	}{
		{
			name:    "start after end",
			mutate:  func(r *Request) { r.StartDate, r.EndDate = r.EndDate.AddDate(0, 0, 3), r.StartDate },
			wantErr: ErrInvalidDateRange,
		},
		{
			name:    "start in the past",
			mutate:  func(r *Request) { r.StartDate = day("2026-08-20") },
			wantErr: ErrInvalidDateRange,
		},
		{
			name:    "below minimum days",
			mutate:  func(r *Request) { r.EndDate = r.StartDate },
			wantErr: ErrBelowMinimumDays,
		},
		{
			name:    "inside lead time",
			mutate:  func(r *Request) { r.StartDate, r.EndDate = day("2026-08-28"), day("2026-08-29") },
			wantErr: ErrLeadTime,
		},
		{
			name:    "cutoff hour pushes lead time a day",
			mutate:  func(r *Request) { r.StartDate, r.EndDate = day("2026-08-29"), day("2026-08-30") },
			now:     time.Date(2026, 8, 28, 18, 0, 0, 0, time.UTC),
			wantErr: ErrLeadTime,
		},
		{
			name:    "missing customer email",
			mutate:  func(r *Request) { r.Customer.Email = "nope" },
			wantErr: ErrInvalidCustomer,
		},
		{
			name:    "discount out of range",
			mutate:  func(r *Request) { r.DiscountPercent = 101 },
			wantErr: ErrInvalidDiscount,
		},
		{
			name:    "unknown addon",
			mutate:  func(r *Request) { r.Addons = []AddonSelection{{Code: "crane"}} },
			wantErr: ErrUnknownAddon,
		},
		{
			name:    "delivery without coordinates",
			mutate:  func(r *Request) { r.Delivery = true },
			wantErr: ErrMissingAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &fakeLedger{}
			machines := &fakeMachines{machines: map[int64]*domain.Machine{1: testMachine()}}
			svc := newTestService(ledger, machines, nil, nil, nil)
			if !tt.now.IsZero() {
				now := tt.now
				svc.now = func() time.Time { return now }
			}

			req := validRequest()
			tt.mutate(&req)

			_, err := svc.CreateOrReuseHold(context.Background(), req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, ledger.lastSpec, "ledger must not be touched on validation failure")
		})
	}
}

func TestCreateOrReuseHoldGeofence(t *testing.T) {
	ledger := &fakeLedger{}
	machines := &fakeMachines{machines: map[int64]*domain.Machine{1: testMachine()}}
	svc := newTestService(ledger, machines, nil, &fakeFence{inside: false}, nil)

	req := validRequest()
	req.Delivery = true
	req.SiteAddress = &domain.Address{Line1: "Rua A 1", Lat: 41.1, Lng: -8.6}

	_, err := svc.CreateOrReuseHold(context.Background(), req)
	assert.ErrorIs(t, err, ErrOutsideServiceArea)

	// Self-collection skips the fence entirely.
	req.Delivery = false
	_, err = svc.CreateOrReuseHold(context.Background(), req)
	assert.NoError(t, err)
}

func TestCreateOrReuseHoldRateLimited(t *testing.T) {
	ledger := &fakeLedger{}
	machines := &fakeMachines{machines: map[int64]*domain.Machine{1: testMachine()}}
	limiter := &fakeLimiter{allowed: false}
	svc := newTestService(ledger, machines, limiter, nil, nil)

	req := validRequest()
	req.ClientKey = "ip:10.0.0.1"

	_, err := svc.CreateOrReuseHold(context.Background(), req)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, limiter.calls)
	assert.Nil(t, ledger.lastSpec)
}

func TestCreateOrReuseHoldDepositOnly(t *testing.T) {
	ledger := &fakeLedger{}
	machines := &fakeMachines{machines: map[int64]*domain.Machine{1: testMachine()}}
	checkout := &fakeCheckout{}
	svc := newTestService(ledger, machines, nil, nil, checkout)

	req := validRequest()
	req.DepositOnly = true

	res, err := svc.CreateOrReuseHold(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(27800), res.TotalCents)
	assert.Equal(t, int64(5000), res.DueNowCents)
	assert.Equal(t, int64(5000), checkout.lastAmount)
}

func TestCreateOrReuseHoldUnknownMachine(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeMachines{machines: map[int64]*domain.Machine{}}, nil, nil, nil)

	req := validRequest()
	req.MachineID = 99

	_, err := svc.CreateOrReuseHold(context.Background(), req)
	assert.ErrorIs(t, err, ErrMachineNotFound)
}

func TestExpireStaleHolds(t *testing.T) {
	ledger := &fakeLedger{expired: 3}
	svc := newTestService(ledger, &fakeMachines{}, nil, nil, nil)

	n, err := svc.ExpireStaleHolds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 2*time.Minute, ledger.lastGrace)
}
