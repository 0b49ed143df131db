// Package hold turns validated booking requests into PENDING holds and
// expires the stale ones. All day math happens in the business timezone.
package hold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lusomaq/rentgo/internal/domain"
	"github.com/lusomaq/rentgo/internal/pricing"
	"github.com/lusomaq/rentgo/internal/repository"
)

type Ledger interface {
	CreateOrReuseHold(ctx context.Context, spec domain.HoldSpec) (*domain.HoldResult, error)
	Get(ctx context.Context, id int64) (*domain.Booking, error)
	ExpireStale(ctx context.Context, now time.Time, grace time.Duration) (int64, error)
}

type Machines interface {
	Get(ctx context.Context, id int64) (*domain.Machine, error)
}

type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, current int64, retryAfter time.Duration, err error)
}

type Fence interface {
	Contains(lat, lng float64) bool
}

type Checkout interface {
	CreateCheckoutSession(ctx context.Context, b *domain.Booking, machineName string, amountCents int64, description string) (string, error)
}

type Invalidator interface {
	InvalidateMachine(ctx context.Context, machineID int64) error
}

type Publisher interface {
	PublishBookingChanged(ctx context.Context, machineID, bookingID int64) error
}

type Config struct {
	Location    *time.Location
	HoldTTL     time.Duration
	ExpiryGrace time.Duration
}

type Service struct {
	cfg      Config
	ledger   Ledger
	machines Machines
	limiter  Limiter
	fence    Fence
	checkout Checkout
	cache    Invalidator
	bus      Publisher
	log      *slog.Logger
	now      func() time.Time
}

func NewService(
	cfg Config,
	ledger Ledger,
	machines Machines,
	limiter Limiter,
	fence Fence,
	checkout Checkout,
	cache Invalidator,
	bus Publisher,
	log *slog.Logger,
) *Service {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 30 * time.Minute
	}
	if cfg.ExpiryGrace <= 0 {
		cfg.ExpiryGrace = 2 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	return &Service{
		cfg:      cfg,
		ledger:   ledger,
		machines: machines,
		limiter:  limiter,
		fence:    fence,
		checkout: checkout,
		cache:    cache,
		bus:      bus,
		log:      log,
		now:      time.Now,
	}
}

// AddonSelection names a machine add-on by code; Units matters only for
// per-unit charge models.
type AddonSelection struct {
	Code  string
	Units int
}

type Request struct {
	MachineID int64
	StartDate time.Time
	EndDate   time.Time

	Customer        domain.Customer
	Delivery        bool
	SiteAddress     *domain.Address
	BillingAddress  *domain.Address
	BusinessBilling bool

	Addons          []AddonSelection
	DiscountPercent int
	DepositOnly     bool

	// ClientKey scopes the rate limit, normally the caller's IP.
	ClientKey string
}

type Result struct {
	BookingID     int64
	Reused        bool
	HoldExpiresAt time.Time

	SubtotalCents int64
	DiscountCents int64
	TotalCents    int64
	DueNowCents   int64

	CheckoutURL string
}

// CreateOrReuseHold validates the request, prices it server-side, and
// creates or extends a PENDING hold for the machine and date range. A
// repeat request from the same customer for the same range reuses the
// existing hold with its expiry pushed forward.
//
// Parameters:
//   - ctx: request context.
//   - req: the booking request; totals in it are ignored, pricing is
//     recomputed here.
//
// Returns:
//   - *Result: hold identity, authoritative totals, and the checkout URL.
//   - error: ErrDatesUnavailable when another customer blocks the range,
//     ErrRateLimited, or one of the validation sentinels.
func (s *Service) CreateOrReuseHold(ctx context.Context, req Request) (*Result, error) {
	const op = "hold.Service.CreateOrReuseHold"

	if s.limiter != nil && req.ClientKey != "" {
		allowed, _, retryAfter, err := s.limiter.Allow(ctx, req.ClientKey)
		if err != nil {
			s.log.Warn("rate limiter unavailable, allowing request", "error", err)
		} else if !allowed {
			s.log.Info("hold request rate limited",
				"client_key", req.ClientKey, "retry_after", retryAfter)
			return nil, fmt.Errorf("%s:%w", op, ErrRateLimited)
		}
	}

	machine, err := s.machines.Get(ctx, req.MachineID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrMachineNotFound)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	start := s.day(req.StartDate)
	end := s.day(req.EndDate)
	days, err := s.validateDates(start, end, machine)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	if err := validateCustomer(req.Customer); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if req.DiscountPercent < 0 || req.DiscountPercent > 100 {
		return nil, fmt.Errorf("%s:%w", op, ErrInvalidDiscount)
	}

	if req.Delivery {
		if req.SiteAddress == nil || (req.SiteAddress.Lat == 0 && req.SiteAddress.Lng == 0) {
			return nil, fmt.Errorf("%s:%w", op, ErrMissingAddress)
		}
		if s.fence != nil && !s.fence.Contains(req.SiteAddress.Lat, req.SiteAddress.Lng) {
			return nil, fmt.Errorf("%s:%w", op, ErrOutsideServiceArea)
		}
	}

	selections, err := resolveAddons(machine, req.Addons)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	quote := pricing.ComputeQuote(days, machine.DailyRateCents, selections, req.DiscountPercent)

	spec := domain.HoldSpec{
		MachineID:             machine.ID,
		StartDate:             start,
		EndDate:               end,
		Customer:              req.Customer,
		Delivery:              req.Delivery,
		SiteAddress:           req.SiteAddress,
		BillingAddress:        req.BillingAddress,
		BusinessBilling:       req.BusinessBilling,
		DiscountPercent:       req.DiscountPercent,
		OriginalSubtotalCents: quote.SubtotalCents,
		SubtotalCents:         quote.SubtotalCents - quote.DiscountCents,
		TotalCents:            quote.TotalCents,
		DepositOnly:           req.DepositOnly,
		HoldExpiresAt:         s.now().Add(s.cfg.HoldTTL),
	}

	held, err := s.ledger.CreateOrReuseHold(ctx, spec)
	if err != nil {
		if errors.Is(err, repository.ErrOverlap) {
			return nil, fmt.Errorf("%s:%w", op, ErrDatesUnavailable)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.log.Info("hold created",
		"booking_id", held.BookingID,
		"machine_id", machine.ID,
		"reused", held.Reused,
		"expires_at", held.HoldExpiresAt,
	)

	s.afterChange(ctx, machine.ID, held.BookingID)

	res := &Result{
		BookingID:     held.BookingID,
		Reused:        held.Reused,
		HoldExpiresAt: held.HoldExpiresAt,
		SubtotalCents: quote.SubtotalCents,
		DiscountCents: quote.DiscountCents,
		TotalCents:    quote.TotalCents,
		DueNowCents:   quote.TotalCents,
	}
	if req.DepositOnly && machine.DepositCents > 0 && machine.DepositCents < quote.TotalCents {
		res.DueNowCents = machine.DepositCents
	}

	if s.checkout != nil {
		booking, err := s.ledger.Get(ctx, held.BookingID)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
		desc := fmt.Sprintf("Rental %s to %s", start.Format("2006-01-02"), end.Format("2006-01-02"))
		if req.DepositOnly && res.DueNowCents != quote.TotalCents {
			desc += " (deposit)"
		}
		url, err := s.checkout.CreateCheckoutSession(ctx, booking, machine.Name, res.DueNowCents, desc)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
		res.CheckoutURL = url
	}

	return res, nil
}

// ExpireStaleHolds cancels every PENDING hold whose expiry is more than
// the grace period in the past. Run from the cron sweep and the internal
// sweep endpoint.
func (s *Service) ExpireStaleHolds(ctx context.Context) (int64, error) {
	const op = "hold.Service.ExpireStaleHolds"

	n, err := s.ledger.ExpireStale(ctx, s.now(), s.cfg.ExpiryGrace)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}
	if n > 0 {
		s.log.Info("expired stale holds", "count", n)
	}

	return n, nil
}

// day normalizes a timestamp to the UTC midnight of its calendar day as
// seen in the business timezone.
func (s *Service) day(t time.Time) time.Time {
	y, m, d := t.In(s.cfg.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *Service) validateDates(start, end time.Time, machine *domain.Machine) (int, error) {
	if start.After(end) {
		return 0, ErrInvalidDateRange
	}

	today := s.day(s.now())
	if start.Before(today) {
		return 0, ErrInvalidDateRange
	}

	days := int(end.Sub(start).Hours()/24) + 1
	if machine.MinRentalDays > 0 && days < machine.MinRentalDays {
		return 0, ErrBelowMinimumDays
	}

	earliest := today.AddDate(0, 0, machine.LeadTimeDays)
	if machine.SameDayCutoffHour > 0 && s.now().In(s.cfg.Location).Hour() >= machine.SameDayCutoffHour {
		earliest = earliest.AddDate(0, 0, 1)
	}
	if start.Before(earliest) {
		return 0, ErrLeadTime
	}

	return days, nil
}

func validateCustomer(c domain.Customer) error {
	if strings.TrimSpace(c.Name) == "" || !strings.Contains(c.Email, "@") {
		return ErrInvalidCustomer
	}
	return nil
}

func resolveAddons(machine *domain.Machine, chosen []AddonSelection) ([]pricing.Selection, error) {
	if len(chosen) == 0 {
		return nil, nil
	}

	byCode := make(map[string]domain.Addon, len(machine.Addons))
	for _, a := range machine.Addons {
		byCode[a.Code] = a
	}

	selections := make([]pricing.Selection, 0, len(chosen))
	for _, sel := range chosen {
		addon, ok := byCode[sel.Code]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAddon, sel.Code)
		}
		selections = append(selections, pricing.Selection{Addon: addon, Units: sel.Units})
	}

	return selections, nil
}

// afterChange drops cached reads and fans the change out to other
// instances. Best effort on purpose.
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
