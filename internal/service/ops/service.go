// Package ops is the trusted-staff path: zero-cost CONFIRMED bookings
// created directly, for maintenance blocks and phone orders.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lusomaq/rentgo/internal/domain"
	"github.com/lusomaq/rentgo/internal/repository"
)

var (
	ErrOverlap          = errors.New("dates overlap an active booking")
	ErrInvalidDateRange = errors.New("invalid date range")
	ErrMachineNotFound  = errors.New("machine not found")
	ErrInvalidMachine   = errors.New("invalid machine definition")
)

type Ledger interface {
	InsertConfirmed(ctx context.Context, spec domain.OpsSpec) (int64, error)
}

type Machines interface {
	Get(ctx context.Context, id int64) (*domain.Machine, error)
	Create(ctx context.Context, m domain.Machine) (int64, error)
}

type Invalidator interface {
	InvalidateMachine(ctx context.Context, machineID int64) error
}

type Publisher interface {
	PublishBookingChanged(ctx context.Context, machineID, bookingID int64) error
}

type Service struct {
	ledger   Ledger
	machines Machines
	cache    Invalidator
	bus      Publisher
	log      *slog.Logger
	loc      *time.Location
}

func NewService(ledger Ledger, machines Machines, cache Invalidator, bus Publisher, loc *time.Location, log *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}

	return &Service{
		ledger:   ledger,
		machines: machines,
		cache:    cache,
		bus:      bus,
		log:      log,
		loc:      loc,
	}
}

// CreateOpsBooking inserts a CONFIRMED booking with no payment attached.
// Pricing, lead time and geofence checks do not apply; the overlap
// invariant still does.
//
// Returns:
//   - int64: the new booking id.
//   - error: ErrOverlap when the range collides with an active booking.
func (s *Service) CreateOpsBooking(ctx context.Context, spec domain.OpsSpec) (int64, error) {
	const op = "ops.Service.CreateOpsBooking"

	if _, err := s.machines.Get(ctx, spec.MachineID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, fmt.Errorf("%s:%w", op, ErrMachineNotFound)
		}
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	spec.StartDate = s.day(spec.StartDate)
	spec.EndDate = s.day(spec.EndDate)
	if spec.StartDate.After(spec.EndDate) {
		return 0, fmt.Errorf("%s:%w", op, ErrInvalidDateRange)
	}

	id, err := s.ledger.InsertConfirmed(ctx, spec)
	if err != nil {
		if errors.Is(err, repository.ErrOverlap) {
			return 0, fmt.Errorf("%s:%w", op, ErrOverlap)
		}
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	s.log.Info("ops booking created",
		"booking_id", id,
		"machine_id", spec.MachineID,
		"start", spec.StartDate.Format("2006-01-02"),
		"end", spec.EndDate.Format("2006-01-02"),
	)

	if s.cache != nil {
		if err := s.cache.InvalidateMachine(ctx, spec.MachineID); err != nil {
			s.log.Warn("cache invalidation failed", "machine_id", spec.MachineID, "error", err)
		}
	}
	if s.bus != nil {
		if err := s.bus.PublishBookingChanged(ctx, spec.MachineID, id); err != nil {
			s.log.Warn("booking change publish failed", "machine_id", spec.MachineID, "error", err)
		}
	}

	return id, nil
}

// CreateMachine adds a machine to the catalog.
func (s *Service) CreateMachine(ctx context.Context, m domain.Machine) (int64, error) {
	const op = "ops.Service.CreateMachine"

	if strings.TrimSpace(m.Name) == "" || strings.TrimSpace(m.Slug) == "" || m.DailyRateCents <= 0 {
		return 0, fmt.Errorf("%s:%w", op, ErrInvalidMachine)
	}

	id, err := s.machines.Create(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	s.log.Info("machine created", "machine_id", id, "slug", m.Slug)

	if s.cache != nil {
		if err := s.cache.InvalidateMachine(ctx, id); err != nil {
			s.log.Warn("cache invalidation failed", "machine_id", id, "error", err)
		}
	}

	return id, nil
}

func (s *Service) day(t time.Time) time.Time {
	y, m, d := t.In(s.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
