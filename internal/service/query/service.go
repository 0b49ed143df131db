// Package query serves the read side: machine catalog, availability
// calendars, and the success-page booking view. Reads are cached in
// redis with singleflight so a cache miss hits Postgres once.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lusomaq/rentgo/internal/domain"
	"github.com/lusomaq/rentgo/internal/repository"
	redisrepo "github.com/lusomaq/rentgo/internal/repository/redis"

	redisx "github.com/lusomaq/rentgo/internal/redis"
)

var ErrNotFound = errors.New("not found")

type Machines interface {
	Get(ctx context.Context, id int64) (*domain.Machine, error)
	List(ctx context.Context) ([]domain.Machine, error)
}

type Ledger interface {
	Get(ctx context.Context, id int64) (*domain.Booking, error)
	RangesForMachine(ctx context.Context, machineID int64, from time.Time) ([]domain.DateRange, error)
}

type Config struct {
	CacheTTL time.Duration
	Location *time.Location
}

type Service struct {
	cfg      Config
	machines Machines
	ledger   Ledger
	cache    *redisrepo.Cache
	log      *slog.Logger
	now      func() time.Time
}

func NewService(cfg Config, machines Machines, ledger Ledger, cache *redisrepo.Cache, log *slog.Logger) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	return &Service{
		cfg:      cfg,
		machines: machines,
		ledger:   ledger,
		cache:    cache,
		log:      log,
		now:      time.Now,
	}
}

func (s *Service) ListMachines(ctx context.Context) ([]domain.Machine, error) {
	const op = "query.Service.ListMachines"

	load := func(ctx context.Context) ([]domain.Machine, error) {
		return s.machines.List(ctx)
	}

	var (
		machines []domain.Machine
		err      error
	)
	if s.cache != nil {
		machines, err = redisrepo.GetOrSetJSON(ctx, s.cache, redisx.KeyMachineList(), s.cfg.CacheTTL, load)
	} else {
		machines, err = load(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return machines, nil
}

func (s *Service) GetMachine(ctx context.Context, id int64) (*domain.Machine, error) {
	const op = "query.Service.GetMachine"

	load := func(ctx context.Context) (*domain.Machine, error) {
		return s.machines.Get(ctx, id)
	}

	var (
		m   *domain.Machine
		err error
	)
	if s.cache != nil {
		m, err = redisrepo.GetOrSetJSON(ctx, s.cache, redisx.KeyMachineSummary(id), s.cfg.CacheTTL, load)
	} else {
		m, err = load(ctx)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return m, nil
}

// Availability lists the active booked ranges for a machine from today
// on, for the calendar widget. PENDING holds block dates too.
func (s *Service) Availability(ctx context.Context, machineID int64) ([]domain.DateRange, error) {
	const op = "query.Service.Availability"

	if _, err := s.GetMachine(ctx, machineID); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	from := s.today()
	load := func(ctx context.Context) ([]domain.DateRange, error) {
		return s.ledger.RangesForMachine(ctx, machineID, from)
	}

	var (
		ranges []domain.DateRange
		err    error
	)
	if s.cache != nil {
		ranges, err = redisrepo.GetOrSetJSON(ctx, s.cache, redisx.KeyMachineAvailability(machineID), s.cfg.CacheTTL, load)
	} else {
		ranges, err = load(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return ranges, nil
}

// GetBooking backs the success page. Uncached: the page polls it right
// around the confirmation transition.
func (s *Service) GetBooking(ctx context.Context, id int64) (*domain.Booking, error) {
	const op = "query.Service.GetBooking"

	b, err := s.ledger.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return b, nil
}

// InvalidateMachine drops this instance's cached reads for a machine.
// Called by the pubsub subscriber when another instance changes state.
func (s *Service) InvalidateMachine(ctx context.Context, machineID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateMachine(ctx, machineID); err != nil {
		s.log.Warn("cache invalidation failed", "machine_id", machineID, "error", err)
	}
}

func (s *Service) today() time.Time {
	y, m, d := s.now().In(s.cfg.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
