package query

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

type fakeMachines struct {
	machines map[int64]*domain.Machine
	gets     int
}

func (f *fakeMachines) Get(_ context.Context, id int64) (*domain.Machine, error) {
	f.gets++
	m, ok := f.machines[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m, nil
}

func (f *fakeMachines) List(context.Context) ([]domain.Machine, error) {
	out := make([]domain.Machine, 0, len(f.machines))
	for _, m := range f.machines {
		out = append(out, *m)
	}
	return out, nil
}

type fakeLedger struct {
	ranges   []domain.DateRange
	lastFrom time.Time
}

func (f *fakeLedger) Get(_ context.Context, id int64) (*domain.Booking, error) {
	if id != 5 {
		return nil, repository.ErrNotFound
	}
	return &domain.Booking{ID: 5, Status: domain.BookingConfirmed}, nil
}

func (f *fakeLedger) RangesForMachine(_ context.Context, _ int64, from time.Time) ([]domain.DateRange, error) {
	f.lastFrom = from
	return f.ranges, nil
}

func newTestService(machines *fakeMachines, ledger *fakeLedger) *Service {
	// Cache-less construction exercises the direct load path.
	s := NewService(Config{Location: time.UTC}, machines, ledger, nil, slog.New(slog.DiscardHandler))
	s.now = func() time.Time { return time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC) }
	return s
}

func TestGetMachineNotFound(t *testing.T) {
	svc := newTestService(&fakeMachines{machines: map[int64]*domain.Machine{}}, &fakeLedger{})

	_, err := svc.GetMachine(context.Background(), 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAvailabilityStartsToday(t *testing.T) {
	ledger := &fakeLedger{ranges: []domain.DateRange{
		{Start: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC)},
	}}
	machines := &fakeMachines{machines: map[int64]*domain.Machine{1: {ID: 1, Name: "Dumper"}}}
	svc := newTestService(machines, ledger)

	ranges, err := svc.Availability(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, ranges, 1)
	assert.Equal(t, time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC), ledger.lastFrom)
}

func TestGetBooking(t *testing.T) {
	svc := newTestService(&fakeMachines{}, &fakeLedger{})

	b, err := svc.GetBooking(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.ID)

	_, err = svc.GetBooking(context.Background(), 6)
	assert.ErrorIs(t, err, ErrNotFound)
}
