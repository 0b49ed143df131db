package ops

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
	insertErr error
	lastSpec  *domain.OpsSpec
}

func (f *fakeLedger) InsertConfirmed(_ context.Context, spec domain.OpsSpec) (int64, error) {
	f.lastSpec = &spec
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	return 11, nil
}

type fakeMachines struct {
	known   map[int64]bool
	created []domain.Machine
}

func (f *fakeMachines) Get(_ context.Context, id int64) (*domain.Machine, error) {
	if !f.known[id] {
		return nil, repository.ErrNotFound
	}
	return &domain.Machine{ID: id}, nil
}

func (f *fakeMachines) Create(_ context.Context, m domain.Machine) (int64, error) {
	f.created = append(f.created, m)
	return int64(len(f.created)), nil
}

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func validSpec() domain.OpsSpec {
	return domain.OpsSpec{
		MachineID: 1,
		StartDate: day("2026-09-10"),
		EndDate:   day("2026-09-12"),
		Customer:  domain.Customer{Name: "Workshop", Email: "ops@example.com"},
		Note:      "scheduled maintenance",
	}
}

func newTestService(ledger *fakeLedger, machines *fakeMachines) *Service {
	return NewService(ledger, machines, nil, nil, time.UTC, slog.New(slog.DiscardHandler))
}

func TestCreateOpsBooking(t *testing.T) {
	ledger := &fakeLedger{}
	svc := newTestService(ledger, &fakeMachines{known: map[int64]bool{1: true}})

	id, err := svc.CreateOpsBooking(context.Background(), validSpec())
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
	assert.Equal(t, "scheduled maintenance", ledger.lastSpec.Note)
}

func TestCreateOpsBookingOverlapIsTyped(t *testing.T) {
	ledger := &fakeLedger{insertErr: repository.ErrOverlap}
	svc := newTestService(ledger, &fakeMachines{known: map[int64]bool{1: true}})

	_, err := svc.CreateOpsBooking(context.Background(), validSpec())
	assert.ErrorIs(t, err, ErrOverlap)
}

func TestCreateOpsBookingValidation(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeMachines{known: map[int64]bool{1: true}})

	spec := validSpec()
	spec.StartDate, spec.EndDate = spec.EndDate, spec.StartDate
	_, err := svc.CreateOpsBooking(context.Background(), spec)
	assert.ErrorIs(t, err, ErrInvalidDateRange)

	spec = validSpec()
	spec.MachineID = 99
	_, err = svc.CreateOpsBooking(context.Background(), spec)
	assert.ErrorIs(t, err, ErrMachineNotFound)
}

func TestCreateMachine(t *testing.T) {
	machines := &fakeMachines{known: map[int64]bool{}}
	svc := newTestService(&fakeLedger{}, machines)

	id, err := svc.CreateMachine(context.Background(), domain.Machine{
		Name:           "Telehandler",
		Slug:           "telehandler",
		DailyRateCents: 18000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	_, err = svc.CreateMachine(context.Background(), domain.Machine{Slug: "x"})
	assert.ErrorIs(t, err, ErrInvalidMachine)
}
