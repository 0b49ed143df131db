package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lusomaq/rentgo/internal/domain"
)

type MachineRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *MachineRepo) With(db DB) *MachineRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *MachineRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

const machineColumns = `
	id, name, slug, daily_rate_cents, deposit_cents,
	min_rental_days, lead_time_days, same_day_cutoff_hour, addons, created_at`

func scanMachine(row interface{ Scan(dest ...any) error }) (*domain.Machine, error) {
	var (
		m          domain.Machine
		addonsJSON []byte
	)
	if err := row.Scan(
		&m.ID, &m.Name, &m.Slug, &m.DailyRateCents, &m.DepositCents,
		&m.MinRentalDays, &m.LeadTimeDays, &m.SameDayCutoffHour, &addonsJSON, &m.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(addonsJSON) > 0 {
		if err := json.Unmarshal(addonsJSON, &m.Addons); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (r *MachineRepo) Get(ctx context.Context, id int64) (*domain.Machine, error) {
	const op = "postgres.MachineRepo.Get"

	m, err := scanMachine(r.handle().QueryRow(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE id = $1`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return m, nil
}

func (r *MachineRepo) List(ctx context.Context) ([]domain.Machine, error) {
	const op = "postgres.MachineRepo.List"

	rows, err := r.handle().Query(ctx,
		`SELECT `+machineColumns+` FROM machines ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}
	defer rows.Close()

	var machines []domain.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		machines = append(machines, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return machines, nil
}

// Create adds a machine to the catalog (staff surface).
func (r *MachineRepo) Create(ctx context.Context, m domain.Machine) (int64, error) {
	const op = "postgres.MachineRepo.Create"

	addonsJSON, err := json.Marshal(m.Addons)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	var id int64
	err = r.handle().QueryRow(ctx,
		`INSERT INTO machines (
			name, slug, daily_rate_cents, deposit_cents,
			min_rental_days, lead_time_days, same_day_cutoff_hour, addons
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		m.Name, m.Slug, m.DailyRateCents, m.DepositCents,
		m.MinRentalDays, m.LeadTimeDays, m.SameDayCutoffHour, addonsJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}
