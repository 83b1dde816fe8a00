package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carbonbot/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS carbon_subscribers (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS carbon_measurements (
	id    TEXT PRIMARY KEY,
	plant TEXT NOT NULL,
	co2e  DOUBLE PRECISION NOT NULL,
	ts    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS carbon_measurements_ts_idx ON carbon_measurements (ts DESC);
CREATE TABLE IF NOT EXISTS carbon_roles (
	id         TEXT PRIMARY KEY,
	role       TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

type postgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ Store     = (*postgresStore)(nil)
	_ RoleStore = (*postgresStore)(nil)
)

func openPostgres(ctx context.Context, cfg PostgresConfig) (*postgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage.postgres.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	st := &postgresStore{pool: pool}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return st, nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	var one int
	return s.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) SetSubscriber(ctx context.Context, id domain.SubscriberID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO carbon_subscribers (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, string(id))
	return err
}

func (s *postgresStore) DeleteSubscriber(ctx context.Context, id domain.SubscriberID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM carbon_subscribers WHERE id = $1`, string(id))
	return err
}

func (s *postgresStore) ListSubscribers(ctx context.Context) ([]domain.SubscriberID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM carbon_subscribers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SubscriberID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, domain.SubscriberID(id))
	}
	return out, rows.Err()
}

func (s *postgresStore) PutMeasurement(ctx context.Context, rec domain.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO carbon_measurements (id, plant, co2e, ts) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET plant = EXCLUDED.plant, co2e = EXCLUDED.co2e, ts = EXCLUDED.ts`,
		rec.ID, rec.Plant, rec.CO2e, rec.Timestamp)
	return err
}

func (s *postgresStore) LatestMeasurement(ctx context.Context) (domain.Record, bool, error) {
	var rec domain.Record
	err := s.pool.QueryRow(ctx,
		`SELECT id, plant, co2e, ts FROM carbon_measurements ORDER BY ts DESC, id DESC LIMIT 1`,
	).Scan(&rec.ID, &rec.Plant, &rec.CO2e, &rec.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Record{}, false, nil
	}
	if err != nil {
		return domain.Record{}, false, err
	}
	return rec, true, nil
}

func (s *postgresStore) PutRole(ctx context.Context, id domain.SubscriberID, role string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO carbon_roles (id, role) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()`,
		string(id), role)
	return err
}

func (s *postgresStore) LoadRoles(ctx context.Context) (map[domain.SubscriberID]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, role FROM carbon_roles`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.SubscriberID]string{}
	for rows.Next() {
		var id, role string
		if err := rows.Scan(&id, &role); err != nil {
			return nil, err
		}
		out[domain.SubscriberID(id)] = role
	}
	return out, rows.Err()
}
