package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"carbonbot/internal/domain"
	logx "carbonbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

var (
	_ Store     = (*sqliteStore)(nil)
	_ RoleStore = (*sqliteStore)(nil)
)

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) SetSubscriber(ctx context.Context, id domain.SubscriberID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(id, created_at) VALUES(?, ?) ON CONFLICT(id) DO NOTHING`,
		string(id), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteSubscriber(ctx context.Context, id domain.SubscriberID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = ?`, string(id))
	return err
}

func (s *sqliteStore) ListSubscribers(ctx context.Context) ([]domain.SubscriberID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM subscribers`)
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

func (s *sqliteStore) PutMeasurement(ctx context.Context, rec domain.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO measurements(id, plant, co2e, ts, ts_unix) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET plant=excluded.plant, co2e=excluded.co2e, ts=excluded.ts, ts_unix=excluded.ts_unix`,
		rec.ID, rec.Plant, rec.CO2e, rec.Timestamp.Format(time.RFC3339Nano), rec.Timestamp.UnixNano(),
	)
	return err
}

func (s *sqliteStore) LatestMeasurement(ctx context.Context) (domain.Record, bool, error) {
	var (
		rec domain.Record
		ts  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, plant, co2e, ts FROM measurements ORDER BY ts_unix DESC, id DESC LIMIT 1`,
	).Scan(&rec.ID, &rec.Plant, &rec.CO2e, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, false, nil
	}
	if err != nil {
		return domain.Record{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return domain.Record{}, false, fmt.Errorf("measurement %s: bad timestamp %q: %w", rec.ID, ts, err)
	}
	rec.Timestamp = t
	return rec, true, nil
}

func (s *sqliteStore) PutRole(ctx context.Context, id domain.SubscriberID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO roles(id, role, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET role=excluded.role, updated_at=excluded.updated_at`,
		string(id), role, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LoadRoles(ctx context.Context) (map[domain.SubscriberID]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, role FROM roles`)
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
