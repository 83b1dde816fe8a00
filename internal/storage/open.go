package storage

import (
	"context"
	"errors"
	"strings"

	logx "carbonbot/pkg/logx"
)

// Open initializes the configured store, verifies it is reachable and wraps it
// with Guard. An empty driver selects the memory store.
func Open(ctx context.Context, cfg Config, log logx.Logger, observe OpObserver) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "", "memory", "mem":
		if driver == "" {
			log.Warn("storage driver not set; subscribers are kept in memory only")
		}
		st = NewMemory()
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "redis":
		st, err = openRedis(cfg.Redis)
	case "postgres", "postgresql", "pg":
		st, err = openPostgres(ctx, cfg.Postgres)
	case "datastore", "firestore":
		st, err = openDatastore(ctx, cfg.Datastore)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return Guard(st, log, observe), nil
}
