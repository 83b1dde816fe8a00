package storage

import (
	"context"
	"fmt"
	"time"

	"carbonbot/internal/domain"
	logx "carbonbot/pkg/logx"
)

// OpObserver receives the outcome of every store operation (metrics hook).
type OpObserver func(op string, err error, took time.Duration)

// guarded wraps driver errors in ErrUnavailable and reports each operation.
type guarded struct {
	inner   Store
	log     logx.Logger
	observe OpObserver
}

var _ Store = (*guarded)(nil)

// Guard wraps s so that every failure satisfies errors.Is(err, ErrUnavailable).
func Guard(s Store, log logx.Logger, observe OpObserver) Store {
	if g, ok := s.(*guarded); ok {
		return g
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &guarded{inner: s, log: log, observe: observe}
}

func (g *guarded) do(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	took := time.Since(start)
	if g.observe != nil {
		g.observe(op, err, took)
	}
	if err == nil {
		return nil
	}
	g.log.Warn("store operation failed", logx.String("op", op), logx.Duration("took", took), logx.Err(err))
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func (g *guarded) SetSubscriber(ctx context.Context, id domain.SubscriberID) error {
	return g.do("set_subscriber", func() error { return g.inner.SetSubscriber(ctx, id) })
}

func (g *guarded) DeleteSubscriber(ctx context.Context, id domain.SubscriberID) error {
	return g.do("delete_subscriber", func() error { return g.inner.DeleteSubscriber(ctx, id) })
}

func (g *guarded) ListSubscribers(ctx context.Context) ([]domain.SubscriberID, error) {
	var out []domain.SubscriberID
	err := g.do("list_subscribers", func() error {
		ids, err := g.inner.ListSubscribers(ctx)
		out = ids
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *guarded) PutMeasurement(ctx context.Context, rec domain.Record) error {
	return g.do("put_measurement", func() error { return g.inner.PutMeasurement(ctx, rec) })
}

func (g *guarded) LatestMeasurement(ctx context.Context) (domain.Record, bool, error) {
	var (
		rec domain.Record
		ok  bool
	)
	err := g.do("latest_measurement", func() error {
		var err error
		rec, ok, err = g.inner.LatestMeasurement(ctx)
		return err
	})
	if err != nil {
		return domain.Record{}, false, err
	}
	return rec, ok, nil
}

func (g *guarded) Ping(ctx context.Context) error {
	return g.do("ping", func() error { return g.inner.Ping(ctx) })
}

func (g *guarded) Close() error { return g.inner.Close() }

type guardedRoles struct {
	g     *guarded
	inner RoleStore
}

func (r guardedRoles) PutRole(ctx context.Context, id domain.SubscriberID, role string) error {
	return r.g.do("put_role", func() error { return r.inner.PutRole(ctx, id, role) })
}

func (r guardedRoles) LoadRoles(ctx context.Context) (map[domain.SubscriberID]string, error) {
	var out map[domain.SubscriberID]string
	err := r.g.do("load_roles", func() error {
		m, err := r.inner.LoadRoles(ctx)
		out = m
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Roles returns the role persistence side of s, if its driver has one.
func Roles(s Store) (RoleStore, bool) {
	if g, ok := s.(*guarded); ok {
		rs, ok := g.inner.(RoleStore)
		if !ok {
			return nil, false
		}
		return guardedRoles{g: g, inner: rs}, true
	}
	rs, ok := s.(RoleStore)
	return rs, ok
}
