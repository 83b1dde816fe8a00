package storage

import (
	"context"
	"errors"
	"time"

	"carbonbot/internal/domain"
)

// ErrUnavailable marks any failure of the backing store.
var ErrUnavailable = errors.New("store unavailable")

// SummaryID is the record id used when only the latest measurement is kept.
const SummaryID = "latest"

// Config configures storage.
//
// If Driver is empty, the memory driver is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Redis     RedisConfig
	Postgres  PostgresConfig
	Datastore DatastoreConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

type DatastoreConfig struct {
	ProjectID       string
	DatabaseID      string
	CredentialsFile string
	CredentialsJSON string
	SubscriberKind  string
	MeasurementKind string
	RoleKind        string
}

// SubscriberStore holds the current subscriber set. Presence is the subscription.
type SubscriberStore interface {
	// SetSubscriber upserts id. Repeated calls are no-ops.
	SetSubscriber(ctx context.Context, id domain.SubscriberID) error
	// DeleteSubscriber removes id. Deleting an absent id is not an error.
	DeleteSubscriber(ctx context.Context, id domain.SubscriberID) error
	// ListSubscribers returns a point-in-time snapshot. Order is not significant.
	ListSubscribers(ctx context.Context) ([]domain.SubscriberID, error)
}

// MeasurementStore keeps measurement records keyed by Record.ID.
type MeasurementStore interface {
	// PutMeasurement upserts rec by its ID.
	PutMeasurement(ctx context.Context, rec domain.Record) error
	// LatestMeasurement returns the record with the greatest timestamp.
	LatestMeasurement(ctx context.Context) (domain.Record, bool, error)
}

// RoleStore is implemented by drivers that can persist role assignments.
type RoleStore interface {
	PutRole(ctx context.Context, id domain.SubscriberID, role string) error
	LoadRoles(ctx context.Context) (map[domain.SubscriberID]string, error)
}

type Store interface {
	SubscriberStore
	MeasurementStore
	Ping(ctx context.Context) error
	Close() error
}
