package storage

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/option"

	"carbonbot/internal/domain"
)

// subscriberEntity keeps the subscribed flag so documents written by earlier
// deployments and by this store read the same.
type subscriberEntity struct {
	Subscribed bool      `datastore:"subscribed"`
	ChatID     string    `datastore:"chat_id"`
	CreatedAt  time.Time `datastore:"created_at,noindex"`
}

func newSubscriberEntity(id domain.SubscriberID, now time.Time) *subscriberEntity {
	return &subscriberEntity{Subscribed: true, ChatID: string(id), CreatedAt: now.UTC()}
}

type measurementEntity struct {
	Plant     string    `datastore:"plant"`
	CO2e      float64   `datastore:"co2e,noindex"`
	Timestamp time.Time `datastore:"timestamp"`
}

type roleEntity struct {
	Role      string    `datastore:"role,noindex"`
	UpdatedAt time.Time `datastore:"updated_at,noindex"`
}

// datastoreStore keeps one entity per subscriber, measurement and role,
// keyed by name.
type datastoreStore struct {
	client *datastore.Client

	subKind  string
	recKind  string
	roleKind string
}

var (
	_ Store     = (*datastoreStore)(nil)
	_ RoleStore = (*datastoreStore)(nil)
)

func openDatastore(ctx context.Context, cfg DatastoreConfig) (*datastoreStore, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("storage.datastore.project_id is required for datastore driver")
	}

	var opts []option.ClientOption
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		creds, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithCredentialsJSON(creds))
	}
	// Without explicit credentials the default application credentials apply.

	client, err := datastore.NewClientWithDatabase(ctx, cfg.ProjectID, cfg.DatabaseID, opts...)
	if err != nil {
		return nil, err
	}
	return &datastoreStore{
		client:   client,
		subKind:  nonEmpty(cfg.SubscriberKind, "bot_subscribers"),
		recKind:  nonEmpty(cfg.MeasurementKind, "carbon_entries"),
		roleKind: nonEmpty(cfg.RoleKind, "bot_roles"),
	}, nil
}

func nonEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (s *datastoreStore) Ping(ctx context.Context) error {
	q := datastore.NewQuery(s.subKind).KeysOnly().Limit(1)
	_, err := s.client.GetAll(ctx, q, nil)
	return err
}

func (s *datastoreStore) Close() error { return s.client.Close() }

func (s *datastoreStore) SetSubscriber(ctx context.Context, id domain.SubscriberID) error {
	key := datastore.NameKey(s.subKind, string(id), nil)
	_, err := s.client.Put(ctx, key, newSubscriberEntity(id, time.Now()))
	return err
}

func (s *datastoreStore) DeleteSubscriber(ctx context.Context, id domain.SubscriberID) error {
	return s.client.Delete(ctx, datastore.NameKey(s.subKind, string(id), nil))
}

func (s *datastoreStore) ListSubscribers(ctx context.Context) ([]domain.SubscriberID, error) {
	keys, err := s.client.GetAll(ctx, datastore.NewQuery(s.subKind).KeysOnly(), nil)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SubscriberID, 0, len(keys))
	for _, k := range keys {
		out = append(out, domain.SubscriberID(k.Name))
	}
	return out, nil
}

func (s *datastoreStore) PutMeasurement(ctx context.Context, rec domain.Record) error {
	key := datastore.NameKey(s.recKind, rec.ID, nil)
	_, err := s.client.Put(ctx, key, &measurementEntity{
		Plant:     rec.Plant,
		CO2e:      rec.CO2e,
		Timestamp: rec.Timestamp,
	})
	return err
}

func (s *datastoreStore) LatestMeasurement(ctx context.Context) (domain.Record, bool, error) {
	var ents []measurementEntity
	q := datastore.NewQuery(s.recKind).Order("-timestamp").Limit(1)
	keys, err := s.client.GetAll(ctx, q, &ents)
	if err != nil {
		return domain.Record{}, false, err
	}
	if len(keys) == 0 {
		return domain.Record{}, false, nil
	}
	e := ents[0]
	return domain.Record{
		ID:        keys[0].Name,
		Plant:     e.Plant,
		CO2e:      e.CO2e,
		Timestamp: e.Timestamp,
	}, true, nil
}

func (s *datastoreStore) PutRole(ctx context.Context, id domain.SubscriberID, role string) error {
	key := datastore.NameKey(s.roleKind, string(id), nil)
	_, err := s.client.Put(ctx, key, &roleEntity{Role: role, UpdatedAt: time.Now().UTC()})
	return err
}

func (s *datastoreStore) LoadRoles(ctx context.Context) (map[domain.SubscriberID]string, error) {
	var ents []roleEntity
	keys, err := s.client.GetAll(ctx, datastore.NewQuery(s.roleKind), &ents)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.SubscriberID]string, len(keys))
	for i, k := range keys {
		out[domain.SubscriberID(k.Name)] = ents[i].Role
	}
	return out, nil
}
