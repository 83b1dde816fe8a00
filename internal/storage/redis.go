package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"carbonbot/internal/domain"
)

// redisStore keeps subscribers in a SET, roles in a HASH and measurements as
// JSON values indexed by a sorted set scored with the record timestamp.
type redisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ Store     = (*redisStore)(nil)
	_ RoleStore = (*redisStore)(nil)
)

func openRedis(cfg RedisConfig) (*redisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "carbonbot:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &redisStore{client: rdb, prefix: prefix}, nil
}

func (s *redisStore) subscribersKey() string          { return s.prefix + "subscribers" }
func (s *redisStore) rolesKey() string                { return s.prefix + "roles" }
func (s *redisStore) measurementIndexKey() string     { return s.prefix + "measurements" }
func (s *redisStore) measurementKey(id string) string { return s.prefix + "measurement:" + id }

func (s *redisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) SetSubscriber(ctx context.Context, id domain.SubscriberID) error {
	return s.client.SAdd(ctx, s.subscribersKey(), string(id)).Err()
}

func (s *redisStore) DeleteSubscriber(ctx context.Context, id domain.SubscriberID) error {
	return s.client.SRem(ctx, s.subscribersKey(), string(id)).Err()
}

func (s *redisStore) ListSubscribers(ctx context.Context) ([]domain.SubscriberID, error) {
	members, err := s.client.SMembers(ctx, s.subscribersKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.SubscriberID, 0, len(members))
	for _, m := range members {
		out = append(out, domain.SubscriberID(m))
	}
	return out, nil
}

func (s *redisStore) PutMeasurement(ctx context.Context, rec domain.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.measurementKey(rec.ID), b, 0)
	pipe.ZAdd(ctx, s.measurementIndexKey(), redis.Z{
		Score:  float64(rec.Timestamp.UnixMilli()),
		Member: rec.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) LatestMeasurement(ctx context.Context) (domain.Record, bool, error) {
	ids, err := s.client.ZRevRange(ctx, s.measurementIndexKey(), 0, 0).Result()
	if err != nil {
		return domain.Record{}, false, err
	}
	if len(ids) == 0 {
		return domain.Record{}, false, nil
	}
	raw, err := s.client.Get(ctx, s.measurementKey(ids[0])).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Record{}, false, nil
	}
	if err != nil {
		return domain.Record{}, false, err
	}
	var rec domain.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Record{}, false, err
	}
	return rec, true, nil
}

func (s *redisStore) PutRole(ctx context.Context, id domain.SubscriberID, role string) error {
	return s.client.HSet(ctx, s.rolesKey(), string(id), role).Err()
}

func (s *redisStore) LoadRoles(ctx context.Context) (map[domain.SubscriberID]string, error) {
	m, err := s.client.HGetAll(ctx, s.rolesKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[domain.SubscriberID]string, len(m))
	for k, v := range m {
		out[domain.SubscriberID(k)] = v
	}
	return out, nil
}
