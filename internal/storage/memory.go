package storage

import (
	"context"
	"sync"

	"carbonbot/internal/domain"
)

// memStore keeps everything in process memory.
type memStore struct {
	mu      sync.RWMutex
	subs    map[domain.SubscriberID]struct{}
	records map[string]domain.Record
	roles   map[domain.SubscriberID]string
}

var (
	_ Store     = (*memStore)(nil)
	_ RoleStore = (*memStore)(nil)
)

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memStore{
		subs:    map[domain.SubscriberID]struct{}{},
		records: map[string]domain.Record{},
		roles:   map[domain.SubscriberID]string{},
	}
}

func (s *memStore) SetSubscriber(ctx context.Context, id domain.SubscriberID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.subs[id] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *memStore) DeleteSubscriber(ctx context.Context, id domain.SubscriberID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
	return nil
}

func (s *memStore) ListSubscribers(ctx context.Context) ([]domain.SubscriberID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SubscriberID, 0, len(s.subs))
	for id := range s.subs {
		out = append(out, id)
	}
	return out, nil
}

func (s *memStore) PutMeasurement(ctx context.Context, rec domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *memStore) LatestMeasurement(ctx context.Context) (domain.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latestOf(s.records)
}

func (s *memStore) PutRole(ctx context.Context, id domain.SubscriberID, role string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.roles[id] = role
	s.mu.Unlock()
	return nil
}

func (s *memStore) LoadRoles(ctx context.Context) (map[domain.SubscriberID]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.SubscriberID]string, len(s.roles))
	for k, v := range s.roles {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *memStore) Close() error { return nil }

// latestOf picks the record with the greatest timestamp; ties break on id.
func latestOf(records map[string]domain.Record) (domain.Record, bool, error) {
	var (
		best  domain.Record
		found bool
	)
	for _, r := range records {
		if !found || r.Timestamp.After(best.Timestamp) ||
			(r.Timestamp.Equal(best.Timestamp) && r.ID > best.ID) {
			best = r
			found = true
		}
	}
	return best, found, nil
}
