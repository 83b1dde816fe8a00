// Package roles keeps the per-subscriber role used to pick a responder.
//
// The store is process-local. An optional Backend makes assignments survive
// restarts; backend failures never fail SetRole.
package roles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"carbonbot/internal/domain"
	logx "carbonbot/pkg/logx"
)

type Role string

const (
	Manager  Role = "manager"
	Consumer Role = "consumer"
	Dealer   Role = "dealer"

	Default = Consumer
)

var ErrInvalidRole = errors.New("invalid role")

// All returns the closed role set in display order.
func All() []Role { return []Role{Manager, Consumer, Dealer} }

func (r Role) Valid() bool {
	switch r {
	case Manager, Consumer, Dealer:
		return true
	}
	return false
}

func (r Role) String() string { return string(r) }

// Parse normalizes raw input and validates it against the closed set.
func Parse(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q (valid: %s)", ErrInvalidRole, raw, Names())
	}
	return r, nil
}

// Names renders the valid roles for user-facing hints.
func Names() string {
	all := All()
	out := make([]string, len(all))
	for i, r := range all {
		out[i] = string(r)
	}
	return strings.Join(out, ", ")
}

// Backend persists role assignments.
type Backend interface {
	PutRole(ctx context.Context, id domain.SubscriberID, role string) error
	LoadRoles(ctx context.Context) (map[domain.SubscriberID]string, error)
}

type Store struct {
	mu    sync.RWMutex
	roles map[domain.SubscriberID]Role

	backend Backend
	log     logx.Logger
}

func NewStore(backend Backend, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{roles: map[domain.SubscriberID]Role{}, backend: backend, log: log}
}

// GetRole returns the assigned role, or Default when none was assigned.
func (s *Store) GetRole(id domain.SubscriberID) Role {
	s.mu.RLock()
	r, ok := s.roles[id]
	s.mu.RUnlock()
	if !ok {
		return Default
	}
	return r
}

// SetRole overwrites the role for id. Unknown roles are rejected and leave the store unchanged.
func (s *Store) SetRole(ctx context.Context, id domain.SubscriberID, r Role) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %q (valid: %s)", ErrInvalidRole, string(r), Names())
	}
	s.mu.Lock()
	s.roles[id] = r
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.PutRole(ctx, id, string(r)); err != nil {
			s.log.Warn("role persist failed", logx.String("subscriber", id.String()), logx.String("role", string(r)), logx.Err(err))
		}
	}
	return nil
}

// Restore loads persisted assignments. Unknown values in the backend are skipped.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	start := time.Now()
	m, err := s.backend.LoadRoles(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	s.mu.Lock()
	for id, raw := range m {
		r := Role(raw)
		if !r.Valid() {
			s.log.Warn("skipping unknown persisted role", logx.String("subscriber", id.String()), logx.String("role", raw))
			continue
		}
		s.roles[id] = r
		n++
	}
	s.mu.Unlock()
	s.log.Debug("roles restored", logx.Int("count", n), logx.Duration("took", time.Since(start)))
	return n, nil
}
