package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"carbonbot/internal/domain"
	logx "carbonbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of the full state)
//   - <prefix>.journal.jsonl (append-only journal since the last snapshot)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	state        fileState
	writes       int
}

var (
	_ Store     = (*fileStore)(nil)
	_ RoleStore = (*fileStore)(nil)
)

const compactEvery = 500

type fileState struct {
	Subscribers map[domain.SubscriberID]bool   `json:"subscribers"`
	Records     map[string]domain.Record       `json:"records"`
	Roles       map[domain.SubscriberID]string `json:"roles"`
}

type journalOp struct {
	Op     string              `json:"op"` // sub | unsub | rec | role
	ID     domain.SubscriberID `json:"id,omitempty"`
	Role   string              `json:"role,omitempty"`
	Record *domain.Record      `json:"record,omitempty"`
}

func newFileState() fileState {
	return fileState{
		Subscribers: map[domain.SubscriberID]bool{},
		Records:     map[string]domain.Record{},
		Roles:       map[domain.SubscriberID]string{},
	}
}

func (st *fileState) apply(op journalOp) {
	switch op.Op {
	case "sub":
		st.Subscribers[op.ID] = true
	case "unsub":
		delete(st.Subscribers, op.ID)
	case "rec":
		if op.Record != nil {
			st.Records[op.Record.ID] = *op.Record
		}
	case "role":
		st.Roles[op.ID] = op.Role
	}
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	state := newFileState()
	if err := loadSnapshot(snapPath, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, snapshotPath: snapPath, journal: jf, state: state}, nil
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.state.apply(op)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) SetSubscriber(ctx context.Context, id domain.SubscriberID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Subscribers[id] {
		return nil
	}
	return s.appendLocked(journalOp{Op: "sub", ID: id})
}

func (s *fileStore) DeleteSubscriber(ctx context.Context, id domain.SubscriberID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Subscribers[id] {
		return nil
	}
	return s.appendLocked(journalOp{Op: "unsub", ID: id})
}

func (s *fileStore) ListSubscribers(ctx context.Context) ([]domain.SubscriberID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SubscriberID, 0, len(s.state.Subscribers))
	for id := range s.state.Subscribers {
		out = append(out, id)
	}
	return out, nil
}

func (s *fileStore) PutMeasurement(ctx context.Context, rec domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(journalOp{Op: "rec", Record: &rec})
}

func (s *fileStore) LatestMeasurement(ctx context.Context) (domain.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return latestOf(s.state.Records)
}

func (s *fileStore) PutRole(ctx context.Context, id domain.SubscriberID, role string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Roles[id] == role {
		return nil
	}
	return s.appendLocked(journalOp{Op: "role", ID: id, Role: role})
}

func (s *fileStore) LoadRoles(ctx context.Context) (map[domain.SubscriberID]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.SubscriberID]string, len(s.state.Roles))
	for k, v := range s.state.Roles {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("journal closed")
	}
	return ctx.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("final compact failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st := newFileState()
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Subscribers {
		if v {
			out.Subscribers[k] = true
		}
	}
	for k, v := range st.Records {
		out.Records[k] = v
	}
	for k, v := range st.Roles {
		out.Roles[k] = v
	}
	return nil
}

func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// torn tail write
			continue
		}
		out.apply(op)
	}
	return sc.Err()
}
