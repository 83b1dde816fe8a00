// Package measurement generates, persists and formats carbon measurement records.
package measurement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"carbonbot/internal/domain"
	"carbonbot/internal/storage"
	logx "carbonbot/pkg/logx"
)

type Mode string

const (
	// ModeLog appends every record under a fresh id.
	ModeLog Mode = "log"
	// ModeSummary keeps a single record that each new one replaces.
	ModeSummary Mode = "summary"
)

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case "":
		return ModeLog, nil
	case ModeLog, ModeSummary:
		return m, nil
	default:
		return "", fmt.Errorf("unknown measurement mode %q (valid: log, summary)", raw)
	}
}

// ErrSuperseded reports that the summary already holds a newer record.
var ErrSuperseded = errors.New("measurement superseded by a newer record")

// Mirror receives a copy of every persisted record.
type Mirror interface {
	Mirror(ctx context.Context, rec domain.Record) error
}

type Service struct {
	store    storage.MeasurementStore
	mirror   Mirror
	mode     Mode
	location *time.Location
	log      logx.Logger
	newID    func() string

	// mu serializes Persist so last tracks the newest stored timestamp.
	mu     sync.Mutex
	last   time.Time
	seeded bool
}

func NewService(store storage.MeasurementStore, mirror Mirror, mode Mode, loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.UTC
	}
	if mode == "" {
		mode = ModeLog
	}
	return &Service{
		store:    store,
		mirror:   mirror,
		mode:     mode,
		location: loc,
		log:      log,
		newID:    uuid.NewString,
	}
}

// Persist assigns rec an id according to the mode and stores it. Stored
// timestamps never go backwards: in log mode an older record is clamped to
// the newest stored timestamp, in summary mode it is dropped with
// ErrSuperseded. The mirror is best-effort: its failure is logged and never
// returned.
func (s *Service) Persist(ctx context.Context, rec domain.Record) (domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.seed(ctx); err != nil {
		return domain.Record{}, err
	}

	switch s.mode {
	case ModeSummary:
		rec.ID = storage.SummaryID
	default:
		if rec.ID == "" {
			rec.ID = s.newID()
		}
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Timestamp.Before(s.last) {
		if s.mode == ModeSummary {
			s.log.Info("older record not stored",
				logx.String("plant", rec.Plant),
				logx.Time("timestamp", rec.Timestamp),
				logx.Time("latest", s.last),
			)
			return domain.Record{}, ErrSuperseded
		}
		s.log.Debug("record timestamp clamped", logx.String("record", rec.ID), logx.Time("from", rec.Timestamp), logx.Time("to", s.last))
		rec.Timestamp = s.last
	}
	rec.Timestamp = rec.Timestamp.In(s.location)

	if err := s.store.PutMeasurement(ctx, rec); err != nil {
		return domain.Record{}, err
	}
	s.last = rec.Timestamp
	if s.mirror != nil {
		if err := s.mirror.Mirror(ctx, rec); err != nil {
			s.log.Warn("measurement mirror failed", logx.String("record", rec.ID), logx.Err(err))
		}
	}
	return rec, nil
}

// seed loads the newest stored timestamp once. A store error leaves the
// service unseeded so the next call retries.
func (s *Service) seed(ctx context.Context) error {
	if s.seeded {
		return nil
	}
	rec, ok, err := s.store.LatestMeasurement(ctx)
	if err != nil {
		return err
	}
	if ok {
		s.last = rec.Timestamp
	}
	s.seeded = true
	return nil
}

// Latest returns the most recent record in the configured location.
func (s *Service) Latest(ctx context.Context) (domain.Record, bool, error) {
	rec, ok, err := s.store.LatestMeasurement(ctx)
	if err != nil || !ok {
		return domain.Record{}, ok, err
	}
	rec.Timestamp = rec.Timestamp.In(s.location)
	return rec, true, nil
}
