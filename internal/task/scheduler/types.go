package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "carbonbot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Taipei"
}

// Job is one run of a scheduled callback.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     Job
	entryID cron.EntryID

	// running coalesces overlapping triggers: a trigger that fires while the
	// previous run is still in progress is skipped.
	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	mu      sync.Mutex
	lastRun time.Time
	lastDur time.Duration
	lastErr string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	c        *cron.Cron
	defs     []*scheduleDef
	runCtx   context.Context
	inflight sync.WaitGroup

	onSkip func(name string)
}

// ScheduleInfo is a read-only view of one schedule.
type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Running bool
	Runs    uint64
	Skipped uint64
	LastDur time.Duration
	LastErr string
}

type Snapshot struct {
	Timezone  string
	Schedules []ScheduleInfo
}
