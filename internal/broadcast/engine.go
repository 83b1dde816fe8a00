package broadcast

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"carbonbot/internal/domain"
	"carbonbot/internal/observability"
	"carbonbot/internal/storage"
	logx "carbonbot/pkg/logx"
)

const (
	defaultWorkers     = 4
	defaultRatePerSec  = 25
	defaultSendTimeout = 10 * time.Second
)

func New(cfg Config, store storage.SubscriberStore, sender Sender, log logx.Logger, metrics *observability.Metrics) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{store: store, sender: sender, log: log, metrics: metrics}
	e.Apply(cfg)
	return e
}

func normalize(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	return cfg
}

// Apply swaps pacing and parallelism. Broadcasts already running keep their
// previous settings.
func (e *Engine) Apply(cfg Config) {
	cfg = normalize(cfg)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Broadcast delivers text to a point-in-time snapshot of all subscribers.
//
// Each subscriber gets exactly one attempt. A failed delivery is logged and
// recorded in the report; it never stops delivery to the others. The only
// error returned is a failure to take the snapshot.
func (e *Engine) Broadcast(ctx context.Context, trigger, text string) (Report, error) {
	start := time.Now()
	rep := Report{JobID: "bc:" + uuid.NewString(), Trigger: trigger}
	log := e.log.With(logx.String("job", rep.JobID), logx.String("trigger", trigger))

	ctx, span := otel.Tracer("carbonbot/broadcast").Start(ctx, "broadcast")
	defer span.End()
	span.SetAttributes(attribute.String("broadcast.trigger", trigger))

	e.metrics.BroadcastJob(trigger)

	ids, err := e.store.ListSubscribers(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot failed")
		log.Warn("broadcast snapshot failed", logx.Err(err))
		return rep, fmt.Errorf("broadcast snapshot: %w", err)
	}

	e.mu.Lock()
	cfg := e.cfg
	lim := e.limiter
	e.mu.Unlock()

	log.Info("broadcast job started", logx.Int("total", len(ids)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(cfg.Workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := e.sendOne(ctx, lim, cfg.SendTimeout, id, text)
			e.metrics.Delivery(err)
			mu.Lock()
			if err != nil {
				rep.Failed = append(rep.Failed, Failure{ID: id, Err: err})
			} else {
				rep.Succeeded = append(rep.Succeeded, id)
			}
			mu.Unlock()
			if err != nil {
				log.Warn("broadcast delivery failed", logx.String("subscriber", string(id)), logx.Err(err))
			}
			// Failures are isolated; never cancel the group.
			return nil
		})
	}
	_ = g.Wait()

	rep.Took = time.Since(start)
	span.SetAttributes(
		attribute.Int("broadcast.total", len(ids)),
		attribute.Int("broadcast.failed", len(rep.Failed)),
	)
	fields := []logx.Field{
		logx.Int("total", len(ids)),
		logx.Int("delivered", len(rep.Succeeded)),
		logx.Int("failed", len(rep.Failed)),
		logx.Duration("dur", rep.Took),
	}
	if len(rep.Failed) > 0 {
		log.Warn("broadcast job finished with failures", fields...)
	} else {
		log.Info("broadcast job finished", fields...)
	}
	return rep, nil
}

func (e *Engine) sendOne(ctx context.Context, lim *rate.Limiter, timeout time.Duration, id domain.SubscriberID, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in broadcast send", logx.String("subscriber", string(id)), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.sender.Send(sctx, id, text)
}

// ErrInvalidTarget is returned by senders for identities the transport cannot address.
var ErrInvalidTarget = errors.New("invalid subscriber identity")
