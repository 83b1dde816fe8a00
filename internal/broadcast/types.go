package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"carbonbot/internal/domain"
	"carbonbot/internal/observability"
	"carbonbot/internal/storage"
	logx "carbonbot/pkg/logx"
)

type Config struct {
	Workers    int
	RatePerSec int
	// SendTimeout is the deadline of each delivery context. Senders that
	// ignore ctx are bounded by their own client timeout instead.
	SendTimeout time.Duration
}

// Sender delivers one message to one subscriber.
type Sender interface {
	Send(ctx context.Context, to domain.SubscriberID, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to domain.SubscriberID, text string) error

func (f SenderFunc) Send(ctx context.Context, to domain.SubscriberID, text string) error {
	return f(ctx, to, text)
}

// Failure is one isolated delivery failure.
type Failure struct {
	ID  domain.SubscriberID
	Err error
}

// Report is the outcome of a single Broadcast call.
type Report struct {
	JobID     string
	Trigger   string
	Succeeded []domain.SubscriberID
	Failed    []Failure
	Took      time.Duration
}

// Delivered is the number of successful deliveries.
func (r Report) Delivered() int { return len(r.Succeeded) }

// Attempted is the size of the subscriber snapshot.
func (r Report) Attempted() int { return len(r.Succeeded) + len(r.Failed) }

type Engine struct {
	mu sync.Mutex

	cfg     Config
	store   storage.SubscriberStore
	sender  Sender
	log     logx.Logger
	metrics *observability.Metrics

	limiter *rate.Limiter
}
