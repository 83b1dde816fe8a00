// Package kafka consumes externally produced measurement records from a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"carbonbot/internal/dispatcher"
	"carbonbot/internal/domain"
	"carbonbot/internal/observability"
	logx "carbonbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	// Location interprets timestamps that carry no zone.
	Location *time.Location
}

// Ingestor persists and announces one record.
type Ingestor interface {
	Ingest(ctx context.Context, rec domain.Record) (dispatcher.TickResult, error)
}

// reader is the subset of *kafka.Reader the consumer uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       reader
	sink    Ingestor
	loc     *time.Location
	log     logx.Logger
	metrics *observability.Metrics
}

func NewConsumer(cfg Config, sink Ingestor, log logx.Logger, metrics *observability.Metrics) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka group_id required")
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1e3
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})
	return newConsumer(r, sink, cfg.Location, log, metrics), nil
}

func newConsumer(r reader, sink Ingestor, loc *time.Location, log logx.Logger, metrics *observability.Metrics) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Consumer{r: r, sink: sink, loc: loc, log: log, metrics: metrics}
}

// Run consumes until ctx is cancelled (returns nil) or the reader fails.
// A record the store could not accept is left uncommitted and Run returns
// the error so the caller's restart loop retries it.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			return err
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("ingest").Start(ctx, "kafka.consume")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", msg.Topic),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	)
	defer span.End()

	rec, err := Decode(msg.Value, c.loc)
	if err != nil {
		c.metrics.Ingested("invalid")
		c.log.Warn("invalid record skipped", logx.Int64("offset", msg.Offset), logx.Int("partition", msg.Partition), logx.Err(err))
		return nil
	}

	res, err := c.sink.Ingest(ctx, rec)
	if err != nil {
		span.RecordError(err)
		if res.Record.ID == "" {
			c.metrics.Ingested("store_error")
			return fmt.Errorf("ingest offset %d: %w", msg.Offset, err)
		}
		// Persisted but not announced; redelivery would duplicate the record.
		c.log.Warn("ingested record not announced", logx.String("record", res.Record.ID), logx.Err(err))
	}
	if res.Superseded {
		c.metrics.Ingested("superseded")
		return nil
	}
	c.metrics.Ingested("ok")
	return nil
}

func (c *Consumer) Close() error {
	if c == nil || c.r == nil {
		return nil
	}
	return c.r.Close()
}
