package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"carbonbot/internal/domain"
)

// InfluxConfig configures the optional time-series mirror.
type InfluxConfig struct {
	Enabled     bool
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	Timeout     time.Duration
}

// InfluxMirror copies persisted measurement records into InfluxDB.
// A nil *InfluxMirror is valid and mirrors nothing.
type InfluxMirror struct {
	client      influxdb2.Client
	org         string
	bucket      string
	measurement string
}

// NewInfluxMirror returns (nil, nil) when the mirror is disabled.
func NewInfluxMirror(cfg InfluxConfig) (*InfluxMirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx url/token/org/bucket are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(timeout / time.Second))
	return &InfluxMirror{
		client:      influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts),
		org:         cfg.Org,
		bucket:      cfg.Bucket,
		measurement: nonEmpty(cfg.Measurement, "carbon_emission"),
	}, nil
}

// Mirror writes rec as a single point tagged with its plant.
func (m *InfluxMirror) Mirror(ctx context.Context, rec domain.Record) error {
	if m == nil || m.client == nil {
		return nil
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	p := influxdb2.NewPoint(
		m.measurement,
		map[string]string{"plant": strings.TrimSpace(rec.Plant)},
		map[string]any{"co2e": rec.CO2e, "record_id": rec.ID},
		ts,
	)
	return m.client.WriteAPIBlocking(m.org, m.bucket).WritePoint(ctx, p)
}

func (m *InfluxMirror) Close() {
	if m == nil || m.client == nil {
		return
	}
	m.client.Close()
}
