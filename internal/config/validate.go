package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"carbonbot/internal/measurement"
	"carbonbot/internal/task/scheduler"
)

func knownDriver(d string) bool {
	switch d {
	case "", "memory", "mem", "file", "sqlite", "sqlite3", "redis",
		"postgres", "postgresql", "pg", "datastore", "firestore":
		return true
	}
	return false
}

// Validate reports every problem in cfg at once. Call it after ApplyDefaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token is required (or set %s)", EnvBotToken))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	dur("router.default_timeout", cfg.Router.DefaultTimeout)

	s := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if !knownDriver(driver) {
		add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
	}
	dur("storage.busy_timeout", s.BusyTimeout)
	switch driver {
	case "redis":
		if strings.TrimSpace(s.Redis.Addr) == "" {
			add(errors.New("storage.redis.addr is required"))
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(s.Postgres.DSN) == "" {
			add(errors.New("storage.postgres.dsn is required"))
		}
	case "datastore", "firestore":
		if strings.TrimSpace(s.Datastore.ProjectID) == "" {
			add(errors.New("storage.datastore.project_id is required"))
		}
	}
	if s.Influx.Enabled && (s.Influx.URL == "" || s.Influx.Bucket == "" || s.Influx.Org == "") {
		add(errors.New("storage.influx: url, org and bucket are required when enabled"))
	}
	dur("storage.influx.timeout", s.Influx.Timeout)

	m := cfg.Measurement
	if _, err := scheduler.ParseSchedule(m.Schedule); err != nil {
		add(fmt.Errorf("measurement.schedule: %w", err))
	}
	dur("measurement.timeout", m.Timeout)
	if _, err := time.LoadLocation(strings.TrimSpace(m.Timezone)); err != nil {
		add(fmt.Errorf("measurement.timezone: %w", err))
	}
	if m.MinCO2e < 0 || m.MinCO2e > m.MaxCO2e {
		add(fmt.Errorf("measurement: min_co2e (%v) must be >= 0 and <= max_co2e (%v)", m.MinCO2e, m.MaxCO2e))
	}
	for i, p := range m.Plants {
		if strings.TrimSpace(p) == "" {
			add(fmt.Errorf("measurement.plants[%d] is empty", i))
		}
	}
	if _, err := measurement.ParseMode(m.Mode); err != nil {
		add(fmt.Errorf("measurement.mode: %w", err))
	}

	dur("broadcast.send_timeout", cfg.Broadcast.SendTimeout)
	dur("completion.timeout", cfg.Completion.Timeout)
	dur("completion.breaker_base_delay", cfg.Completion.BreakerBaseDelay)
	dur("completion.breaker_max_delay", cfg.Completion.BreakerMaxDelay)

	if k := cfg.Ingest.Kafka; k.Enabled && (len(k.Brokers) == 0 || k.Topic == "" || k.GroupID == "") {
		add(errors.New("ingest.kafka: brokers, topic and group_id are required when enabled"))
	}

	srv := cfg.Observability.Server
	dur("observability.server.read_timeout", srv.ReadTimeout)
	dur("observability.server.write_timeout", srv.WriteTimeout)
	dur("observability.server.idle_timeout", srv.IdleTimeout)
	if r := cfg.Observability.Tracing.SampleRatio; r < 0 || r > 1 {
		add(fmt.Errorf("observability.tracing.sample_ratio must be within [0,1], got %v", r))
	}

	return errors.Join(errs...)
}
