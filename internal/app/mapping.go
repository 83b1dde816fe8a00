package app

import (
	"strings"
	"time"

	"carbonbot/internal/broadcast"
	"carbonbot/internal/completion"
	"carbonbot/internal/config"
	kafkaingest "carbonbot/internal/ingest/kafka"
	"carbonbot/internal/measurement"
	"carbonbot/internal/observability"
	"carbonbot/internal/storage"
	"carbonbot/internal/transport/telegram/router"
	logx "carbonbot/pkg/logx"
)

// The map* helpers turn validated file config into component configs.
// Durations were checked by config.Validate, so parse errors here only
// surface when a caller skipped validation.

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		OpsChat: logx.OpsChatConfig{
			Enabled:    l.Telegram.Enabled && cfg.Telegram.LogChatID != 0,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	s := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: busy,
		Redis: storage.RedisConfig{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
			Prefix:   s.Redis.Prefix,
		},
		Postgres: storage.PostgresConfig{DSN: s.Postgres.DSN, MaxConns: s.Postgres.MaxConns},
		Datastore: storage.DatastoreConfig{
			ProjectID:       s.Datastore.ProjectID,
			DatabaseID:      s.Datastore.DatabaseID,
			CredentialsFile: s.Datastore.CredentialsFile,
			CredentialsJSON: s.Datastore.CredentialsJSON,
			SubscriberKind:  s.Datastore.SubscriberKind,
			MeasurementKind: s.Datastore.MeasurementKind,
			RoleKind:        s.Datastore.RoleKind,
		},
	}, nil
}

func mapInfluxConfig(cfg *config.Config) (storage.InfluxConfig, error) {
	in := cfg.Storage.Influx
	timeout, err := config.ParseDurationOrDefault("storage.influx.timeout", in.Timeout, 5*time.Second)
	if err != nil {
		return storage.InfluxConfig{}, err
	}
	return storage.InfluxConfig{
		Enabled:     in.Enabled,
		URL:         in.URL,
		Token:       in.Token,
		Org:         in.Org,
		Bucket:      in.Bucket,
		Measurement: in.Measurement,
		Timeout:     timeout,
	}, nil
}

func mapCompletionConfig(cfg *config.Config) (completion.Config, error) {
	c := cfg.Completion
	timeout, err := config.ParseDurationOrDefault("completion.timeout", c.Timeout, 60*time.Second)
	if err != nil {
		return completion.Config{}, err
	}
	base, err := config.ParseDurationField("completion.breaker_base_delay", c.BreakerBaseDelay)
	if err != nil {
		return completion.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("completion.breaker_max_delay", c.BreakerMaxDelay)
	if err != nil {
		return completion.Config{}, err
	}
	temp := config.DefaultTemperature
	if c.Temperature != nil {
		temp = *c.Temperature
	}
	return completion.Config{
		APIKey:           c.APIKey,
		BaseURL:          c.BaseURL,
		Model:            c.Model,
		Temperature:      temp,
		MaxTokens:        c.MaxTokens,
		Timeout:          timeout,
		BreakerTrip:      c.BreakerTrip,
		BreakerBaseDelay: base,
		BreakerMaxDelay:  maxDelay,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	timeout, err := config.ParseDurationOrDefault("broadcast.send_timeout", b.SendTimeout, 10*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{Workers: b.Workers, RatePerSec: b.RatePerSec, SendTimeout: timeout}, nil
}

func mapRouterConfig(cfg *config.Config) (router.Config, error) {
	r := cfg.Router
	timeout, err := config.ParseDurationOrDefault("router.default_timeout", r.DefaultTimeout, 90*time.Second)
	if err != nil {
		return router.Config{}, err
	}
	return router.Config{
		Workers:        r.Workers,
		QueueSize:      r.QueueSize,
		DefaultTimeout: timeout,
		AdminUserIDs:   append([]int64(nil), cfg.Telegram.AdminUserIDs...),
	}, nil
}

func mapGeneratorConfig(cfg *config.Config, loc *time.Location) measurement.GeneratorConfig {
	m := cfg.Measurement
	return measurement.GeneratorConfig{
		Plants:   append([]string(nil), m.Plants...),
		MinCO2e:  m.MinCO2e,
		MaxCO2e:  m.MaxCO2e,
		Location: loc,
	}
}

func mapKafkaConfig(cfg *config.Config, loc *time.Location) kafkaingest.Config {
	k := cfg.Ingest.Kafka
	return kafkaingest.Config{
		Enabled:  k.Enabled,
		Brokers:  append([]string(nil), k.Brokers...),
		Topic:    k.Topic,
		GroupID:  k.GroupID,
		Location: loc,
	}
}

func mapServerConfig(cfg *config.Config) (observability.ServerConfig, error) {
	s := cfg.Observability.Server
	read, err := config.ParseDurationOrDefault("observability.server.read_timeout", s.ReadTimeout, 10*time.Second)
	if err != nil {
		return observability.ServerConfig{}, err
	}
	write, err := config.ParseDurationField("observability.server.write_timeout", s.WriteTimeout)
	if err != nil {
		return observability.ServerConfig{}, err
	}
	idle, err := config.ParseDurationOrDefault("observability.server.idle_timeout", s.IdleTimeout, 60*time.Second)
	if err != nil {
		return observability.ServerConfig{}, err
	}
	return observability.ServerConfig{
		Enabled:       s.Enabled,
		Addr:          s.Addr,
		PprofPrefix:   s.PprofPrefix,
		Token:         s.Token,
		AllowInsecure: s.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapTracingConfig(cfg *config.Config) observability.TracingConfig {
	t := cfg.Observability.Tracing
	return observability.TracingConfig{
		ServiceName: "carbonbot",
		Environment: t.Environment,
		Endpoint:    t.Endpoint,
		Insecure:    t.Insecure,
		SampleRatio: t.SampleRatio,
	}
}
