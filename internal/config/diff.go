package config

import (
	"reflect"
	"strings"

	logx "carbonbot/pkg/logx"
)

// LiveSections are applied without a restart; every other section change is
// logged as requiring one.
var LiveSections = map[string]bool{
	"logging":       true,
	"telegram":      true, // admin allow-list and log chat
	"broadcast":     true,
	"observability": true, // server only
}

// SummarizeConfigChange returns the changed top-level sections and safe log
// fields describing them. Secrets are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	section := func(name string, a, b any, f ...logx.Field) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		fields = append(fields, f...)
	}
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	section("telegram", oldCfg.Telegram, newCfg.Telegram,
		logx.Int("telegram.admin_count", len(newCfg.Telegram.AdminUserIDs)),
		logx.String("telegram.poll_timeout", newCfg.Telegram.PollTimeout),
		logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
	)
	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
	)
	section("router", oldCfg.Router, newCfg.Router,
		logx.Int("router.workers", newCfg.Router.Workers),
	)
	st := newCfg.Storage
	section("storage", oldCfg.Storage, st,
		logx.String("storage.driver", st.Driver),
		logx.Bool("storage.influx_enabled", st.Influx.Enabled),
		logx.Bool("storage.datastore_credentials_set", set(st.Datastore.CredentialsJSON) || set(st.Datastore.CredentialsFile)),
	)
	section("roles", oldCfg.Roles, newCfg.Roles,
		logx.Bool("roles.persist", newCfg.Roles.Persist),
	)
	m := newCfg.Measurement
	section("measurement", oldCfg.Measurement, m,
		logx.String("measurement.schedule", m.Schedule),
		logx.String("measurement.timezone", m.Timezone),
		logx.String("measurement.mode", m.Mode),
		logx.Int("measurement.plants", len(m.Plants)),
	)
	b := newCfg.Broadcast
	section("broadcast", oldCfg.Broadcast, b,
		logx.Int("broadcast.workers", b.Workers),
		logx.Int("broadcast.rate_per_sec", b.RatePerSec),
		logx.String("broadcast.send_timeout", b.SendTimeout),
	)
	c := newCfg.Completion
	section("completion", oldCfg.Completion, c,
		logx.String("completion.model", c.Model),
		logx.Bool("completion.base_url_set", set(c.BaseURL)),
		logx.Bool("completion.api_key_changed", oldCfg.Completion.APIKey != c.APIKey),
	)
	section("responder", oldCfg.Responder, newCfg.Responder,
		logx.Bool("responder.reference_override", set(newCfg.Responder.ReferencePath)),
	)
	section("menu", oldCfg.Menu, newCfg.Menu,
		logx.String("menu.dashboard_url", newCfg.Menu.DashboardURL),
	)
	section("ingest", oldCfg.Ingest, newCfg.Ingest,
		logx.Bool("ingest.kafka_enabled", newCfg.Ingest.Kafka.Enabled),
	)
	srv := newCfg.Observability.Server
	section("observability", oldCfg.Observability, newCfg.Observability,
		logx.Bool("observability.server_enabled", srv.Enabled),
		logx.String("observability.server_addr", srv.Addr),
		logx.Bool("observability.token_set", set(srv.Token)),
		logx.Bool("observability.tracing_enabled", set(newCfg.Observability.Tracing.Endpoint)),
	)
	return changed, fields
}

// RestartRequired lists changed sections (from SummarizeConfigChange) whose
// new values only take effect after a restart.
func RestartRequired(oldCfg, newCfg *Config, changed []string) []string {
	var out []string
	for _, s := range changed {
		switch {
		case !LiveSections[s]:
			out = append(out, s)
		case s == "telegram" && oldCfg != nil && newCfg != nil &&
			(oldCfg.Telegram.Token != newCfg.Telegram.Token ||
				oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout):
			out = append(out, "telegram")
		case s == "broadcast" && oldCfg != nil && newCfg != nil &&
			oldCfg.Broadcast.SendTimeout != newCfg.Broadcast.SendTimeout:
			// The Bot API client timeout is fixed when the adapter is built.
			out = append(out, "broadcast.send_timeout")
		case s == "observability" && oldCfg != nil && newCfg != nil &&
			!reflect.DeepEqual(oldCfg.Observability.Tracing, newCfg.Observability.Tracing):
			out = append(out, "observability.tracing")
		}
	}
	return out
}
