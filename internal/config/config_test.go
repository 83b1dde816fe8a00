package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
telegram:
  token: file-token
  admin_user_ids: [42]
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/carbonbot.db
measurement:
  schedule: "30m"
  timezone: Asia/Taipei
completion:
  model: gpt-4o-mini
  timeout: 30s
`

func newTestManager(t *testing.T, name, body string, env map[string]string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(path)
	m.getenv = func(k string) string { return env[k] }
	return m
}

func TestParseYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, "config.yaml", minimalYAML, nil)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "file-token" || len(cfg.Telegram.AdminUserIDs) != 1 || cfg.Telegram.AdminUserIDs[0] != 42 {
		t.Fatalf("telegram=%+v", cfg.Telegram)
	}
	if cfg.Measurement.Schedule != "30m" || cfg.Measurement.Mode != "log" {
		t.Fatalf("measurement=%+v", cfg.Measurement)
	}
	if cfg.Measurement.MinCO2e != DefaultMinCO2e || cfg.Measurement.MaxCO2e != DefaultMaxCO2e {
		t.Fatalf("bounds=%v..%v", cfg.Measurement.MinCO2e, cfg.Measurement.MaxCO2e)
	}
	if len(cfg.Measurement.Plants) != len(DefaultPlants) {
		t.Fatalf("plants=%v", cfg.Measurement.Plants)
	}
	if cfg.Completion.Temperature == nil || *cfg.Completion.Temperature != DefaultTemperature {
		t.Fatalf("temperature=%v", cfg.Completion.Temperature)
	}
	if cfg.Menu.DashboardURL != DefaultDashboardURL {
		t.Fatalf("dashboard=%q", cfg.Menu.DashboardURL)
	}
}

func TestParseEnvOverridesFile(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		EnvBotToken:      "env-token",
		EnvOpenAIKey:     "sk-env",
		EnvWebAppURL:     "https://example.test/app",
		EnvFirebaseCreds: `{"type":"service_account"}`,
	}
	m := newTestManager(t, "config.yaml", minimalYAML, env)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || cfg.Completion.APIKey != "sk-env" {
		t.Fatalf("secrets not overridden: %q %q", cfg.Telegram.Token, cfg.Completion.APIKey)
	}
	if cfg.Menu.DashboardURL != "https://example.test/app" {
		t.Fatalf("dashboard=%q", cfg.Menu.DashboardURL)
	}
	if cfg.Storage.Datastore.CredentialsJSON == "" {
		t.Fatalf("firebase credentials not applied")
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, "config.yaml", minimalYAML+"unknown_section: {}\n", nil)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected unknown field error")
	}
	j := newTestManager(t, "config.json", `{"telegram":{"token":"x"}}{"telegram":{}}`, nil)
	if _, err := j.Parse(); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Storage.Driver = "mongo"
	cfg.Measurement.Schedule = "every tuesday"
	cfg.Measurement.Timezone = "Mars/Olympus"
	cfg.Measurement.MinCO2e, cfg.Measurement.MaxCO2e = 10, 5
	cfg.Measurement.Mode = "append"
	cfg.Completion.Timeout = "soon"
	cfg.Ingest.Kafka.Enabled = true
	cfg.Observability.Tracing.SampleRatio = 2

	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{
		"telegram.token",
		"storage.driver",
		"measurement.schedule",
		"measurement.timezone",
		"min_co2e",
		"measurement.mode",
		"completion.timeout",
		"ingest.kafka",
		"sample_ratio",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in:\n%v", want, err)
		}
	}
}

func TestValidateDriverRequirements(t *testing.T) {
	t.Parallel()
	cases := []struct {
		driver string
		want   string
	}{
		{"redis", "storage.redis.addr"},
		{"pg", "storage.postgres.dsn"},
		{"firestore", "storage.datastore.project_id"},
	}
	for _, tc := range cases {
		cfg := &Config{}
		cfg.Telegram.Token = "t"
		cfg.Storage.Driver = tc.driver
		ApplyDefaults(cfg)
		err := Validate(cfg)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("driver=%s err=%v", tc.driver, err)
		}
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	t.Parallel()
	zero := float32(0)
	cfg := &Config{}
	cfg.Completion.Temperature = &zero
	cfg.Broadcast.Workers = 1
	cfg.Measurement.Mode = "summary"
	ApplyDefaults(cfg)
	if *cfg.Completion.Temperature != 0 || cfg.Broadcast.Workers != 1 || cfg.Measurement.Mode != "summary" {
		t.Fatalf("explicit values overridden: %+v %+v", cfg.Completion, cfg.Broadcast)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	oldCfg.Telegram.Token = "old-secret"
	oldCfg.Completion.APIKey = "sk-old"
	newCfg := &Config{}
	newCfg.Telegram.Token = "new-secret"
	newCfg.Telegram.AdminUserIDs = []int64{1}
	newCfg.Completion.APIKey = "sk-new"
	newCfg.Broadcast.Workers = 8

	changed, fields := SummarizeConfigChange(oldCfg, newCfg)
	got := strings.Join(changed, ",")
	if got != "telegram,broadcast,completion" {
		t.Fatalf("changed=%s", got)
	}
	if len(fields) == 0 {
		t.Fatalf("expected fields")
	}
	restart := RestartRequired(oldCfg, newCfg, changed)
	if strings.Join(restart, ",") != "telegram,completion" {
		t.Fatalf("restart=%v", restart)
	}

	paced := &Config{}
	paced.Broadcast.SendTimeout = "30s"
	changed, _ = SummarizeConfigChange(&Config{}, paced)
	if restart := RestartRequired(&Config{}, paced, changed); strings.Join(restart, ",") != "broadcast.send_timeout" {
		t.Fatalf("send_timeout restart=%v", restart)
	}

	same, _ := SummarizeConfigChange(newCfg, newCfg)
	if len(same) != 0 {
		t.Fatalf("identical configs reported changes: %v", same)
	}
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, "config.yaml", minimalYAML, nil)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	updated := strings.Replace(minimalYAML, "level: debug", "level: warn", 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		// rewrite until the watcher has attached and picked the change up
		if err := os.WriteFile(m.Path(), []byte(updated), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "warn" {
				t.Fatalf("level=%q", cfg.Logging.Level)
			}
			if m.Get().Logging.Level != "warn" {
				t.Fatalf("Get not committed")
			}
			cancel()
			<-done
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("no reload published")
		}
	}
}

func TestPublishKeepsNewestForSlowSubscriber(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.yaml")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("expected newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed")
	}
}
