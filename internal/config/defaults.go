package config

import "strings"

// Defaults filled in by ApplyDefaults.
const (
	DefaultSchedule     = "1h"
	DefaultTimezone     = "Asia/Taipei"
	DefaultMinCO2e      = 1300
	DefaultMaxCO2e      = 2500
	DefaultModel        = "gpt-3.5-turbo"
	DefaultTemperature  = float32(0.7)
	DefaultDashboardURL = "https://cfmcloud.web.app"
)

var DefaultPlants = []string{"台中廠", "台南廠", "桃園廠"}

// Environment variables that override file values when set.
const (
	EnvBotToken       = "BOT_TOKEN"
	EnvOpenAIKey      = "OPENAI_API_KEY"
	EnvWebAppURL      = "WEB_APP_URL"
	EnvDatastoreCreds = "DATASTORE_CREDENTIALS_JSON"
	EnvFirebaseCreds  = "FIREBASE_CREDENTIALS_JSON"
)

// ApplyEnv overlays secrets and URLs from the environment.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	set(&cfg.Telegram.Token, EnvBotToken)
	set(&cfg.Completion.APIKey, EnvOpenAIKey)
	set(&cfg.Menu.DashboardURL, EnvWebAppURL)
	set(&cfg.Storage.Datastore.CredentialsJSON, EnvDatastoreCreds, EnvFirebaseCreds)
}

// ApplyDefaults fills zero values. It never overrides explicit settings.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	m := &cfg.Measurement
	if strings.TrimSpace(m.Schedule) == "" {
		m.Schedule = DefaultSchedule
	}
	if strings.TrimSpace(m.Timezone) == "" {
		m.Timezone = DefaultTimezone
	}
	if len(m.Plants) == 0 {
		m.Plants = append([]string(nil), DefaultPlants...)
	}
	if m.MinCO2e == 0 && m.MaxCO2e == 0 {
		m.MinCO2e, m.MaxCO2e = DefaultMinCO2e, DefaultMaxCO2e
	}
	if m.Mode == "" {
		m.Mode = "log"
	}

	b := &cfg.Broadcast
	if b.Workers <= 0 {
		b.Workers = 4
	}
	if b.RatePerSec <= 0 {
		b.RatePerSec = 25
	}
	if b.SendTimeout == "" {
		b.SendTimeout = "10s"
	}

	c := &cfg.Completion
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Temperature == nil {
		t := DefaultTemperature
		c.Temperature = &t
	}
	if c.Timeout == "" {
		c.Timeout = "60s"
	}

	if cfg.Menu.DashboardURL == "" {
		cfg.Menu.DashboardURL = DefaultDashboardURL
	}
}
