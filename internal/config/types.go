package config

// Config is the on-disk configuration (YAML or JSON). Durations are Go
// duration strings ("10s", "1h").
type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Router        RouterConfig        `json:"router,omitempty"`
	Storage       StorageConfig       `json:"storage"`
	Roles         RolesConfig         `json:"roles,omitempty"`
	Measurement   MeasurementConfig   `json:"measurement"`
	Broadcast     BroadcastConfig     `json:"broadcast,omitempty"`
	Completion    CompletionConfig    `json:"completion"`
	Responder     ResponderConfig     `json:"responder,omitempty"`
	Menu          MenuConfig          `json:"menu,omitempty"`
	Ingest        IngestConfig        `json:"ingest,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"` // env BOT_TOKEN; never logged
	// AdminUserIDs may /broadcast and /list. Empty means nobody.
	AdminUserIDs []int64 `json:"admin_user_ids"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
	// LogChatID receives operator log lines when logging.telegram is enabled.
	LogChatID   int64 `json:"log_chat_id,omitempty"`
	LogThreadID int   `json:"log_thread_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RouterConfig controls inbound update dispatch.
type RouterConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	UpdateBuffer   int    `json:"update_buffer,omitempty"`
}

// StorageConfig selects the store driver:
// memory | file | sqlite | redis | postgres | datastore.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/carbonbot.db" }
type StorageConfig struct {
	Driver      string          `json:"driver"`
	Path        string          `json:"path,omitempty"`
	BusyTimeout string          `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig     `json:"redis,omitempty"`
	Postgres    PostgresConfig  `json:"postgres,omitempty"`
	Datastore   DatastoreConfig `json:"datastore,omitempty"`
	Influx      InfluxConfig    `json:"influx,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type PostgresConfig struct {
	DSN      string `json:"dsn,omitempty"`
	MaxConns int32  `json:"max_conns,omitempty"`
}

type DatastoreConfig struct {
	ProjectID       string `json:"project_id,omitempty"`
	DatabaseID      string `json:"database_id,omitempty"`
	CredentialsFile string `json:"credentials_file,omitempty"`
	// CredentialsJSON comes from DATASTORE_CREDENTIALS_JSON or FIREBASE_CREDENTIALS_JSON.
	CredentialsJSON string `json:"credentials_json,omitempty"`
	SubscriberKind  string `json:"subscriber_kind,omitempty"`
	MeasurementKind string `json:"measurement_kind,omitempty"`
	RoleKind        string `json:"role_kind,omitempty"`
}

// InfluxConfig mirrors every persisted record to InfluxDB when enabled.
type InfluxConfig struct {
	Enabled     bool   `json:"enabled"`
	URL         string `json:"url,omitempty"`
	Token       string `json:"token,omitempty"`
	Org         string `json:"org,omitempty"`
	Bucket      string `json:"bucket,omitempty"`
	Measurement string `json:"measurement,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type RolesConfig struct {
	// Persist writes role changes through to the store and reloads them at startup.
	Persist bool `json:"persist"`
}

type MeasurementConfig struct {
	Schedule string   `json:"schedule"`
	Timeout  string   `json:"timeout,omitempty"`
	Timezone string   `json:"timezone"`
	Plants   []string `json:"plants"`
	MinCO2e  float64  `json:"min_co2e"`
	MaxCO2e  float64  `json:"max_co2e"`
	Mode     string   `json:"mode"` // log | summary
}

type BroadcastConfig struct {
	Workers     int    `json:"workers,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type CompletionConfig struct {
	APIKey      string   `json:"api_key"` // env OPENAI_API_KEY; never logged
	BaseURL     string   `json:"base_url,omitempty"`
	Model       string   `json:"model"`
	Temperature *float32 `json:"temperature,omitempty"` // default 0.7
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Timeout     string   `json:"timeout"`

	BreakerTrip      int    `json:"breaker_trip,omitempty"`
	BreakerBaseDelay string `json:"breaker_base_delay,omitempty"`
	BreakerMaxDelay  string `json:"breaker_max_delay,omitempty"`
}

type ResponderConfig struct {
	// ReferencePath overrides the embedded reference tables (YAML).
	ReferencePath string `json:"reference_path,omitempty"`
}

type MenuConfig struct {
	DashboardURL string `json:"dashboard_url"` // env WEB_APP_URL
	DecisionURL  string `json:"decision_url,omitempty"`
}

type IngestConfig struct {
	Kafka KafkaConfig `json:"kafka,omitempty"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	GroupID string   `json:"group_id,omitempty"`
}

type ObservabilityConfig struct {
	Server  ServerConfig  `json:"server,omitempty"`
	Tracing TracingConfig `json:"tracing,omitempty"`
}

// ServerConfig controls the /metrics, /healthz and pprof endpoint.
//
// Security note: a non-loopback addr requires a token or allow_insecure.
type ServerConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default: "127.0.0.1:9090"
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`        // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile (30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type TracingConfig struct {
	Endpoint    string  `json:"endpoint,omitempty"`
	Insecure    bool    `json:"insecure,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
	Environment string  `json:"environment,omitempty"`
}
