// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/driftline/driftline/internal/crawl"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Worker     WorkerConfig     `mapstructure:"worker"`

	// Capabilities, Pipelines and Callbacks declare the named instances
	// stage definitions may reference. They are instantiated into the
	// capability registry at startup, so a stage naming an undeclared id is
	// rejected at registration time.
	Capabilities map[string]CapabilityConfig `mapstructure:"capabilities"`
	Pipelines    map[string]PipelineConfig   `mapstructure:"pipelines"`
	Callbacks    map[string]CallbackConfig   `mapstructure:"callbacks"`
}

// CapabilityConfig declares one fetch capability instance. Type selects the
// implementation: "restjson", "static" or "headless".
type CapabilityConfig struct {
	Type        string `mapstructure:"type"`
	URLTemplate string `mapstructure:"url_template"`
	// Query, PageParam and NextTokenField apply to restjson endpoints.
	Query          map[string]string `mapstructure:"query"`
	PageParam      string            `mapstructure:"page_param"`
	NextTokenField string            `mapstructure:"next_token_field"`
	// WaitSelector and SettleDelayMs apply to headless pages.
	WaitSelector  string `mapstructure:"wait_selector"`
	SettleDelayMs int    `mapstructure:"settle_delay_ms"`
}

// PipelineConfig declares one pipeline instance. Type is "html_extract" or
// "discovery".
type PipelineConfig struct {
	Type string `mapstructure:"type"`
	// html_extract settings.
	SourceField string            `mapstructure:"source_field"`
	Fields      map[string]string `mapstructure:"fields"`
	Attributes  map[string]string `mapstructure:"attributes"`
	KeepSource  bool              `mapstructure:"keep_source"`
	// discovery settings.
	ItemsField string            `mapstructure:"items_field"`
	KeyParams  map[string]string `mapstructure:"key_params"`
	Defaults   map[string]string `mapstructure:"defaults"`
	Tags       []string          `mapstructure:"tags"`
}

// CallbackConfig declares one callback instance. Type is "monitor".
type CallbackConfig struct {
	Type        string `mapstructure:"type"`
	ChangeModel string `mapstructure:"change_model"`
}

// ServerConfig controls the control-surface HTTP server.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int    `mapstructure:"max_conns"`
	MinConns           int    `mapstructure:"min_conns"`
	MaxConnLifetimeMin int    `mapstructure:"max_conn_lifetime_minutes"`
}

// QueueConfig selects the task queue backend: "memory", "valkey" or
// "pubsub".
type QueueConfig struct {
	Backend string        `mapstructure:"backend"`
	Depth   int           `mapstructure:"depth"`
	Valkey  ValkeyConfig  `mapstructure:"valkey"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Streams StreamsConfig `mapstructure:"streams"`
}

// ValkeyConfig holds connection settings shared by the valkey queue and the
// shared scheduler state.
type ValkeyConfig struct {
	InitAddress []string `mapstructure:"init_address"`
	Password    string   `mapstructure:"password"`
}

// PubSubConfig holds Cloud Pub/Sub settings; class names are appended to the
// prefixes to form one topic and subscription per fetch class.
type PubSubConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	TopicPrefix        string `mapstructure:"topic_prefix"`
	SubscriptionPrefix string `mapstructure:"subscription_prefix"`
}

// StreamsConfig names the valkey stream group and consumer identity.
type StreamsConfig struct {
	StreamPrefix string `mapstructure:"stream_prefix"`
	Group        string `mapstructure:"group"`
	Consumer     string `mapstructure:"consumer"`
	BlockMs      int    `mapstructure:"block_ms"`
}

// SchedulerConfig governs tick cadence, class budgets and lease recycling.
type SchedulerConfig struct {
	TickSeconds         int    `mapstructure:"tick_seconds"`
	NonBlockingBudget   int    `mapstructure:"nonblocking_budget"`
	BlockingBudget      int    `mapstructure:"blocking_budget"`
	Strategy            string `mapstructure:"strategy"`
	BatchLimit          int    `mapstructure:"batch_limit"`
	LeaseTimeoutSeconds int    `mapstructure:"lease_timeout_seconds"`
	SharedState         bool   `mapstructure:"shared_state"`
}

// RetryConfig bounds transient-failure retries.
type RetryConfig struct {
	MaxRetries  int `mapstructure:"max_retries"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

// FetchConfig applies to every fetch capability.
type FetchConfig struct {
	UserAgent      string         `mapstructure:"user_agent"`
	TimeoutSeconds int            `mapstructure:"timeout_seconds"`
	Headless       HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the rendered-DOM fetch capability.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// PolitenessConfig rate-limits requests per remote source. Disabled by
// default: concurrency budgets are the primary throttle.
type PolitenessConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// ArchiveConfig controls raw response archival: "none", "memory", "local"
// or "gcs".
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	BaseDir     string `mapstructure:"base_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LogEnabled    bool          `mapstructure:"log_enabled"`
	BufferSize    int           `mapstructure:"buffer_size"`
	SinkTimeoutMs int           `mapstructure:"sink_timeout_ms"`
	Batch         ProgressBatch `mapstructure:"batch"`
}

// ProgressBatch bounds hub batching.
type ProgressBatch struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// WorkerConfig sizes the task executor pool. Embedded workers run inside
// the daemon process; the standalone worker binary ignores the flag.
type WorkerConfig struct {
	Embedded         bool `mapstructure:"embedded"`
	Count            int  `mapstructure:"count"`
	HeartbeatSeconds int  `mapstructure:"heartbeat_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DRIFTLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("logging.development", false)
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 256)
	v.SetDefault("queue.streams.stream_prefix", "driftline:tasks")
	v.SetDefault("queue.streams.group", "workers")
	v.SetDefault("queue.streams.block_ms", 5000)
	v.SetDefault("queue.pubsub.topic_prefix", "driftline-tasks")
	v.SetDefault("queue.pubsub.subscription_prefix", "driftline-workers")
	v.SetDefault("scheduler.tick_seconds", 5)
	v.SetDefault("scheduler.nonblocking_budget", 16)
	v.SetDefault("scheduler.blocking_budget", 2)
	v.SetDefault("scheduler.strategy", "round_robin")
	v.SetDefault("scheduler.batch_limit", 64)
	v.SetDefault("scheduler.lease_timeout_seconds", 120)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay_ms", 5000)
	v.SetDefault("retry.max_delay_ms", 300000)
	v.SetDefault("fetch.user_agent", "driftline/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.headless.enabled", false)
	v.SetDefault("fetch.headless.max_parallel", 1)
	v.SetDefault("fetch.headless.nav_timeout_seconds", 45)
	v.SetDefault("politeness.enabled", false)
	v.SetDefault("politeness.default_rps", 10)
	v.SetDefault("politeness.default_burst", 1)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.content_type", "application/json")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("progress.batch.max_events", 64)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("worker.embedded", true)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.heartbeat_seconds", 15)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Queue.Backend {
	case "memory":
		if c.Queue.Depth <= 0 {
			return fmt.Errorf("queue.depth must be > 0 for the memory backend")
		}
	case "valkey":
		if len(c.Queue.Valkey.InitAddress) == 0 {
			return fmt.Errorf("queue.valkey.init_address must be set for the valkey backend")
		}
	case "pubsub":
		if c.Queue.PubSub.ProjectID == "" {
			return fmt.Errorf("queue.pubsub.project_id must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not one of memory, valkey, pubsub", c.Queue.Backend)
	}
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be > 0")
	}
	if c.Scheduler.NonBlockingBudget <= 0 || c.Scheduler.BlockingBudget <= 0 {
		return fmt.Errorf("scheduler class budgets must be > 0")
	}
	if c.Scheduler.Strategy != "round_robin" && c.Scheduler.Strategy != "weighted" {
		return fmt.Errorf("scheduler.strategy %q is not one of round_robin, weighted", c.Scheduler.Strategy)
	}
	if c.Scheduler.BatchLimit <= 0 {
		return fmt.Errorf("scheduler.batch_limit must be > 0")
	}
	if c.Scheduler.LeaseTimeoutSeconds <= 0 {
		return fmt.Errorf("scheduler.lease_timeout_seconds must be > 0")
	}
	if c.Scheduler.SharedState && len(c.Queue.Valkey.InitAddress) == 0 {
		return fmt.Errorf("queue.valkey.init_address must be set when scheduler.shared_state is on")
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.Headless.Enabled && c.Fetch.Headless.MaxParallel <= 0 {
		return fmt.Errorf("fetch.headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of none, memory, local, gcs", c.Archive.Backend)
	}
	if c.Worker.Embedded && c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0 when embedded workers are on")
	}
	for id, cap := range c.Capabilities {
		switch cap.Type {
		case "restjson", "static", "headless":
		default:
			return fmt.Errorf("capabilities.%s.type %q is not one of restjson, static, headless", id, cap.Type)
		}
		if cap.URLTemplate == "" {
			return fmt.Errorf("capabilities.%s.url_template must be set", id)
		}
	}
	for id, p := range c.Pipelines {
		switch p.Type {
		case "html_extract":
		case "discovery":
			if p.ItemsField == "" || len(p.KeyParams) == 0 {
				return fmt.Errorf("pipelines.%s needs items_field and key_params", id)
			}
		default:
			return fmt.Errorf("pipelines.%s.type %q is not one of html_extract, discovery", id, p.Type)
		}
	}
	for id, cb := range c.Callbacks {
		if cb.Type != "monitor" {
			return fmt.Errorf("callbacks.%s.type %q is not monitor", id, cb.Type)
		}
	}
	return nil
}

// RetryPolicy converts the retry section into the executor's policy.
func (c Config) RetryPolicy() crawl.RetryPolicy {
	return crawl.RetryPolicy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
	}
}

// TickInterval returns the scheduler cadence as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// LeaseTimeout returns the heartbeat cutoff as a duration.
func (c Config) LeaseTimeout() time.Duration {
	return time.Duration(c.Scheduler.LeaseTimeoutSeconds) * time.Second
}

// FetchTimeout returns the per-request fetch deadline.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// Budgets maps each fetch class to its configured concurrency budget.
func (c Config) Budgets() map[crawl.FetchClass]int {
	return map[crawl.FetchClass]int{
		crawl.ClassNonBlocking: c.Scheduler.NonBlockingBudget,
		crawl.ClassBlocking:    c.Scheduler.BlockingBudget,
	}
}
