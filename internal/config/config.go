// Package config loads and validates monitor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Session   SessionConfig   `mapstructure:"session"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Targets   TargetsConfig   `mapstructure:"targets"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
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

// WorkerConfig sizes the worker pool and its queue.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// SchedulerConfig governs repeating registrations and job retries.
type SchedulerConfig struct {
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
}

// FetchConfig tunes the fetch layer.
type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MinDomainGap time.Duration `mapstructure:"min_domain_gap"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	ChallengeTTL time.Duration `mapstructure:"challenge_ttl"`
	MaxBodySize  int           `mapstructure:"max_body_size"`
	UserAgents   []string      `mapstructure:"user_agents"`
}

// ScrapeConfig tunes the orchestrator.
type ScrapeConfig struct {
	PreRequestDelay time.Duration `mapstructure:"pre_request_delay"`
	MaxPages        int           `mapstructure:"max_pages"`
}

// RegistryConfig controls how often adapter configuration is reloaded.
type RegistryConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// DiscoveryConfig tunes the navigator.
type DiscoveryConfig struct {
	CandidateCap  int           `mapstructure:"candidate_cap"`
	ResultCap     int           `mapstructure:"result_cap"`
	FoundTTL      time.Duration `mapstructure:"found_ttl"`
	EmptyTTL      time.Duration `mapstructure:"empty_ttl"`
	OverridesFile string        `mapstructure:"overrides_file"`
}

// BatchConfig tunes scan-all fan-out.
type BatchConfig struct {
	PerTargetTimeout time.Duration `mapstructure:"per_target_timeout"`
	Concurrency      int           `mapstructure:"concurrency"`
}

// SessionConfig points at the credential service used for logins.
type SessionConfig struct {
	CredentialsURL string `mapstructure:"credentials_url"`
	ValidateCached bool   `mapstructure:"validate_cached"`
}

// DBConfig controls access to Postgres. An empty DSN selects in-memory stores.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// StorageConfig selects where page snapshots go. With neither a bucket nor a
// local directory, snapshots are disabled.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// NotifyConfig configures delivery channels.
type NotifyConfig struct {
	SMTP          SMTPConfig   `mapstructure:"smtp"`
	PubSub        PubSubConfig `mapstructure:"pubsub"`
	SMSWebhookURL string       `mapstructure:"sms_webhook_url"`
}

// SMTPConfig holds mail server settings.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// PubSubConfig holds metadata for new-item events.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TargetsConfig points at a YAML file of monitored targets to seed the store.
type TargetsConfig struct {
	File string `mapstructure:"file"`
}

// Load builds a Config from defaults, an optional file and MONITOR_* env vars.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MONITOR")
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
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("worker.concurrency", 20)
	v.SetDefault("worker.queue_depth", 256)
	v.SetDefault("scheduler.default_interval", 15*time.Minute)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.backoff_base", 2*time.Second)
	v.SetDefault("fetch.timeout", 20*time.Second)
	v.SetDefault("fetch.min_domain_gap", time.Second)
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_base", 2*time.Second)
	v.SetDefault("fetch.challenge_ttl", 12*time.Hour)
	v.SetDefault("fetch.max_body_size", 10<<20)
	v.SetDefault("fetch.user_agents", []string{})
	v.SetDefault("scrape.pre_request_delay", 500*time.Millisecond)
	v.SetDefault("scrape.max_pages", 3)
	v.SetDefault("registry.refresh_interval", 5*time.Minute)
	v.SetDefault("discovery.candidate_cap", 8)
	v.SetDefault("discovery.result_cap", 5)
	v.SetDefault("discovery.found_ttl", 7*24*time.Hour)
	v.SetDefault("discovery.empty_ttl", 24*time.Hour)
	v.SetDefault("discovery.overrides_file", "")
	v.SetDefault("batch.per_target_timeout", 30*time.Second)
	v.SetDefault("batch.concurrency", 0)
	v.SetDefault("session.credentials_url", "")
	v.SetDefault("session.validate_cached", true)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.migrate", true)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("notify.smtp.host", "")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")
	v.SetDefault("notify.smtp.from", "")
	v.SetDefault("notify.pubsub.project_id", "")
	v.SetDefault("notify.pubsub.topic", "")
	v.SetDefault("notify.sms_webhook_url", "")
	v.SetDefault("targets.file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0:
		return fmt.Errorf("server.port must be > 0")
	case c.Worker.Concurrency <= 0:
		return fmt.Errorf("worker.concurrency must be > 0")
	case c.Worker.QueueDepth < 0:
		return fmt.Errorf("worker.queue_depth must be >= 0")
	case c.Scheduler.DefaultInterval <= 0:
		return fmt.Errorf("scheduler.default_interval must be > 0")
	case c.Scheduler.MaxAttempts <= 0:
		return fmt.Errorf("scheduler.max_attempts must be > 0")
	case c.Fetch.Timeout <= 0:
		return fmt.Errorf("fetch.timeout must be > 0")
	case c.Fetch.MinDomainGap < 0:
		return fmt.Errorf("fetch.min_domain_gap must be >= 0")
	case c.Fetch.MaxAttempts <= 0:
		return fmt.Errorf("fetch.max_attempts must be > 0")
	case c.Scrape.MaxPages < 0:
		return fmt.Errorf("scrape.max_pages must be >= 0")
	case c.Discovery.ResultCap <= 0 || c.Discovery.CandidateCap < c.Discovery.ResultCap:
		return fmt.Errorf("discovery.candidate_cap must be >= discovery.result_cap > 0")
	case c.Discovery.EmptyTTL > c.Discovery.FoundTTL:
		return fmt.Errorf("discovery.empty_ttl must not exceed discovery.found_ttl")
	case c.Batch.PerTargetTimeout <= 0:
		return fmt.Errorf("batch.per_target_timeout must be > 0")
	case c.Auth.Enabled && c.Auth.APIKey == "":
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	case c.Notify.SMTP.Host != "" && c.Notify.SMTP.From == "":
		return fmt.Errorf("notify.smtp.from must be set when notify.smtp.host is set")
	case c.Notify.PubSub.Topic != "" && c.Notify.PubSub.ProjectID == "":
		return fmt.Errorf("notify.pubsub.project_id must be set when notify.pubsub.topic is set")
	}
	return nil
}
