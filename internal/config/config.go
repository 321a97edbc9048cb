// Package config loads process configuration from an optional YAML file,
// INFRAWATCH_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const envPrefix = "INFRAWATCH"

// Config is the complete process configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Rules       RulesConfig       `mapstructure:"rules"`
	Evaluation  EvaluationConfig  `mapstructure:"evaluation"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Datasources DatasourcesConfig `mapstructure:"datasources"`
	Insights    InsightsConfig    `mapstructure:"insights"`
	Notify      NotifyConfig      `mapstructure:"notify"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	PublicURL       string        `mapstructure:"public_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	StreamHeartbeat time.Duration `mapstructure:"stream_heartbeat"`
}

// LogConfig selects level, encoding and destination. Output "file" rotates through lumberjack.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type AuthConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	JWTSecret   string   `mapstructure:"jwt_secret"`
	ExemptPaths []string `mapstructure:"exempt_paths"`
}

// DatabaseConfig enables the durable archive when DSN is set.
type DatabaseConfig struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RulesConfig selects the rule source: "file" reads Path, "postgres" reads the alert_rules table.
type RulesConfig struct {
	Source   string        `mapstructure:"source"`
	Path     string        `mapstructure:"path"`
	Watch    bool          `mapstructure:"watch"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type EvaluationConfig struct {
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	SampleParallelism int           `mapstructure:"sample_parallelism"`
}

type AlertsConfig struct {
	NoiseTolerance float64 `mapstructure:"noise_tolerance"`
}

type DatasourcesConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	InfluxDB   InfluxDBConfig   `mapstructure:"influxdb"`
	Azure      AzureConfig      `mapstructure:"azure"`
}

type PrometheusConfig struct {
	URL         string `mapstructure:"url"`
	BearerToken string `mapstructure:"bearer_token"`
}

type InfluxDBConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Org     string        `mapstructure:"org"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AzureConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	LoginURL     string        `mapstructure:"login_url"`
	Token        string        `mapstructure:"token"`
	TenantID     string        `mapstructure:"tenant_id"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type InsightsConfig struct {
	Enabled     bool              `mapstructure:"enabled"`
	Workers     int               `mapstructure:"workers"`
	QueueSize   int               `mapstructure:"queue_size"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	Statistical StatisticalConfig `mapstructure:"statistical"`
	Remote      RemoteConfig      `mapstructure:"remote"`
}

type StatisticalConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaselineWindow time.Duration `mapstructure:"baseline_window"`
	ZThreshold     float64       `mapstructure:"z_threshold"`
	MinPoints      int           `mapstructure:"min_points"`
}

type RemoteConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
}

type NotifyConfig struct {
	Buffer  int           `mapstructure:"buffer"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type WebhookConfig struct {
	URL          string        `mapstructure:"url"`
	Template     string        `mapstructure:"template"`
	Events       []string      `mapstructure:"events"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
	DedupeWindow time.Duration `mapstructure:"dedupe_window"`
	Escalation   time.Duration `mapstructure:"escalation"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
	Channel  string `mapstructure:"channel"`
	OpenKey  string `mapstructure:"open_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.stream_heartbeat", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "logs/infrawatch.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.compress", true)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.exempt_paths", []string{"/healthz", "/metrics"})

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("rules.source", "file")
	v.SetDefault("rules.path", "rules")
	v.SetDefault("rules.watch", true)
	v.SetDefault("rules.debounce", 500*time.Millisecond)

	v.SetDefault("evaluation.max_concurrency", 8)
	v.SetDefault("evaluation.default_timeout", 30*time.Second)
	v.SetDefault("evaluation.sample_parallelism", 4)

	v.SetDefault("alerts.noise_tolerance", 0.05)

	v.SetDefault("datasources.prometheus.url", "")
	v.SetDefault("datasources.prometheus.bearer_token", "")
	v.SetDefault("datasources.influxdb.url", "")
	v.SetDefault("datasources.influxdb.token", "")
	v.SetDefault("datasources.influxdb.org", "")
	v.SetDefault("datasources.influxdb.timeout", 30*time.Second)
	v.SetDefault("datasources.azure.enabled", false)
	v.SetDefault("datasources.azure.base_url", "")
	v.SetDefault("datasources.azure.login_url", "")
	v.SetDefault("datasources.azure.token", "")
	v.SetDefault("datasources.azure.tenant_id", "")
	v.SetDefault("datasources.azure.client_id", "")
	v.SetDefault("datasources.azure.client_secret", "")
	v.SetDefault("datasources.azure.timeout", 30*time.Second)

	v.SetDefault("insights.enabled", true)
	v.SetDefault("insights.workers", 2)
	v.SetDefault("insights.queue_size", 256)
	v.SetDefault("insights.timeout", 20*time.Second)
	v.SetDefault("insights.statistical.enabled", true)
	v.SetDefault("insights.statistical.baseline_window", time.Hour)
	v.SetDefault("insights.statistical.z_threshold", 3.5)
	v.SetDefault("insights.statistical.min_points", 8)
	v.SetDefault("insights.remote.endpoint", "")
	v.SetDefault("insights.remote.token", "")

	v.SetDefault("notify.buffer", 64)
	v.SetDefault("notify.webhook.url", "")
	v.SetDefault("notify.webhook.template", "")
	v.SetDefault("notify.webhook.events", []string{"alert.created", "alert.acknowledged", "alert.resolved"})
	v.SetDefault("notify.webhook.cooldown", time.Duration(0))
	v.SetDefault("notify.webhook.dedupe_window", 10*time.Minute)
	v.SetDefault("notify.webhook.escalation", 30*time.Minute)
	v.SetDefault("notify.webhook.timeout", 5*time.Second)
	v.SetDefault("notify.nats.url", "")
	v.SetDefault("notify.nats.subject_prefix", "infrawatch")
	v.SetDefault("notify.redis.address", "")
	v.SetDefault("notify.redis.password", "")
	v.SetDefault("notify.redis.database", 0)
	v.SetDefault("notify.redis.channel", "infrawatch:events")
	v.SetDefault("notify.redis.open_key", "infrawatch:alerts:open")
}

// Load reads path (or $INFRAWATCH_CONFIG when path is empty) over the defaults and
// applies environment overrides such as INFRAWATCH_EVALUATION_MAX_CONCURRENCY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level %q is invalid", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Output) {
	case "stdout", "stderr":
	case "file":
		if c.Log.FilePath == "" {
			errs = append(errs, errors.New("log.file_path is required when log.output is file"))
		}
	default:
		errs = append(errs, fmt.Errorf("log.output %q must be stdout, stderr or file", c.Log.Output))
	}
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 characters when auth is enabled"))
	}
	switch c.Rules.Source {
	case "file":
		if c.Rules.Path == "" {
			errs = append(errs, errors.New("rules.path is required for the file rule source"))
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres rule source"))
		}
	default:
		errs = append(errs, fmt.Errorf("rules.source %q must be file or postgres", c.Rules.Source))
	}
	if c.Evaluation.MaxConcurrency < 1 {
		errs = append(errs, errors.New("evaluation.max_concurrency must be at least 1"))
	}
	if c.Evaluation.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("evaluation.default_timeout must be positive"))
	}
	if c.Alerts.NoiseTolerance < 0 || c.Alerts.NoiseTolerance >= 1 {
		errs = append(errs, errors.New("alerts.noise_tolerance must be within [0,1)"))
	}
	if c.Insights.Enabled && (c.Insights.Workers < 1 || c.Insights.QueueSize < 1) {
		errs = append(errs, errors.New("insights.workers and insights.queue_size must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
