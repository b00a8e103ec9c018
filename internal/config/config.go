package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Cache      CacheConfig      `yaml:"cache"`
	Collector  CollectorConfig  `yaml:"collector"`
	Transition TransitionConfig `yaml:"transition"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Meta       PlatformConfig   `yaml:"meta"`
	Google     PlatformConfig   `yaml:"google"`
	Accounts   []AccountConfig  `yaml:"accounts"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	// Timezone is the IANA zone reporting periods are cut in.
	Timezone string `yaml:"timezone"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          int      `yaml:"port"`
	Host          string   `yaml:"host"`
	TriggerSecret string   `yaml:"trigger_secret"`
	CORSOrigins   []string `yaml:"cors_origins"`
	// WriteTimeoutSeconds bounds a response, including a forced refresh
	// that waits on the upstream platform.
	WriteTimeoutSeconds    int `yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	return c.Host
}

// WriteTimeout returns the response deadline.
func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns how long in-flight requests get on shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig selects the PeriodStore backend.
type DatabaseConfig struct {
	// Driver is "postgres", "sqlite" or "memory".
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	AutoMigrate            bool   `yaml:"auto_migrate"`
}

// ConnMaxLifetime returns the configured lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig configures the hot tier and distributed locks.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig holds the SmartCache freshness policy.
type CacheConfig struct {
	Granularity               string                       `yaml:"granularity"`
	FreshThresholdMinutes     int                          `yaml:"fresh_threshold_minutes"`
	ProactiveThresholdMinutes int                          `yaml:"proactive_threshold_minutes"`
	PlatformOverrides         map[string]ThresholdOverride `yaml:"platform_overrides"`
	HotTier                   bool                         `yaml:"hot_tier"`
}

// ThresholdOverride replaces the freshness thresholds for one platform.
// Zero fields inherit the global value.
type ThresholdOverride struct {
	FreshThresholdMinutes     int `yaml:"fresh_threshold_minutes"`
	ProactiveThresholdMinutes int `yaml:"proactive_threshold_minutes"`
}

// FreshThreshold returns the global fresh threshold as a duration
func (c CacheConfig) FreshThreshold() time.Duration {
	return time.Duration(c.FreshThresholdMinutes) * time.Minute
}

// ProactiveThreshold returns the global proactive threshold as a duration
func (c CacheConfig) ProactiveThreshold() time.Duration {
	return time.Duration(c.ProactiveThresholdMinutes) * time.Minute
}

// CollectorConfig tunes the historical backfill.
type CollectorConfig struct {
	BatchSize          int    `yaml:"batch_size"`
	BatchDelayMillis   int    `yaml:"batch_delay_millis"`
	DefaultGranularity string `yaml:"default_granularity"`
	WriteDaily         bool   `yaml:"write_daily"`
	JobHistory         int    `yaml:"job_history"`
}

// BatchDelay returns the pause between account batches
func (c CollectorConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMillis) * time.Millisecond
}

// TransitionConfig lists the granularities watched for period rollover.
type TransitionConfig struct {
	Granularities []string `yaml:"granularities"`
}

// LifecycleConfig holds retention and archive settings.
type LifecycleConfig struct {
	RawRetentionDays       int    `yaml:"raw_retention_days"`
	WeeklyRetentionWeeks   int    `yaml:"weekly_retention_weeks"`
	MonthlyRetentionMonths int    `yaml:"monthly_retention_months"`
	ArchiveBucket          string `yaml:"archive_bucket"`
	ArchivePrefix          string `yaml:"archive_prefix"`
	AWSRegion              string `yaml:"aws_region"`
}

// ScheduleConfig sets the worker timers. Zero disables a job.
type ScheduleConfig struct {
	RefreshMinutes    int `yaml:"refresh_minutes"`
	TransitionMinutes int `yaml:"transition_minutes"`
	ArchiveMinutes    int `yaml:"archive_minutes"`
	CleanupMinutes    int `yaml:"cleanup_minutes"`
	BackfillHours     int `yaml:"backfill_hours"`
}

// Every converts a minutes setting to a duration.
func Every(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute
}

// PlatformConfig holds one reporting API's settings and default credentials.
type PlatformConfig struct {
	Disabled       bool          `yaml:"disabled"`
	BaseURL        string        `yaml:"base_url"`
	APIVersion     string        `yaml:"api_version"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	MaxRetries     int           `yaml:"max_retries"`
	MaxPages       int           `yaml:"max_pages"`
	Actions        FunnelActions `yaml:"actions"`

	AccessToken     string `yaml:"access_token"`
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	RefreshToken    string `yaml:"refresh_token"`
	DeveloperToken  string `yaml:"developer_token"`
	LoginCustomerID string `yaml:"login_customer_id"`
	TokenURL        string `yaml:"token_url"`
}

// Timeout returns the configured timeout as a duration
func (c PlatformConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// FunnelActions names the conversion actions that feed each funnel stage.
type FunnelActions struct {
	Contacts     string `yaml:"contacts"`
	Step1        string `yaml:"step_1"`
	Step2        string `yaml:"step_2"`
	Step3        string `yaml:"step_3"`
	Reservations string `yaml:"reservations"`
}

// IsZero reports whether no action is configured.
func (f FunnelActions) IsZero() bool {
	return f == FunnelActions{}
}

// AccountConfig declares an advertising account statically.
type AccountConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Active   *bool  `yaml:"active"`
	MetaID   string `yaml:"meta_account_id"`
	GoogleID string `yaml:"google_customer_id"`
	// Per-account credential overrides.
	MetaAccessToken    string `yaml:"meta_access_token"`
	GoogleRefreshToken string `yaml:"google_refresh_token"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Location resolves Timezone; empty means UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, for runs
// without a config file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 120
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 10
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "file:adperf.db?_pragma=busy_timeout(5000)"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Cache.Granularity == "" {
		cfg.Cache.Granularity = "month"
	}
	if cfg.Cache.FreshThresholdMinutes == 0 {
		cfg.Cache.FreshThresholdMinutes = 180
	}
	if cfg.Cache.ProactiveThresholdMinutes == 0 {
		cfg.Cache.ProactiveThresholdMinutes = 150
	}
	if cfg.Collector.BatchSize == 0 {
		cfg.Collector.BatchSize = 3
	}
	if cfg.Collector.BatchDelayMillis == 0 {
		cfg.Collector.BatchDelayMillis = 1500
	}
	if cfg.Collector.DefaultGranularity == "" {
		cfg.Collector.DefaultGranularity = "week"
	}
	if cfg.Collector.JobHistory == 0 {
		cfg.Collector.JobHistory = 100
	}
	if len(cfg.Transition.Granularities) == 0 {
		cfg.Transition.Granularities = []string{"week", "month"}
	}
	if cfg.Lifecycle.RawRetentionDays == 0 {
		cfg.Lifecycle.RawRetentionDays = 90
	}
	if cfg.Lifecycle.ArchivePrefix == "" {
		cfg.Lifecycle.ArchivePrefix = "archive"
	}
	if cfg.Lifecycle.AWSRegion == "" {
		cfg.Lifecycle.AWSRegion = "us-east-1"
	}
	if cfg.Schedule.RefreshMinutes == 0 {
		cfg.Schedule.RefreshMinutes = 30
	}
	if cfg.Schedule.TransitionMinutes == 0 {
		cfg.Schedule.TransitionMinutes = 15
	}
	if cfg.Schedule.ArchiveMinutes == 0 {
		cfg.Schedule.ArchiveMinutes = 360
	}
	if cfg.Schedule.CleanupMinutes == 0 {
		cfg.Schedule.CleanupMinutes = 1440
	}
	if cfg.Meta.BaseURL == "" {
		cfg.Meta.BaseURL = "https://graph.facebook.com"
	}
	if cfg.Meta.APIVersion == "" {
		cfg.Meta.APIVersion = "v21.0"
	}
	if cfg.Google.BaseURL == "" {
		cfg.Google.BaseURL = "https://googleads.googleapis.com"
	}
	if cfg.Google.APIVersion == "" {
		cfg.Google.APIVersion = "v18"
	}
	for _, p := range []*PlatformConfig{&cfg.Meta, &cfg.Google} {
		if p.TimeoutSeconds == 0 {
			p.TimeoutSeconds = 30
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = 3
		}
		if p.MaxPages == 0 {
			p.MaxPages = 20
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
}

// envOverrides lists the settings that may come from the environment.
// Empty values leave the file configuration untouched.
type envOverrides struct {
	DatabaseDriver     string  `env:"DATABASE_DRIVER"`
	DatabaseURL        string  `env:"DATABASE_URL"`
	RedisAddr          string  `env:"REDIS_ADDR"`
	RedisPassword      string  `env:"REDIS_PASSWORD"`
	TriggerSecret      string  `env:"TRIGGER_SECRET"`
	ServerPort         int     `env:"PORT"`
	MetaAccessToken    string  `env:"META_ACCESS_TOKEN"`
	GoogleClientID     string  `env:"GOOGLE_ADS_CLIENT_ID"`
	GoogleClientSecret string  `env:"GOOGLE_ADS_CLIENT_SECRET"`
	GoogleRefreshToken string  `env:"GOOGLE_ADS_REFRESH_TOKEN"`
	GoogleDevToken     string  `env:"GOOGLE_ADS_DEVELOPER_TOKEN"`
	GoogleLoginID      string  `env:"GOOGLE_ADS_LOGIN_CUSTOMER_ID"`
	ArchiveBucket      string  `env:"ARCHIVE_BUCKET"`
	AWSRegion          string  `env:"AWS_REGION"`
	LogLevel           string  `env:"LOG_LEVEL"`
	OTLPEndpoint       string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPSampleRatio    float64 `env:"OTEL_SAMPLE_RATIO"`
	Timezone           string  `env:"REPORTING_TIMEZONE"`
}

// DefaultPath prefers ADPERF_CONFIG, then config/config.yaml when present.
// An empty result means defaults plus environment overrides.
func DefaultPath() string {
	if p := os.Getenv("ADPERF_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("config/config.yaml"); err == nil {
		return "config/config.yaml"
	}
	return ""
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) first, so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyEnv(o)
	return cfg, nil
}

func (cfg *Config) applyEnv(o envOverrides) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Database.Driver, o.DatabaseDriver)
	set(&cfg.Database.DSN, o.DatabaseURL)
	if o.DatabaseURL != "" && o.DatabaseDriver == "" && strings.HasPrefix(o.DatabaseURL, "postgres") {
		cfg.Database.Driver = "postgres"
	}
	if o.RedisAddr != "" {
		cfg.Redis.Addr = o.RedisAddr
		cfg.Redis.Enabled = true
	}
	set(&cfg.Redis.Password, o.RedisPassword)
	set(&cfg.Server.TriggerSecret, o.TriggerSecret)
	if o.ServerPort != 0 {
		cfg.Server.Port = o.ServerPort
	}
	set(&cfg.Meta.AccessToken, o.MetaAccessToken)
	set(&cfg.Google.ClientID, o.GoogleClientID)
	set(&cfg.Google.ClientSecret, o.GoogleClientSecret)
	set(&cfg.Google.RefreshToken, o.GoogleRefreshToken)
	set(&cfg.Google.DeveloperToken, o.GoogleDevToken)
	set(&cfg.Google.LoginCustomerID, o.GoogleLoginID)
	set(&cfg.Lifecycle.ArchiveBucket, o.ArchiveBucket)
	set(&cfg.Lifecycle.AWSRegion, o.AWSRegion)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Telemetry.Endpoint, o.OTLPEndpoint)
	if o.OTLPSampleRatio > 0 {
		cfg.Telemetry.SampleRatio = o.OTLPSampleRatio
	}
	set(&cfg.Timezone, o.Timezone)
}

// Validate reports settings that would make the services misbehave.
func (cfg *Config) Validate() error {
	var problems []string
	if cfg.Cache.ProactiveThresholdMinutes >= cfg.Cache.FreshThresholdMinutes {
		problems = append(problems, "cache.proactive_threshold_minutes must be below cache.fresh_threshold_minutes")
	}
	if cfg.Collector.BatchSize < 1 {
		problems = append(problems, "collector.batch_size must be positive")
	}
	seen := make(map[string]bool, len(cfg.Accounts))
	for i, a := range cfg.Accounts {
		if a.ID == "" {
			problems = append(problems, fmt.Sprintf("accounts[%d].id is required", i))
			continue
		}
		if seen[a.ID] {
			problems = append(problems, fmt.Sprintf("accounts[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
	}
	if _, err := cfg.Location(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
