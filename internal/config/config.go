// Package config loads and validates scanner configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Site       SiteConfig       `mapstructure:"site"`
	Scan       ScanConfig       `mapstructure:"scan"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	KV         KVConfig         `mapstructure:"kv"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Dimensions DimensionsConfig `mapstructure:"dimensions"`
	Validator  ValidatorConfig  `mapstructure:"validator"`
	Results    ResultsConfig    `mapstructure:"results"`
	Reports    ReportsConfig    `mapstructure:"reports"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SiteConfig points at the site manifest and its media.
type SiteConfig struct {
	Manifest       string   `mapstructure:"manifest"`
	MediaDir       string   `mapstructure:"media_dir"`
	MediaBaseURL   string   `mapstructure:"media_base_url"`
	SupportedTypes []string `mapstructure:"supported_types"`
}

// ScanConfig sets target selection defaults and runner behavior.
type ScanConfig struct {
	LimitPerType int           `mapstructure:"limit_per_type"`
	IncludeTypes []string      `mapstructure:"include_types"`
	Offset       int           `mapstructure:"offset"`
	LockName     string        `mapstructure:"lock_name"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	Delay        time.Duration `mapstructure:"delay"`
	ReportPrefix string        `mapstructure:"report_prefix"`
}

// ScheduleConfig configures the background scheduler loop and its tasks.
type ScheduleConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Tick            time.Duration `mapstructure:"tick"`
	ScanInterval    string        `mapstructure:"scan_interval"`
	CacheGCInterval string        `mapstructure:"cache_gc_interval"`
	ValidateDelay   time.Duration `mapstructure:"validate_delay"`
	// DebouncePolicy is "drop" or "reset".
	DebouncePolicy string `mapstructure:"debounce_policy"`
}

// KVConfig selects the shared key-value store.
type KVConfig struct {
	// Backend is one of memory, leveldb or postgres.
	Backend       string `mapstructure:"backend"`
	LevelDBPath   string `mapstructure:"leveldb_path"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	PostgresTable string `mapstructure:"postgres_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
}

// CacheConfig controls the rotating cache pool.
type CacheConfig struct {
	External bool `mapstructure:"external"`
	PoolSize int  `mapstructure:"pool_size"`
}

// DimensionsConfig tunes the image dimension resolver.
type DimensionsConfig struct {
	RecordTTL        time.Duration `mapstructure:"record_ttl"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ProbeMaxBytes    int64         `mapstructure:"probe_max_bytes"`
	ProbeConcurrency int           `mapstructure:"probe_concurrency"`
	ProbeRPS         float64       `mapstructure:"probe_rps"`
	ProbeBurst       int           `mapstructure:"probe_burst"`
}

// ValidatorConfig selects how pages are judged.
type ValidatorConfig struct {
	// Mode is remote or markup.
	Mode          string         `mapstructure:"mode"`
	Token         string         `mapstructure:"token"`
	QueryParam    string         `mapstructure:"query_param"`
	AcceptedCodes []string       `mapstructure:"accepted_codes"`
	RuntimeHost   string         `mapstructure:"runtime_host"`
	UserAgent     string         `mapstructure:"user_agent"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	Headless      HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the chromedp renderer used in markup mode.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	ExecPath    string        `mapstructure:"exec_path"`
	// Promote renders only pages whose plain fetch looks client-rendered.
	// When false every page goes through Chrome.
	Promote         bool `mapstructure:"promote"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// ResultsConfig selects where run summaries and outcomes are stored.
type ResultsConfig struct {
	// Backend is memory or postgres.
	Backend       string `mapstructure:"backend"`
	DSN           string `mapstructure:"dsn"`
	RunsTable     string `mapstructure:"runs_table"`
	OutcomesTable string `mapstructure:"outcomes_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
}

// ReportsConfig selects where run reports are written.
type ReportsConfig struct {
	// Backend is none, memory, local or gcs.
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	// Endpoint points the GCS client at an emulator; auth is skipped.
	Endpoint string `mapstructure:"endpoint"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	// Backend is none, memory or pubsub.
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	// Exporter is none or gcp.
	Exporter  string `mapstructure:"exporter"`
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCANNER")
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
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("site.manifest", "site.yaml")
	v.SetDefault("scan.limit_per_type", 1)
	v.SetDefault("scan.offset", 0)
	v.SetDefault("scan.lock_name", "scanner:validation-lock")
	v.SetDefault("scan.lock_ttl", "30m")
	v.SetDefault("scan.delay", "0s")
	v.SetDefault("scan.report_prefix", "reports")
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.tick", "30s")
	v.SetDefault("schedule.scan_interval", "@daily")
	v.SetDefault("schedule.cache_gc_interval", "@hourly")
	v.SetDefault("schedule.validate_delay", "2m")
	v.SetDefault("schedule.debounce_policy", "drop")
	v.SetDefault("kv.backend", "memory")
	v.SetDefault("kv.leveldb_path", "data/kv")
	v.SetDefault("kv.postgres_table", "scanner_kv")
	v.SetDefault("cache.external", false)
	v.SetDefault("cache.pool_size", 1000)
	v.SetDefault("dimensions.record_ttl", "720h")
	v.SetDefault("dimensions.lock_ttl", "1m")
	v.SetDefault("dimensions.probe_timeout", "10s")
	v.SetDefault("dimensions.probe_max_bytes", 64*1024)
	v.SetDefault("dimensions.probe_concurrency", 4)
	v.SetDefault("dimensions.probe_rps", 2.0)
	v.SetDefault("dimensions.probe_burst", 2)
	v.SetDefault("validator.mode", "remote")
	v.SetDefault("validator.query_param", "amp_validate")
	v.SetDefault("validator.runtime_host", "cdn.ampproject.org")
	v.SetDefault("validator.user_agent", "compliance-scanner/0.1")
	v.SetDefault("validator.timeout", "30s")
	v.SetDefault("validator.headless.enabled", false)
	v.SetDefault("validator.headless.max_parallel", 1)
	v.SetDefault("validator.headless.nav_timeout", "45s")
	v.SetDefault("validator.headless.promote", true)
	v.SetDefault("validator.headless.promotion_threshold", 2048)
	v.SetDefault("results.backend", "memory")
	v.SetDefault("results.runs_table", "scan_runs")
	v.SetDefault("results.outcomes_table", "scan_outcomes")
	v.SetDefault("reports.backend", "memory")
	v.SetDefault("reports.dir", "data/reports")
	v.SetDefault("pubsub.backend", "none")
	v.SetDefault("pubsub.topic", "scan.completed")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "compliance-scanner")
	v.SetDefault("telemetry.exporter", "none")
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocognit,gocyclo // flat list of independent checks
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Site.Manifest == "" {
		return fmt.Errorf("site.manifest is required")
	}
	if c.Scan.LimitPerType < 0 {
		return fmt.Errorf("scan.limit_per_type must be >= 0")
	}
	if c.Scan.Offset < 0 {
		return fmt.Errorf("scan.offset must be >= 0")
	}
	if c.Scan.LockTTL <= 0 {
		return fmt.Errorf("scan.lock_ttl must be > 0")
	}
	if c.Scan.Delay < 0 {
		return fmt.Errorf("scan.delay must be >= 0")
	}
	if c.Schedule.Enabled && c.Schedule.Tick <= 0 {
		return fmt.Errorf("schedule.tick must be > 0")
	}
	if err := oneOf("schedule.debounce_policy", c.Schedule.DebouncePolicy, "drop", "reset"); err != nil {
		return err
	}
	if err := oneOf("kv.backend", c.KV.Backend, "memory", "leveldb", "postgres"); err != nil {
		return err
	}
	if c.KV.Backend == "leveldb" && c.KV.LevelDBPath == "" {
		return fmt.Errorf("kv.leveldb_path is required for the leveldb backend")
	}
	if c.KV.Backend == "postgres" && c.KV.PostgresDSN == "" {
		return fmt.Errorf("kv.postgres_dsn is required for the postgres backend")
	}
	if c.Cache.PoolSize <= 0 {
		return fmt.Errorf("cache.pool_size must be > 0")
	}
	if c.Dimensions.RecordTTL <= 0 || c.Dimensions.LockTTL <= 0 {
		return fmt.Errorf("dimensions.record_ttl and dimensions.lock_ttl must be > 0")
	}
	if c.Dimensions.ProbeConcurrency <= 0 {
		return fmt.Errorf("dimensions.probe_concurrency must be > 0")
	}
	if c.Dimensions.ProbeRPS <= 0 {
		return fmt.Errorf("dimensions.probe_rps must be > 0")
	}
	if err := oneOf("validator.mode", c.Validator.Mode, "remote", "markup"); err != nil {
		return err
	}
	if c.Validator.Timeout <= 0 {
		return fmt.Errorf("validator.timeout must be > 0")
	}
	if c.Validator.Headless.Enabled && c.Validator.Headless.MaxParallel <= 0 {
		return fmt.Errorf("validator.headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Validator.Headless.Enabled && c.Validator.Headless.Promote && c.Validator.Headless.PromotionThresh <= 0 {
		return fmt.Errorf("validator.headless.promotion_threshold must be > 0 when promotion is enabled")
	}
	if err := oneOf("results.backend", c.Results.Backend, "memory", "postgres"); err != nil {
		return err
	}
	if c.Results.Backend == "postgres" && c.Results.DSN == "" {
		return fmt.Errorf("results.dsn is required for the postgres backend")
	}
	if err := oneOf("reports.backend", c.Reports.Backend, "none", "memory", "local", "gcs"); err != nil {
		return err
	}
	if c.Reports.Backend == "gcs" && c.Reports.Bucket == "" {
		return fmt.Errorf("reports.bucket is required for the gcs backend")
	}
	if c.Reports.Backend == "local" && c.Reports.Dir == "" {
		return fmt.Errorf("reports.dir is required for the local backend")
	}
	if err := oneOf("pubsub.backend", c.PubSub.Backend, "none", "memory", "pubsub"); err != nil {
		return err
	}
	if c.PubSub.Backend == "pubsub" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required for the pubsub backend")
	}
	if err := oneOf("telemetry.exporter", c.Telemetry.Exporter, "none", "gcp"); err != nil {
		return err
	}
	if c.Telemetry.Exporter == "gcp" && c.Telemetry.ProjectID == "" {
		return fmt.Errorf("telemetry.project_id is required for the gcp exporter")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}
