package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"healthsignals/internal/anomaly"
	"healthsignals/internal/correlation"
	"healthsignals/internal/explain"
	"healthsignals/internal/fetcher"
	"healthsignals/internal/jobs"
	"healthsignals/internal/logging"
)

// Source kinds.
const (
	SourcePostgres = "postgres"
	SourceHTTP     = "http"
	SourceCSV      = "csv"
)

// Job store kinds.
const (
	JobStoreMemory = "memory"
	JobStoreRedis  = "redis"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig          `mapstructure:"app"`
	Logging     logging.Config     `mapstructure:"logging"`
	Database    DatabaseConfig     `mapstructure:"database"`
	Scheduler   SchedulerConfig    `mapstructure:"scheduler"`
	Source      SourceConfig       `mapstructure:"source"`
	Detection   DetectionConfig    `mapstructure:"detection"`
	Correlation correlation.Config `mapstructure:"correlation"`
	Workers     WorkersConfig      `mapstructure:"workers"`
	Jobs        JobsConfig         `mapstructure:"jobs"`
	Redis       jobs.RedisConfig   `mapstructure:"redis"`
	Explain     explain.Config     `mapstructure:"explain"`
	Alerting    AlertingConfig     `mapstructure:"alerting"`
	Metrics     MetricsConfig      `mapstructure:"metrics"`
	Export      ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the periodic detection sweep.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	// ActiveWindow limits the sweep to users with data this recent.
	ActiveWindow time.Duration `mapstructure:"active_window"`
}

// SourceConfig selects where daily series come from.
type SourceConfig struct {
	Kind    string               `mapstructure:"kind"`
	HTTP    HTTPSourceConfig     `mapstructure:"http"`
	CSVPath string               `mapstructure:"csv_path"`
	Retry   fetcher.RetryOptions `mapstructure:"retry"`
}

// HTTPSourceConfig covers the upstream metrics API.
type HTTPSourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// DetectionConfig holds request defaults and detector tunables.
type DetectionConfig struct {
	Days               int            `mapstructure:"days"`
	UseRobust          bool           `mapstructure:"use_robust"`
	UseAdaptive        bool           `mapstructure:"use_adaptive"`
	UseEWMABaseline    bool           `mapstructure:"use_ewma_baseline"`
	IncludeExplanation bool           `mapstructure:"include_explanation"`
	Detectors          anomaly.Config `mapstructure:",squash"`
}

// WorkersConfig sizes the detector pool shared by all jobs.
type WorkersConfig struct {
	PoolSize int `mapstructure:"pool_size"`
}

// JobsConfig covers the background job registry.
type JobsConfig struct {
	Store     string        `mapstructure:"store"`
	Retention time.Duration `mapstructure:"retention"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// MinSeverity is the lowest anomaly severity that triggers a message.
	MinSeverity       string         `mapstructure:"min_severity"`
	ActionableOnly    bool           `mapstructure:"actionable_only"`
	MaxItems          int            `mapstructure:"max_items"`
	Channels          []string       `mapstructure:"channels"`
	Telegram          TelegramConfig `mapstructure:"telegram"`
	CorrelationAlerts bool           `mapstructure:"correlation_alerts"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the Prometheus endpoint of the run command.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("HEALTHSIGNALS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	cfg := seed()
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// seed pre-populates detector tunables so a file only needs the keys it
// changes. Slices are left nil; their defaults live in viper so a configured
// list replaces rather than overlays them.
func seed() Config {
	cfg := Config{
		Correlation: correlation.DefaultConfig(),
		Detection:   DetectionConfig{Detectors: anomaly.DefaultConfig()},
	}
	cfg.Correlation.Families = nil
	cfg.Detection.Detectors.Forest.Features = nil
	return cfg
}

// loadDotEnv reads ./.env into the process environment without overriding
// variables that are already set.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "healthsignals")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x68736967))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("scheduler.active_window", "720h")

	v.SetDefault("source.kind", SourcePostgres)
	v.SetDefault("source.http.request_timeout", "10s")
	v.SetDefault("source.http.user_agent", "healthsignals/1.0")
	v.SetDefault("source.retry.max_attempts", 3)
	v.SetDefault("source.retry.initial_interval", "500ms")
	v.SetDefault("source.retry.max_elapsed", "30s")

	v.SetDefault("detection.days", 60)
	v.SetDefault("detection.use_adaptive", true)
	v.SetDefault("detection.include_explanation", false)

	v.SetDefault("detection.iforest.features", anomaly.DefaultForestConfig().Features)
	v.SetDefault("correlation.families", correlation.DefaultConfig().Families)

	v.SetDefault("workers.pool_size", 0)

	v.SetDefault("jobs.store", JobStoreMemory)
	v.SetDefault("jobs.retention", "24h")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.key_prefix", "healthsignals")
	v.SetDefault("redis.ttl", "48h")

	v.SetDefault("explain.enabled", false)
	v.SetDefault("explain.url", "nats://127.0.0.1:4222")
	v.SetDefault("explain.subject_prefix", "healthsignals.explain")
	v.SetDefault("explain.rate_per_second", 5.0)
	v.SetDefault("explain.burst", 5)
	v.SetDefault("explain.max_per_run", 10)
	v.SetDefault("explain.flush_timeout", "2s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_severity", "high")
	v.SetDefault("alerting.actionable_only", true)
	v.SetDefault("alerting.max_items", 10)
	v.SetDefault("alerting.correlation_alerts", true)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("export.max_data_points", 2000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Detection.Days < 7 {
		return fmt.Errorf("detection.days must be at least 7")
	}
	switch c.Source.Kind {
	case SourcePostgres:
		// the store may be opened lazily; a missing DSN is reported by the command
	case SourceHTTP:
		if c.Source.HTTP.BaseURL == "" {
			return fmt.Errorf("source.http.base_url is required when source.kind=http")
		}
	case SourceCSV:
		if c.Source.CSVPath == "" {
			return fmt.Errorf("source.csv_path is required when source.kind=csv")
		}
	default:
		return fmt.Errorf("source.kind must be one of postgres, http, csv; got %q", c.Source.Kind)
	}
	switch c.Jobs.Store {
	case JobStoreMemory, JobStoreRedis:
	default:
		return fmt.Errorf("jobs.store must be memory or redis; got %q", c.Jobs.Store)
	}
	if c.Jobs.Retention <= 0 {
		return fmt.Errorf("jobs.retention must be greater than zero")
	}
	if mi := c.Correlation.MIEstimator; mi != "" && mi != correlation.EstimatorKSG && mi != correlation.EstimatorHistogram {
		return fmt.Errorf("correlation.mi_estimator must be ksg or histogram; got %q", mi)
	}
	for _, family := range c.Correlation.Families {
		if _, err := correlation.GetDetector(family); err != nil {
			return fmt.Errorf("correlation.families: %w", err)
		}
	}
	if c.Explain.Enabled && c.Explain.URL == "" {
		return fmt.Errorf("explain.url is required when explain.enabled")
	}
	switch c.Alerting.MinSeverity {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("alerting.min_severity must be low, medium or high")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ResolveDays returns either the request override or the configured window.
func (c *Config) ResolveDays(override int) int {
	if override > 0 {
		return override
	}
	return c.Detection.Days
}
