package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"pricewatcher/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
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

// SchedulerConfig governs the due-product scan and worker pool.
type SchedulerConfig struct {
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Workers      int           `mapstructure:"workers"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
}

// PollingConfig provides the default polling policy for new products.
type PollingConfig struct {
	BaseInterval      time.Duration `mapstructure:"base_interval"`
	MinInterval       time.Duration `mapstructure:"min_interval"`
	MaxInterval       time.Duration `mapstructure:"max_interval"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// FetchConfig covers fetch timeouts and the retry/backoff discipline.
type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	FailingAfter int           `mapstructure:"failing_after"`
	UserAgent    string        `mapstructure:"user_agent"`
}

// DetectorConfig tunes change classification.
type DetectorConfig struct {
	AnomalyThresholdPct float64 `mapstructure:"anomaly_threshold_pct"`
}

// AlertingConfig defines alert defaults and transports.
type AlertingConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	DefaultCooldown time.Duration  `mapstructure:"default_cooldown"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
	Email           EmailConfig    `mapstructure:"email"`
	Kafka           KafkaConfig    `mapstructure:"kafka"`
}

// TelegramConfig describes the Telegram bot transport.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

// EmailConfig describes the SMTP transport.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// KafkaConfig describes the alert event publisher.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// APIConfig sets HTTP API listener behaviour.
type APIConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEWATCHER")
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

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
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
	v.SetDefault("app.name", "pricewatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.scan_interval", "30s")
	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.lease_ttl", "5m")

	v.SetDefault("polling.base_interval", "1h")
	v.SetDefault("polling.min_interval", "10m")
	v.SetDefault("polling.max_interval", "24h")
	v.SetDefault("polling.backoff_multiplier", 2.0)

	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.base_delay", "2s")
	v.SetDefault("fetch.max_delay", "1m")
	v.SetDefault("fetch.failing_after", 3)
	v.SetDefault("fetch.user_agent", "pricewatcher/1.0")

	v.SetDefault("detector.anomaly_threshold_pct", 80.0)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.default_cooldown", "24h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.port", 587)
	v.SetDefault("alerting.kafka.enabled", false)
	v.SetDefault("alerting.kafka.topic", "pricewatcher.alerts")

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "15s")
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

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
	if c.Scheduler.ScanInterval <= 0 {
		return fmt.Errorf("scheduler.scan_interval must be greater than zero")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be greater than zero")
	}
	if c.Scheduler.LeaseTTL <= 0 {
		return fmt.Errorf("scheduler.lease_ttl must be greater than zero")
	}
	if c.Polling.MinInterval <= 0 || c.Polling.MaxInterval < c.Polling.MinInterval {
		return fmt.Errorf("polling intervals must satisfy 0 < min <= max")
	}
	if c.Polling.BaseInterval < c.Polling.MinInterval || c.Polling.BaseInterval > c.Polling.MaxInterval {
		return fmt.Errorf("polling.base_interval must fall between min and max")
	}
	if c.Polling.BackoffMultiplier <= 1 {
		return fmt.Errorf("polling.backoff_multiplier must be greater than one")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be greater than zero")
	}
	if c.Fetch.FailingAfter <= 0 {
		return fmt.Errorf("fetch.failing_after must be greater than zero")
	}
	if c.Detector.AnomalyThresholdPct <= 0 || c.Detector.AnomalyThresholdPct > 100 {
		return fmt.Errorf("detector.anomaly_threshold_pct must be in (0, 100]")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled && c.Alerting.Telegram.BotToken == "" {
		return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.Host == "" {
			return fmt.Errorf("alerting.email.host is required when email is enabled")
		}
		if c.Alerting.Email.From == "" {
			return fmt.Errorf("alerting.email.from is required when email is enabled")
		}
	}
	if c.Alerting.Kafka.Enabled && len(c.Alerting.Kafka.Brokers) == 0 {
		return fmt.Errorf("alerting.kafka.brokers is required when kafka is enabled")
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
