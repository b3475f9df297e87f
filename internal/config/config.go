// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	NATS        NATSConfig        `yaml:"nats"`
	Store       StoreConfig       `yaml:"store"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Risk        RiskConfig        `yaml:"risk"`
	OCO         OCOConfig         `yaml:"oco"`
	Locks       LocksConfig       `yaml:"locks"`
	Server      ServerConfig      `yaml:"server"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	PodID    string `yaml:"pod_id"` // Defaults to hostname
	LogLevel string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR FATAL"`
}

// NATSConfig contains signal bus settings
type NATSConfig struct {
	URL                 string `yaml:"url" validate:"required"`
	SignalsSubject      string `yaml:"signals_subject" validate:"required"`
	ReconnectWait       int    `yaml:"reconnect_wait_seconds" validate:"min=1,max=300"`
	PingInterval        int    `yaml:"ping_interval_seconds" validate:"min=1,max=600"`
	MaxPingsOutstanding int    `yaml:"max_pings_outstanding" validate:"min=1,max=10"`
}

// StoreConfig contains document store settings
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=postgres sqlite"`
	DSN    Secret `yaml:"dsn" validate:"required"`
}

// ExchangeConfig contains exchange binding settings
type ExchangeConfig struct {
	Name      string `yaml:"name" validate:"oneof=binance mock"`
	APIKey    Secret `yaml:"api_key"`
	SecretKey Secret `yaml:"secret_key"`
	Testnet   bool   `yaml:"testnet"`
	// Exchange call timeout and retry behaviour
	CallTimeoutSeconds int     `yaml:"call_timeout_seconds" validate:"min=1,max=120"`
	MaxRetryAttempts   int     `yaml:"max_retry_attempts" validate:"min=1,max=10"`
	RetryBackoffMs     int     `yaml:"retry_backoff_ms" validate:"min=50,max=60000"`
	OrderRateLimit     float64 `yaml:"order_rate_limit" validate:"min=1,max=100"`
	OrderRateBurst     int     `yaml:"order_rate_burst" validate:"min=1,max=200"`
}

// RiskConfig contains portfolio risk limits and sizing defaults
type RiskConfig struct {
	MaxPositionSizePct      float64 `yaml:"max_position_size_pct" validate:"min=0,max=1"`
	MaxDailyLossPct         float64 `yaml:"max_daily_loss_pct" validate:"min=0,max=1"`
	MaxPortfolioExposurePct float64 `yaml:"max_portfolio_exposure_pct" validate:"min=0,max=10"`
	DefaultStopLossPct      float64 `yaml:"default_stop_loss_pct" validate:"min=0,max=1"`
	DefaultTakeProfitPct    float64 `yaml:"default_take_profit_pct" validate:"min=0,max=1"`
	AutoBrackets            bool    `yaml:"auto_brackets"`
	ConfigCacheTTLSeconds   int     `yaml:"config_cache_ttl_seconds" validate:"min=1,max=3600"`
	SyncIntervalSeconds     int     `yaml:"sync_interval_seconds" validate:"min=1,max=3600"`
}

// OCOConfig contains bracket monitoring settings
type OCOConfig struct {
	PollIntervalMs     int `yaml:"poll_interval_ms" validate:"min=100,max=60000"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds" validate:"min=1,max=60"`
}

// LocksConfig contains distributed lock settings
type LocksConfig struct {
	TTLSeconds               int `yaml:"ttl_seconds" validate:"min=5,max=3600"`
	SweepIntervalSeconds     int `yaml:"sweep_interval_seconds" validate:"min=5,max=3600"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds" validate:"min=1,max=300"`
	LeaderStaleSeconds       int `yaml:"leader_stale_seconds" validate:"min=5,max=600"`
}

// ServerConfig contains the HTTP admin API settings
type ServerConfig struct {
	Port        int `yaml:"port" validate:"min=1,max=65535"`
	MetricsPort int `yaml:"metrics_port" validate:"min=1,max=65535"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ConsumerPoolSize   int `yaml:"consumer_pool_size" validate:"min=1,max=100"`
	ConsumerPoolBuffer int `yaml:"consumer_pool_buffer" validate:"min=1,max=10000"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.PodID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = fmt.Sprintf("pod-%d", os.Getpid())
		}
		c.App.PodID = host
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2
	}
	if c.NATS.PingInterval == 0 {
		c.NATS.PingInterval = 60
	}
	if c.NATS.MaxPingsOutstanding == 0 {
		c.NATS.MaxPingsOutstanding = 3
	}
	if c.Exchange.CallTimeoutSeconds == 0 {
		c.Exchange.CallTimeoutSeconds = 10
	}
	if c.Exchange.MaxRetryAttempts == 0 {
		c.Exchange.MaxRetryAttempts = 3
	}
	if c.Exchange.RetryBackoffMs == 0 {
		c.Exchange.RetryBackoffMs = 500
	}
	if c.Exchange.OrderRateLimit == 0 {
		c.Exchange.OrderRateLimit = 25
	}
	if c.Exchange.OrderRateBurst == 0 {
		c.Exchange.OrderRateBurst = 30
	}
	if c.Risk.ConfigCacheTTLSeconds == 0 {
		c.Risk.ConfigCacheTTLSeconds = 60
	}
	if c.Risk.SyncIntervalSeconds == 0 {
		c.Risk.SyncIntervalSeconds = 30
	}
	if c.OCO.PollIntervalMs == 0 {
		c.OCO.PollIntervalMs = 2000
	}
	if c.OCO.CallTimeoutSeconds == 0 {
		c.OCO.CallTimeoutSeconds = 5
	}
	if c.Locks.TTLSeconds == 0 {
		c.Locks.TTLSeconds = 60
	}
	if c.Locks.SweepIntervalSeconds == 0 {
		c.Locks.SweepIntervalSeconds = 60
	}
	if c.Locks.HeartbeatIntervalSeconds == 0 {
		c.Locks.HeartbeatIntervalSeconds = 10
	}
	if c.Locks.LeaderStaleSeconds == 0 {
		c.Locks.LeaderStaleSeconds = 30
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Concurrency.ConsumerPoolSize == 0 {
		c.Concurrency.ConsumerPoolSize = 10
	}
	if c.Concurrency.ConsumerPoolBuffer == 0 {
		c.Concurrency.ConsumerPoolBuffer = 256
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "trading_engine"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateNATSConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStoreConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchangeConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateNATSConfig() error {
	if c.NATS.URL == "" {
		return ValidationError{
			Field:   "nats.url",
			Message: "NATS server URL is required",
		}
	}
	if c.NATS.SignalsSubject == "" {
		return ValidationError{
			Field:   "nats.signals_subject",
			Message: "signals subject is required",
		}
	}
	return nil
}

func (c *Config) validateStoreConfig() error {
	validDrivers := []string{"postgres", "sqlite"}
	if !contains(validDrivers, c.Store.Driver) {
		return ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validDrivers, ", ")),
		}
	}
	if c.Store.DSN == "" {
		return ValidationError{
			Field:   "store.dsn",
			Message: "store DSN is required",
		}
	}
	return nil
}

func (c *Config) validateExchangeConfig() error {
	validExchanges := []string{"binance", "mock"}
	if !contains(validExchanges, c.Exchange.Name) {
		return ValidationError{
			Field:   "exchange.name",
			Value:   c.Exchange.Name,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validExchanges, ", ")),
		}
	}
	if c.Exchange.Name == "binance" {
		if c.Exchange.APIKey == "" {
			return ValidationError{
				Field:   "exchange.api_key",
				Message: "API key is required",
			}
		}
		if c.Exchange.SecretKey == "" {
			return ValidationError{
				Field:   "exchange.secret_key",
				Message: "secret key is required",
			}
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.MaxPositionSizePct < 0 || c.Risk.MaxPositionSizePct > 1 {
		return ValidationError{
			Field:   "risk.max_position_size_pct",
			Value:   c.Risk.MaxPositionSizePct,
			Message: "must be in [0, 1]",
		}
	}
	if c.Risk.MaxDailyLossPct < 0 || c.Risk.MaxDailyLossPct > 1 {
		return ValidationError{
			Field:   "risk.max_daily_loss_pct",
			Value:   c.Risk.MaxDailyLossPct,
			Message: "must be in [0, 1]",
		}
	}
	return nil
}

// CallTimeout returns the exchange call timeout as a duration
func (c *ExchangeConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// String returns a string representation of the configuration. Secret-typed
// fields redact themselves during marshaling.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			PodID:    "test-pod",
			LogLevel: "INFO",
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			SignalsSubject: "signals.trading",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "file::memory:?cache=shared",
		},
		Exchange: ExchangeConfig{
			Name: "mock",
		},
		Risk: RiskConfig{
			MaxPositionSizePct:      0.10,
			MaxDailyLossPct:         0.05,
			MaxPortfolioExposurePct: 0.50,
			DefaultStopLossPct:      0.02,
			DefaultTakeProfitPct:    0.04,
			AutoBrackets:            true,
		},
	}
	cfg.applyDefaults()
	return cfg
}
