// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gridtrader/internal/core"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Exchange  ExchangeConfig          `yaml:"exchange"`
	Risk      RiskConfig              `yaml:"risk"`
	Webhook   WebhookConfig           `yaml:"webhook"`
	Server    ServerConfig            `yaml:"server"`
	Store     StoreConfig             `yaml:"store"`
	System    SystemConfig            `yaml:"system"`
	Grids     []GridDeployment        `yaml:"grids"`
	Telemetry TelemetryConfig         `yaml:"telemetry"`
	Filters   map[string]FilterConfig `yaml:"filters"`
}

// ExchangeConfig contains exchange connectivity settings
type ExchangeConfig struct {
	Kind                string  `yaml:"kind"` // bybit or mock
	APIKey              Secret  `yaml:"api_key"`
	SecretKey           Secret  `yaml:"secret_key"`
	Testnet             bool    `yaml:"testnet"`
	BaseURL             string  `yaml:"base_url"` // optional override
	RateLimitPerSecond  int     `yaml:"rate_limit_per_second"`
	OrderTimeoutSeconds int     `yaml:"order_timeout_seconds"`
	FeeRate             float64 `yaml:"fee_rate"`
}

// RiskConfig contains risk supervisor thresholds
type RiskConfig struct {
	MaxDrawdownPercent     float64 `yaml:"max_drawdown_percent"`
	MaxAPIErrorRatePercent float64 `yaml:"max_api_error_rate_percent"`
	MinAPICallsForRate     int     `yaml:"min_api_calls_for_rate"`
	VolatilityWindow       int     `yaml:"volatility_window"`
	VolatilityThreshold    float64 `yaml:"volatility_threshold_percent"`
	BreakersToKill         int     `yaml:"breakers_to_kill"`
	EquityPollSeconds      int     `yaml:"equity_poll_seconds"`
	CheckIntervalSeconds   int     `yaml:"check_interval_seconds"`
}

// WebhookConfig contains webhook authentication and execution guards
type WebhookConfig struct {
	Secret              Secret  `yaml:"secret"`
	MaxAgeSeconds       int     `yaml:"max_age_seconds"`
	MaxDeviationPercent float64 `yaml:"max_deviation_percent"`
	HistorySize         int     `yaml:"history_size"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StoreConfig contains persistence settings
type StoreConfig struct {
	Driver    string `yaml:"driver"` // sqlite or none
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
}

// FilterConfig holds per-symbol rounding rules
type FilterConfig struct {
	TickSize float64 `yaml:"tick_size"`
	LotStep  float64 `yaml:"lot_step"`
}

// GridDeployment is one grid parameter block deployed at boot. Prices are
// plain YAML floats and converted to decimals via Parameters().
type GridDeployment struct {
	Symbol           string  `yaml:"symbol"`
	LowerPrice       float64 `yaml:"lower_price"`
	UpperPrice       float64 `yaml:"upper_price"`
	GridCount        int     `yaml:"grid_count"`
	TotalInvestment  float64 `yaml:"total_investment"`
	StopLoss         float64 `yaml:"stop_loss"`
	TakeProfit       float64 `yaml:"take_profit"`
	BTCFilterEnabled bool    `yaml:"btc_filter_enabled"`
	AutoStart        bool    `yaml:"auto_start"`
}

// Parameters converts the deployment block to core grid parameters
func (g GridDeployment) Parameters(feeRate float64) core.GridParameters {
	return core.GridParameters{
		Symbol:           strings.ToUpper(g.Symbol),
		LowerPrice:       decimal.NewFromFloat(g.LowerPrice),
		UpperPrice:       decimal.NewFromFloat(g.UpperPrice),
		GridCount:        g.GridCount,
		TotalInvestment:  decimal.NewFromFloat(g.TotalInvestment),
		StopLoss:         decimal.NewFromFloat(g.StopLoss),
		TakeProfit:       decimal.NewFromFloat(g.TakeProfit),
		BTCFilterEnabled: g.BTCFilterEnabled,
		FeeBps:           decimal.NewFromFloat(feeRate * 10000),
	}
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

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateExchangeConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateWebhookConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStoreConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateGrids(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateExchangeConfig() error {
	validKinds := []string{"bybit", "mock"}
	if !contains(validKinds, c.Exchange.Kind) {
		return ValidationError{
			Field:   "exchange.kind",
			Value:   c.Exchange.Kind,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validKinds, ", ")),
		}
	}

	if c.Exchange.Kind != "mock" {
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

	if c.Exchange.RateLimitPerSecond <= 0 {
		return ValidationError{
			Field:   "exchange.rate_limit_per_second",
			Value:   c.Exchange.RateLimitPerSecond,
			Message: "must be positive",
		}
	}
	if c.Exchange.OrderTimeoutSeconds <= 0 {
		return ValidationError{
			Field:   "exchange.order_timeout_seconds",
			Value:   c.Exchange.OrderTimeoutSeconds,
			Message: "must be positive",
		}
	}
	if c.Exchange.FeeRate < 0 || c.Exchange.FeeRate > 1 {
		return ValidationError{
			Field:   "exchange.fee_rate",
			Value:   c.Exchange.FeeRate,
			Message: "must be between 0 and 1",
		}
	}

	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.MaxDrawdownPercent <= 0 || c.Risk.MaxDrawdownPercent > 100 {
		return ValidationError{
			Field:   "risk.max_drawdown_percent",
			Value:   c.Risk.MaxDrawdownPercent,
			Message: "must be in (0, 100]",
		}
	}
	if c.Risk.MaxAPIErrorRatePercent <= 0 {
		return ValidationError{
			Field:   "risk.max_api_error_rate_percent",
			Value:   c.Risk.MaxAPIErrorRatePercent,
			Message: "must be positive",
		}
	}
	if c.Risk.VolatilityWindow < 10 {
		return ValidationError{
			Field:   "risk.volatility_window",
			Value:   c.Risk.VolatilityWindow,
			Message: "must be at least 10",
		}
	}
	if c.Risk.BreakersToKill < 1 {
		return ValidationError{
			Field:   "risk.breakers_to_kill",
			Value:   c.Risk.BreakersToKill,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateWebhookConfig() error {
	if c.Webhook.Secret == "" {
		return ValidationError{
			Field:   "webhook.secret",
			Message: "webhook secret is required",
		}
	}
	if c.Webhook.MaxAgeSeconds <= 0 {
		return ValidationError{
			Field:   "webhook.max_age_seconds",
			Value:   c.Webhook.MaxAgeSeconds,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateStoreConfig() error {
	validDrivers := []string{"sqlite", "none"}
	if !contains(validDrivers, c.Store.Driver) {
		return ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validDrivers, ", ")),
		}
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return ValidationError{
			Field:   "store.path",
			Message: "path is required for the sqlite driver",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateGrids() error {
	seen := make(map[string]bool)
	for _, g := range c.Grids {
		sym := strings.ToUpper(g.Symbol)
		if seen[sym] {
			return ValidationError{
				Field:   "grids",
				Value:   sym,
				Message: "duplicate grid deployment for symbol",
			}
		}
		seen[sym] = true
		if err := g.Parameters(c.Exchange.FeeRate).Validate(); err != nil {
			return ValidationError{
				Field:   fmt.Sprintf("grids.%s", sym),
				Message: err.Error(),
			}
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the default configuration. LoadConfig overlays the
// YAML file on top of these values; tests use them directly.
func DefaultConfig() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			Kind:                "mock",
			RateLimitPerSecond:  10,
			OrderTimeoutSeconds: 30,
			FeeRate:             0.001,
		},
		Risk: RiskConfig{
			MaxDrawdownPercent:     30.0,
			MaxAPIErrorRatePercent: 2.0,
			MinAPICallsForRate:     50,
			VolatilityWindow:       100,
			VolatilityThreshold:    5.0,
			BreakersToKill:         2,
			EquityPollSeconds:      60,
			CheckIntervalSeconds:   5,
		},
		Webhook: WebhookConfig{
			Secret:              "test_webhook_secret",
			MaxAgeSeconds:       60,
			MaxDeviationPercent: 1.0,
			HistorySize:         500,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Store: StoreConfig{
			Driver:    "none",
			QueueSize: 1024,
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
		},
		Grids: []GridDeployment{
			{
				Symbol:          "BTCUSDT",
				LowerPrice:      95500.0,
				UpperPrice:      99000.0,
				GridCount:       12,
				TotalInvestment: 25000.0,
				StopLoss:        94800.0,
			},
			{
				Symbol:          "MNTUSDT",
				LowerPrice:      1.04,
				UpperPrice:      1.12,
				GridCount:       15,
				TotalInvestment: 6000.0,
				StopLoss:        1.015,
			},
			{
				Symbol:          "DOGEUSDT",
				LowerPrice:      0.129,
				UpperPrice:      0.145,
				GridCount:       18,
				TotalInvestment: 1500.0,
				StopLoss:        0.120,
			},
			{
				Symbol:           "PEPEUSDT",
				LowerPrice:       0.00000416,
				UpperPrice:       0.00000479,
				GridCount:        24,
				TotalInvestment:  1500.0,
				StopLoss:         0.00000395,
				BTCFilterEnabled: true,
			},
		},
	}
}
