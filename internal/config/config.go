package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Quote    Quote    `mapstructure:"quote"`
	Signer   Signer   `mapstructure:"signer"`
	Chain    Chain    `mapstructure:"chain"`
	Trading  Trading  `mapstructure:"trading"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Redis    Redis    `mapstructure:"redis"`
}

// Quote holds the configuration for the swap-quote API.
type Quote struct {
	BaseURL           string        `mapstructure:"base_url"`
	ApiKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond int           `mapstructure:"requests_per_second"`
}

// Signer holds the configuration for the custodial signing API.
type Signer struct {
	BaseURL             string        `mapstructure:"base_url"`
	AppID               string        `mapstructure:"app_id"`
	AppSecret           string        `mapstructure:"app_secret"`
	Timeout             time.Duration `mapstructure:"timeout"`
	RateLimit           float64       `mapstructure:"rate_limit"`
	RateLimitBurst      int           `mapstructure:"rate_limit_burst"`
	ApprovalSettleDelay time.Duration `mapstructure:"approval_settle_delay"`
}

// Chain describes the single EVM chain the engine trades on.
type Chain struct {
	Name           string `mapstructure:"name"`
	ID             int64  `mapstructure:"id"`
	NativeToken    string `mapstructure:"native_token"`
	NativeDecimals int32  `mapstructure:"native_decimals"`
}

// Trading holds the configuration for the trading loops.
type Trading struct {
	CallInterval       time.Duration `mapstructure:"call_interval"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
	CallWindow         time.Duration `mapstructure:"call_window"`
	CallBatchSize      int           `mapstructure:"call_batch_size"`
	StopLossRatio      float64       `mapstructure:"stop_loss_ratio"`
	TakeProfitRatio    float64       `mapstructure:"take_profit_ratio"`
	DefaultSlippageBps int           `mapstructure:"default_slippage_bps"`
	DryRun             bool          `mapstructure:"dry_run"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Server holds the configuration for the status server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Redis holds the optional distributed lock backend. An empty Addr disables it.
type Redis struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// keys lists every leaf key so AutomaticEnv can override values that are absent from the file.
var keys = []string{
	"quote.base_url", "quote.api_key", "quote.timeout", "quote.requests_per_second",
	"signer.base_url", "signer.app_id", "signer.app_secret", "signer.timeout",
	"signer.rate_limit", "signer.rate_limit_burst", "signer.approval_settle_delay",
	"chain.name", "chain.id", "chain.native_token", "chain.native_decimals",
	"trading.call_interval", "trading.monitor_interval", "trading.call_window",
	"trading.call_batch_size", "trading.stop_loss_ratio", "trading.take_profit_ratio",
	"trading.default_slippage_bps", "trading.dry_run",
	"logger.level", "logger.format", "server.port",
	"database.driver", "database.dsn",
	"redis.addr", "redis.password", "redis.db", "redis.lock_ttl",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("quote.base_url", "https://api.0x.org")
	v.SetDefault("quote.timeout", 10*time.Second)
	v.SetDefault("quote.requests_per_second", 5)

	v.SetDefault("signer.base_url", "https://api.privy.io")
	v.SetDefault("signer.timeout", 15*time.Second)
	v.SetDefault("signer.rate_limit", 10)
	v.SetDefault("signer.rate_limit_burst", 2)
	v.SetDefault("signer.approval_settle_delay", 5*time.Second)

	v.SetDefault("chain.name", "base")
	v.SetDefault("chain.id", 8453)
	v.SetDefault("chain.native_token", "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")
	v.SetDefault("chain.native_decimals", 18)

	v.SetDefault("trading.call_interval", 5*time.Second)
	v.SetDefault("trading.monitor_interval", 10*time.Second)
	v.SetDefault("trading.call_window", 24*time.Hour)
	v.SetDefault("trading.call_batch_size", 100)
	v.SetDefault("trading.stop_loss_ratio", 0.75)
	v.SetDefault("trading.take_profit_ratio", 2.0)
	v.SetDefault("trading.default_slippage_bps", 100)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "trader.db")
	v.SetDefault("redis.lock_ttl", 2*time.Minute)
}

// LoadConfig reads configuration from a .env file, an optional config file and environment variables.
func LoadConfig(path string) (config Config, err error) {
	// A missing .env is normal outside local development.
	if err = godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range keys {
		if err = v.BindEnv(key); err != nil {
			return config, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode config: %w", err)
	}
	return config, nil
}

// Validate reports missing credentials and chain settings. The process must not start when it fails.
func (c *Config) Validate() error {
	var errs []error
	if c.Quote.ApiKey == "" {
		errs = append(errs, errors.New("quote.api_key is required"))
	}
	if c.Quote.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("quote.requests_per_second must be positive"))
	}
	if c.Signer.AppID == "" || c.Signer.AppSecret == "" {
		errs = append(errs, errors.New("signer.app_id and signer.app_secret are required"))
	}
	if c.Chain.ID <= 0 {
		errs = append(errs, errors.New("chain.id is required"))
	}
	if c.Chain.NativeToken == "" {
		errs = append(errs, errors.New("chain.native_token is required"))
	}
	if c.Trading.CallInterval <= 0 || c.Trading.MonitorInterval <= 0 {
		errs = append(errs, errors.New("trading intervals must be positive"))
	}
	if c.Trading.StopLossRatio <= 0 || c.Trading.StopLossRatio >= 1 {
		errs = append(errs, errors.New("trading.stop_loss_ratio must be between 0 and 1"))
	}
	if c.Trading.TakeProfitRatio <= 1 {
		errs = append(errs, errors.New("trading.take_profit_ratio must be greater than 1"))
	}
	return errors.Join(errs...)
}
