package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	Capabilities CapabilitiesConfig `json:"capabilities"`
	EnvWatch     EnvWatchConfig     `json:"env_watch"`
	Panic        PanicConfig        `json:"panic"`
}

type ServerConfig struct {
	HTTPAddr       string `json:"http_addr" env:"BREAKERBOX_HTTP_ADDR"`
	AdminToken     string `json:"admin_token" env:"BREAKERBOX_ADMIN_TOKEN"`
	RateLimitRPS   int    `json:"rate_limit_rps" env:"BREAKERBOX_RATE_LIMIT_RPS"`
	RateLimitBurst int    `json:"rate_limit_burst" env:"BREAKERBOX_RATE_LIMIT_BURST"`
}

type StorageConfig struct {
	PostgresDSN string `json:"postgres_dsn" env:"BREAKERBOX_DB_DSN"`
	TimeoutMS   int    `json:"timeout_ms" env:"BREAKERBOX_STORE_TIMEOUT_MS"`
}

type CapabilitiesConfig struct {
	CacheTTLSecs int    `json:"cache_ttl_secs" env:"BREAKERBOX_CACHE_TTL_SECS"`
	SweepCron    string `json:"sweep_cron" env:"BREAKERBOX_SWEEP_CRON"`
}

type EnvWatchConfig struct {
	ScanIntervalMins int `json:"scan_interval_mins" env:"BREAKERBOX_ENV_SCAN_INTERVAL_MINS"`
	StalenessHours   int `json:"staleness_hours" env:"BREAKERBOX_ENV_STALENESS_HOURS"`
}

type PanicConfig struct {
	AutoTrip          bool `json:"auto_trip" env:"BREAKERBOX_PANIC_AUTO_TRIP"`
	AutoRecovery      bool `json:"auto_recovery" env:"BREAKERBOX_PANIC_AUTO_RECOVERY"`
	FailureThreshold  int  `json:"failure_threshold" env:"BREAKERBOX_PANIC_FAILURE_THRESHOLD"`
	FailureWindowSecs int  `json:"failure_window_secs" env:"BREAKERBOX_PANIC_FAILURE_WINDOW_SECS"`
	CooldownSecs      int  `json:"cooldown_secs" env:"BREAKERBOX_PANIC_COOLDOWN_SECS"`
	CacheTTLSecs      int  `json:"cache_ttl_secs" env:"BREAKERBOX_PANIC_CACHE_TTL_SECS"`
}

// LoadConfig reads the JSON config at path, applies BREAKERBOX_* environment
// overrides on top, fills defaults, and validates. An empty path yields a
// config built from environment and defaults alone.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = 20
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 40
	}
	if c.Storage.TimeoutMS == 0 {
		c.Storage.TimeoutMS = 2000
	}
	if c.Capabilities.CacheTTLSecs == 0 {
		c.Capabilities.CacheTTLSecs = 60
	}
	if c.Capabilities.SweepCron == "" {
		c.Capabilities.SweepCron = "*/10 * * * *"
	}
	if c.EnvWatch.ScanIntervalMins == 0 {
		c.EnvWatch.ScanIntervalMins = 60
	}
	if c.EnvWatch.StalenessHours == 0 {
		c.EnvWatch.StalenessHours = 24
	}
	if c.Panic.FailureThreshold == 0 {
		c.Panic.FailureThreshold = 5
	}
	if c.Panic.FailureWindowSecs == 0 {
		c.Panic.FailureWindowSecs = 60
	}
	if c.Panic.CooldownSecs == 0 {
		c.Panic.CooldownSecs = 300
	}
	if c.Panic.CacheTTLSecs == 0 {
		c.Panic.CacheTTLSecs = 5
	}
}

func (c Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr required")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		return errors.New("server rate limit values must not be negative")
	}
	if c.Storage.TimeoutMS <= 0 {
		return errors.New("storage.timeout_ms must be positive")
	}
	if c.Capabilities.CacheTTLSecs <= 0 {
		return errors.New("capabilities.cache_ttl_secs must be positive")
	}
	if strings.TrimSpace(c.Capabilities.SweepCron) == "" {
		return errors.New("capabilities.sweep_cron required")
	}
	if c.EnvWatch.ScanIntervalMins <= 0 {
		return errors.New("env_watch.scan_interval_mins must be positive")
	}
	if c.EnvWatch.StalenessHours <= 0 {
		return errors.New("env_watch.staleness_hours must be positive")
	}
	if c.Panic.FailureThreshold <= 0 {
		return errors.New("panic.failure_threshold must be positive")
	}
	if c.Panic.FailureWindowSecs <= 0 {
		return errors.New("panic.failure_window_secs must be positive")
	}
	if c.Panic.CooldownSecs <= 0 {
		return errors.New("panic.cooldown_secs must be positive")
	}
	if c.Panic.CacheTTLSecs <= 0 {
		return errors.New("panic.cache_ttl_secs must be positive")
	}
	return nil
}
