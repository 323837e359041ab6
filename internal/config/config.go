package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Stream   StreamConfig   `mapstructure:"stream"`
	API      APIConfig      `mapstructure:"api"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StreamConfig holds the anomaly stream connection configuration
type StreamConfig struct {
	URL              string        `mapstructure:"url"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"` // 0 = no deadline
}

// APIConfig holds the picked/sector REST API configuration
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// MonitorConfig holds picked-sector alert configuration
type MonitorConfig struct {
	AlertsEnabled bool          `mapstructure:"alerts_enabled"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds the batch journal configuration
type StorageConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	DBPath     string `mapstructure:"db_path"`
	MaxBatches int    `mapstructure:"max_batches"`
}

// ServerConfig holds the local view API configuration
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from file and environment variables.
// An empty path uses defaults and environment variables only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// EASTMONEYWATCH_STREAM_URL overrides stream.url, and so on.
	v.SetEnvPrefix("EASTMONEYWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("stream.url", "ws://localhost:61125/ws/changes")
	v.SetDefault("stream.reconnect_delay", "2s")
	v.SetDefault("stream.handshake_timeout", "10s")
	v.SetDefault("stream.read_timeout", "0s")

	v.SetDefault("api.base_url", "http://localhost:61125/api")
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.retry_delay_base", "1s")

	v.SetDefault("monitor.alerts_enabled", false)
	v.SetDefault("monitor.alert_cooldown", "10m")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.max_batches", 200)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", "127.0.0.1:61130")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	u, err := url.Parse(c.Stream.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("stream.url must be a ws:// or wss:// URL")
	}
	if c.Stream.ReconnectDelay < 100*time.Millisecond {
		return fmt.Errorf("stream.reconnect_delay must be at least 100ms")
	}
	if c.Stream.HandshakeTimeout <= 0 {
		return fmt.Errorf("stream.handshake_timeout must be positive")
	}
	if c.Stream.ReadTimeout < 0 {
		return fmt.Errorf("stream.read_timeout must not be negative")
	}

	u, err = url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url must be an http:// or https:// URL")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.API.MaxRetries < 1 {
		return fmt.Errorf("api.max_retries must be at least 1")
	}

	if c.Monitor.AlertCooldown < 0 {
		return fmt.Errorf("monitor.alert_cooldown must not be negative")
	}
	if c.Monitor.AlertsEnabled && !c.Telegram.Enabled {
		return fmt.Errorf("monitor.alerts_enabled requires telegram.enabled")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Storage.Enabled && c.Storage.MaxBatches < 1 {
		return fmt.Errorf("storage.max_batches must be at least 1")
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when server is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
