package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nextcast/session-store/internal/store"
)

// Config holds all configuration for the service.
type Config struct {
	// API server settings
	APIPort int
	APIHost string

	// Probe server settings
	ProbePort int
	ProbeHost string

	// Metrics server settings
	MetricsPort int
	MetricsHost string

	// TLS settings
	TLSEnabled bool
	TLSCert    string
	TLSKey     string

	// Logging settings
	LogLevel  string
	LogFormat string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Health check settings
	HealthCheckTimeout       time.Duration
	HealthCheckCacheDuration time.Duration

	// Metrics settings
	MetricsNamespace string

	// Backend store settings
	StoreHost            string
	StorePort            int
	StorePassword        string
	StoreDB              int
	KeyPrefix            string
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	ConnectTimeout       time.Duration
	OperationTimeout     time.Duration

	// Session lifecycle settings
	SessionTTL      time.Duration
	CleanupInterval time.Duration
}

// Load reads configuration from environment variables, config file, and flags.
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("probe.port", 8081)
	viper.SetDefault("probe.host", "0.0.0.0")
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.host", "0.0.0.0")
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cert", "")
	viper.SetDefault("tls.key", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("shutdown.timeout", "30s")
	viper.SetDefault("health.check_timeout", "5s")
	viper.SetDefault("health.cache_duration", "10s")
	viper.SetDefault("store.host", "localhost")
	viper.SetDefault("store.port", 6379)
	viper.SetDefault("store.password", "")
	viper.SetDefault("store.db", 0)
	viper.SetDefault("store.key_prefix", "session:")
	viper.SetDefault("store.max_reconnect_attempts", 10)
	viper.SetDefault("store.backoff_base", "500ms")
	viper.SetDefault("store.backoff_max", "60s")
	viper.SetDefault("store.connect_timeout", "5s")
	viper.SetDefault("store.operation_timeout", "2s")
	viper.SetDefault("session.ttl", "24h")
	viper.SetDefault("session.cleanup_interval", "5m")

	// Enable environment variable support with automatic replacement
	viper.SetEnvPrefix("SESSIOND")
	viper.AutomaticEnv()
	// Replace . with _ in environment variable names (e.g., store.port -> SESSIOND_STORE_PORT)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Try to read config file if it exists
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/sessiond/")

	// Reading config file is optional
	_ = viper.ReadInConfig()

	// Parse configuration
	cfg := &Config{
		APIPort:              viper.GetInt("api.port"),
		APIHost:              viper.GetString("api.host"),
		ProbePort:            viper.GetInt("probe.port"),
		ProbeHost:            viper.GetString("probe.host"),
		MetricsPort:          viper.GetInt("metrics.port"),
		MetricsHost:          viper.GetString("metrics.host"),
		TLSEnabled:           viper.GetBool("tls.enabled"),
		TLSCert:              viper.GetString("tls.cert"),
		TLSKey:               viper.GetString("tls.key"),
		LogLevel:             viper.GetString("log.level"),
		LogFormat:            viper.GetString("log.format"),
		MetricsNamespace:     "session_store", // Fixed value, not configurable
		StoreHost:            viper.GetString("store.host"),
		StorePort:            viper.GetInt("store.port"),
		StorePassword:        viper.GetString("store.password"),
		StoreDB:              viper.GetInt("store.db"),
		KeyPrefix:            viper.GetString("store.key_prefix"),
		MaxReconnectAttempts: viper.GetInt("store.max_reconnect_attempts"),
	}

	// Parse shutdown timeout
	timeout, err := time.ParseDuration(viper.GetString("shutdown.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid shutdown timeout: %w", err)
	}
	cfg.ShutdownTimeout = timeout

	// Parse health check timeout
	healthTimeout, err := time.ParseDuration(viper.GetString("health.check_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid health check timeout: %w", err)
	}
	cfg.HealthCheckTimeout = healthTimeout

	// Parse health check cache duration
	cacheDuration, err := time.ParseDuration(viper.GetString("health.cache_duration"))
	if err != nil {
		return nil, fmt.Errorf("invalid health check cache duration: %w", err)
	}
	cfg.HealthCheckCacheDuration = cacheDuration

	// Parse reconnect backoff base delay
	backoffBase, err := time.ParseDuration(viper.GetString("store.backoff_base"))
	if err != nil {
		return nil, fmt.Errorf("invalid backoff base delay: %w", err)
	}
	cfg.BackoffBase = backoffBase

	// Parse reconnect backoff ceiling
	backoffMax, err := time.ParseDuration(viper.GetString("store.backoff_max"))
	if err != nil {
		return nil, fmt.Errorf("invalid backoff ceiling: %w", err)
	}
	cfg.BackoffMax = backoffMax

	// Parse store connect timeout
	connectTimeout, err := time.ParseDuration(viper.GetString("store.connect_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid store connect timeout: %w", err)
	}
	cfg.ConnectTimeout = connectTimeout

	// Parse store operation timeout
	operationTimeout, err := time.ParseDuration(viper.GetString("store.operation_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid store operation timeout: %w", err)
	}
	cfg.OperationTimeout = operationTimeout

	// Parse default session TTL
	sessionTTL, err := time.ParseDuration(viper.GetString("session.ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid session TTL: %w", err)
	}
	cfg.SessionTTL = sessionTTL

	// Parse fallback cleanup interval
	cleanupInterval, err := time.ParseDuration(viper.GetString("session.cleanup_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid session cleanup interval: %w", err)
	}
	cfg.CleanupInterval = cleanupInterval

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", c.APIPort)
	}
	if c.ProbePort < 1 || c.ProbePort > 65535 {
		return fmt.Errorf("invalid probe port: %d", c.ProbePort)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}

	if c.TLSEnabled {
		if c.TLSCert == "" {
			return fmt.Errorf("TLS enabled but no certificate path provided")
		}
		if c.TLSKey == "" {
			return fmt.Errorf("TLS enabled but no key path provided")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.LogFormat)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s (must be positive)", c.ShutdownTimeout)
	}

	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("invalid health check timeout: %s (must be positive)", c.HealthCheckTimeout)
	}

	if c.HealthCheckCacheDuration < 0 {
		return fmt.Errorf("invalid health check cache duration: %s (must be non-negative, zero disables caching)", c.HealthCheckCacheDuration)
	}

	if c.MetricsNamespace == "" {
		return fmt.Errorf("metrics namespace cannot be empty")
	}

	if c.StoreHost == "" {
		return fmt.Errorf("store host cannot be empty")
	}
	if c.StorePort < 1 || c.StorePort > 65535 {
		return fmt.Errorf("invalid store port: %d", c.StorePort)
	}
	if c.StoreDB < 0 {
		return fmt.Errorf("invalid store database index: %d", c.StoreDB)
	}
	if c.KeyPrefix == "" {
		return fmt.Errorf("store key prefix cannot be empty")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("invalid max reconnect attempts: %d (must be non-negative)", c.MaxReconnectAttempts)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("invalid backoff base delay: %s (must be positive)", c.BackoffBase)
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("invalid backoff ceiling: %s (must be at least the base delay)", c.BackoffMax)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid store connect timeout: %s (must be positive)", c.ConnectTimeout)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("invalid store operation timeout: %s (must be positive)", c.OperationTimeout)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("invalid session TTL: %s (must be positive)", c.SessionTTL)
	}
	if c.CleanupInterval < 0 {
		return fmt.Errorf("invalid session cleanup interval: %s (must be non-negative, zero disables sweeping)", c.CleanupInterval)
	}

	return nil
}

// StoreConfig builds the backend store configuration from the loaded settings.
func (c *Config) StoreConfig() *store.StoreConfig {
	return &store.StoreConfig{
		Host:                 c.StoreHost,
		Port:                 c.StorePort,
		Password:             c.StorePassword,
		DB:                   c.StoreDB,
		KeyPrefix:            c.KeyPrefix,
		SessionTTL:           c.SessionTTL,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		BaseBackoff:          c.BackoffBase,
		MaxBackoff:           c.BackoffMax,
		ConnectTimeout:       c.ConnectTimeout,
		OperationTimeout:     c.OperationTimeout,
		CleanupInterval:      c.CleanupInterval,
		LogLevel:             strings.ToUpper(c.LogLevel),
	}
}
