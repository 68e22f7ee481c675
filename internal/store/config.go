package store

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// StoreConfig holds the configuration for the remote session store and its
// connection lifecycle. It is immutable after construction.
type StoreConfig struct {
	// Host is the hostname or address of the remote key-value service.
	// Default: "localhost"
	Host string

	// Port is the port of the remote key-value service.
	// Default: 6379
	Port int

	// Password is the optional auth credential for the remote service.
	// Default: "" (no authentication)
	Password string

	// DB is the logical database index within the remote service.
	// Default: 0
	DB int

	// KeyPrefix is prepended to every session key, scoping this service's
	// sessions within the shared keyspace.
	// Default: "session:"
	KeyPrefix string

	// SessionTTL is the default session lifetime, refreshed on each save
	// and touch.
	// Default: 24h
	SessionTTL time.Duration

	// MaxReconnectAttempts is the number of automatic reconnection
	// attempts before the connection is considered failed. An explicit
	// connect call resets the counter.
	// Default: 10
	MaxReconnectAttempts int

	// BaseBackoff seeds the exponential reconnect delay: attempt n waits
	// BaseBackoff * 2^(n-1), capped at MaxBackoff.
	// Default: 500ms
	BaseBackoff time.Duration

	// MaxBackoff is the ceiling on the reconnect delay.
	// Default: 60s
	MaxBackoff time.Duration

	// ConnectTimeout bounds the handshake plus liveness probe of a single
	// connection attempt.
	// Default: 5s
	ConnectTimeout time.Duration

	// OperationTimeout bounds a single store operation when the caller's
	// context carries no earlier deadline.
	// Default: 2s
	OperationTimeout time.Duration

	// CleanupInterval is the period between maintenance sweeps of the
	// fallback store. Zero disables the sweeper; expiry is still enforced
	// lazily on load.
	// Default: 5m
	CleanupInterval time.Duration

	// LogLevel is the log level for the remote client's internal messages.
	// Valid values: "DEBUG", "INFO", "WARN", "ERROR"
	// Default: "WARN"
	LogLevel string
}

const (
	// DefaultHost is the default remote service host
	DefaultHost = "localhost"
	// DefaultPort is the default remote service port
	DefaultPort = 6379
	// DefaultDB is the default logical database index
	DefaultDB = 0
	// DefaultKeyPrefix is the default session key prefix
	DefaultKeyPrefix = "session:"
	// DefaultSessionTTL is the default session lifetime
	DefaultSessionTTL = 24 * time.Hour
	// DefaultMaxReconnectAttempts is the default reconnection ceiling
	DefaultMaxReconnectAttempts = 10
	// DefaultBaseBackoff is the default exponential backoff seed
	DefaultBaseBackoff = 500 * time.Millisecond
	// DefaultMaxBackoff is the default backoff ceiling
	DefaultMaxBackoff = 60 * time.Second
	// DefaultConnectTimeout is the default connection attempt bound
	DefaultConnectTimeout = 5 * time.Second
	// DefaultOperationTimeout is the default per-operation bound
	DefaultOperationTimeout = 2 * time.Second
	// DefaultCleanupInterval is the default fallback sweep period
	DefaultCleanupInterval = 5 * time.Minute
	// DefaultLogLevel is the default log level for the remote client
	DefaultLogLevel = "WARN"
)

// NewDefaultStoreConfig returns a StoreConfig with sensible defaults.
func NewDefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Host:                 DefaultHost,
		Port:                 DefaultPort,
		Password:             "",
		DB:                   DefaultDB,
		KeyPrefix:            DefaultKeyPrefix,
		SessionTTL:           DefaultSessionTTL,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		BaseBackoff:          DefaultBaseBackoff,
		MaxBackoff:           DefaultMaxBackoff,
		ConnectTimeout:       DefaultConnectTimeout,
		OperationTimeout:     DefaultOperationTimeout,
		CleanupInterval:      DefaultCleanupInterval,
		LogLevel:             DefaultLogLevel,
	}
}

// Addr returns the host:port endpoint of the remote service.
func (c *StoreConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks if the store configuration is valid.
func (c *StoreConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("store host cannot be empty")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("store port must be between 1 and 65535, got: %d", c.Port)
	}

	if c.DB < 0 {
		return fmt.Errorf("store db index must be zero or greater, got: %d", c.DB)
	}

	if c.KeyPrefix == "" {
		return fmt.Errorf("key prefix cannot be empty")
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got: %v", c.SessionTTL)
	}

	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must be zero or greater, got: %d", c.MaxReconnectAttempts)
	}

	if c.BaseBackoff <= 0 {
		return fmt.Errorf("base backoff must be positive, got: %v", c.BaseBackoff)
	}

	if c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("max backoff (%v) cannot be less than base backoff (%v)", c.MaxBackoff, c.BaseBackoff)
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}

	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive")
	}

	if c.CleanupInterval < 0 {
		return fmt.Errorf("cleanup interval must be zero or greater, got: %v", c.CleanupInterval)
	}

	validLogLevels := map[string]bool{
		"DEBUG": true,
		"INFO":  true,
		"WARN":  true,
		"ERROR": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be DEBUG, INFO, WARN, or ERROR)", c.LogLevel)
	}

	return nil
}
