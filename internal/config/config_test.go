package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad(t *testing.T) {
	// Reset viper state before each test
	defer viper.Reset()

	tests := []struct {
		name    string
		setup   func()
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "default configuration",
			setup: func() {
				viper.Reset()
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if cfg.APIPort != 8080 {
					t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
				}
				if cfg.ProbePort != 8081 {
					t.Errorf("ProbePort = %d, want 8081", cfg.ProbePort)
				}
				if cfg.MetricsPort != 9090 {
					t.Errorf("MetricsPort = %d, want 9090", cfg.MetricsPort)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
				}
				if cfg.LogFormat != "json" {
					t.Errorf("LogFormat = %s, want json", cfg.LogFormat)
				}
				if cfg.ShutdownTimeout != 30*time.Second {
					t.Errorf("ShutdownTimeout = %s, want 30s", cfg.ShutdownTimeout)
				}
				if cfg.StoreHost != "localhost" {
					t.Errorf("StoreHost = %s, want localhost", cfg.StoreHost)
				}
				if cfg.StorePort != 6379 {
					t.Errorf("StorePort = %d, want 6379", cfg.StorePort)
				}
				if cfg.KeyPrefix != "session:" {
					t.Errorf("KeyPrefix = %s, want session:", cfg.KeyPrefix)
				}
				if cfg.MaxReconnectAttempts != 10 {
					t.Errorf("MaxReconnectAttempts = %d, want 10", cfg.MaxReconnectAttempts)
				}
				if cfg.BackoffBase != 500*time.Millisecond {
					t.Errorf("BackoffBase = %s, want 500ms", cfg.BackoffBase)
				}
				if cfg.BackoffMax != 60*time.Second {
					t.Errorf("BackoffMax = %s, want 60s", cfg.BackoffMax)
				}
				if cfg.SessionTTL != 24*time.Hour {
					t.Errorf("SessionTTL = %s, want 24h", cfg.SessionTTL)
				}
				if cfg.CleanupInterval != 5*time.Minute {
					t.Errorf("CleanupInterval = %s, want 5m", cfg.CleanupInterval)
				}
			},
		},
		{
			name: "custom configuration via viper",
			setup: func() {
				viper.Reset()
				viper.Set("api.port", 9000)
				viper.Set("probe.port", 9001)
				viper.Set("metrics.port", 9002)
				viper.Set("log.level", "debug")
				viper.Set("log.format", "console")
				viper.Set("shutdown.timeout", "60s")
				viper.Set("store.host", "redis.internal")
				viper.Set("store.port", 6380)
				viper.Set("store.db", 2)
				viper.Set("store.key_prefix", "app:")
				viper.Set("store.max_reconnect_attempts", 3)
				viper.Set("store.backoff_base", "100ms")
				viper.Set("session.ttl", "1h")
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if cfg.APIPort != 9000 {
					t.Errorf("APIPort = %d, want 9000", cfg.APIPort)
				}
				if cfg.LogLevel != "debug" {
					t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
				}
				if cfg.ShutdownTimeout != 60*time.Second {
					t.Errorf("ShutdownTimeout = %s, want 60s", cfg.ShutdownTimeout)
				}
				if cfg.StoreHost != "redis.internal" {
					t.Errorf("StoreHost = %s, want redis.internal", cfg.StoreHost)
				}
				if cfg.StorePort != 6380 {
					t.Errorf("StorePort = %d, want 6380", cfg.StorePort)
				}
				if cfg.StoreDB != 2 {
					t.Errorf("StoreDB = %d, want 2", cfg.StoreDB)
				}
				if cfg.KeyPrefix != "app:" {
					t.Errorf("KeyPrefix = %s, want app:", cfg.KeyPrefix)
				}
				if cfg.MaxReconnectAttempts != 3 {
					t.Errorf("MaxReconnectAttempts = %d, want 3", cfg.MaxReconnectAttempts)
				}
				if cfg.BackoffBase != 100*time.Millisecond {
					t.Errorf("BackoffBase = %s, want 100ms", cfg.BackoffBase)
				}
				if cfg.SessionTTL != time.Hour {
					t.Errorf("SessionTTL = %s, want 1h", cfg.SessionTTL)
				}
			},
		},
		{
			name: "TLS configuration",
			setup: func() {
				viper.Reset()
				viper.Set("tls.enabled", true)
				viper.Set("tls.cert", "/path/to/cert.pem")
				viper.Set("tls.key", "/path/to/key.pem")
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if !cfg.TLSEnabled {
					t.Error("TLSEnabled = false, want true")
				}
				if cfg.TLSCert != "/path/to/cert.pem" {
					t.Errorf("TLSCert = %s, want /path/to/cert.pem", cfg.TLSCert)
				}
				if cfg.TLSKey != "/path/to/key.pem" {
					t.Errorf("TLSKey = %s, want /path/to/key.pem", cfg.TLSKey)
				}
			},
		},
		{
			name: "invalid shutdown timeout",
			setup: func() {
				viper.Reset()
				viper.Set("shutdown.timeout", "invalid")
			},
			wantErr: true,
			check:   nil,
		},
		{
			name: "invalid session TTL",
			setup: func() {
				viper.Reset()
				viper.Set("session.ttl", "soon")
			},
			wantErr: true,
			check:   nil,
		},
		{
			name: "invalid backoff base delay",
			setup: func() {
				viper.Reset()
				viper.Set("store.backoff_base", "fast")
			},
			wantErr: true,
			check:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if err == nil && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		APIPort:                  8080,
		ProbePort:                8081,
		MetricsPort:              9090,
		LogLevel:                 "info",
		LogFormat:                "json",
		ShutdownTimeout:          30 * time.Second,
		HealthCheckTimeout:       5 * time.Second,
		HealthCheckCacheDuration: 10 * time.Second,
		MetricsNamespace:         "session_store",
		StoreHost:                "localhost",
		StorePort:                6379,
		StoreDB:                  0,
		KeyPrefix:                "session:",
		MaxReconnectAttempts:     10,
		BackoffBase:              500 * time.Millisecond,
		BackoffMax:               60 * time.Second,
		ConnectTimeout:           5 * time.Second,
		OperationTimeout:         2 * time.Second,
		SessionTTL:               24 * time.Hour,
		CleanupInterval:          5 * time.Minute,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid configuration",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid API port - too low",
			mutate:  func(c *Config) { c.APIPort = 0 },
			wantErr: true,
		},
		{
			name:    "invalid API port - too high",
			mutate:  func(c *Config) { c.APIPort = 65536 },
			wantErr: true,
		},
		{
			name:    "invalid probe port",
			mutate:  func(c *Config) { c.ProbePort = -1 },
			wantErr: true,
		},
		{
			name:    "invalid metrics port",
			mutate:  func(c *Config) { c.MetricsPort = 70000 },
			wantErr: true,
		},
		{
			name: "TLS enabled but no cert",
			mutate: func(c *Config) {
				c.TLSEnabled = true
				c.TLSKey = "/path/to/key"
			},
			wantErr: true,
		},
		{
			name: "TLS enabled but no key",
			mutate: func(c *Config) {
				c.TLSEnabled = true
				c.TLSCert = "/path/to/cert"
			},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.LogFormat = "invalid" },
			wantErr: true,
		},
		{
			name:    "negative shutdown timeout",
			mutate:  func(c *Config) { c.ShutdownTimeout = -1 * time.Second },
			wantErr: true,
		},
		{
			name:    "empty store host",
			mutate:  func(c *Config) { c.StoreHost = "" },
			wantErr: true,
		},
		{
			name:    "invalid store port",
			mutate:  func(c *Config) { c.StorePort = 0 },
			wantErr: true,
		},
		{
			name:    "negative store database index",
			mutate:  func(c *Config) { c.StoreDB = -1 },
			wantErr: true,
		},
		{
			name:    "empty key prefix",
			mutate:  func(c *Config) { c.KeyPrefix = "" },
			wantErr: true,
		},
		{
			name:    "negative max reconnect attempts",
			mutate:  func(c *Config) { c.MaxReconnectAttempts = -1 },
			wantErr: true,
		},
		{
			name:    "zero max reconnect attempts is valid",
			mutate:  func(c *Config) { c.MaxReconnectAttempts = 0 },
			wantErr: false,
		},
		{
			name:    "zero backoff base delay",
			mutate:  func(c *Config) { c.BackoffBase = 0 },
			wantErr: true,
		},
		{
			name: "backoff ceiling below base delay",
			mutate: func(c *Config) {
				c.BackoffBase = time.Second
				c.BackoffMax = 100 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name:    "zero connect timeout",
			mutate:  func(c *Config) { c.ConnectTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero operation timeout",
			mutate:  func(c *Config) { c.OperationTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero session TTL",
			mutate:  func(c *Config) { c.SessionTTL = 0 },
			wantErr: true,
		},
		{
			name:    "negative cleanup interval",
			mutate:  func(c *Config) { c.CleanupInterval = -1 * time.Minute },
			wantErr: true,
		},
		{
			name:    "zero cleanup interval is valid",
			mutate:  func(c *Config) { c.CleanupInterval = 0 },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	// Save current environment and restore at the end
	oldEnv := make(map[string]string)
	envVars := map[string]string{
		"SESSIOND_API_PORT":           "9000",
		"SESSIOND_PROBE_PORT":         "9001",
		"SESSIOND_METRICS_PORT":       "9002",
		"SESSIOND_LOG_LEVEL":          "debug",
		"SESSIOND_LOG_FORMAT":         "console",
		"SESSIOND_SHUTDOWN_TIMEOUT":   "45s",
		"SESSIOND_STORE_HOST":         "sessions.example.net",
		"SESSIOND_STORE_PORT":         "6380",
		"SESSIOND_STORE_PASSWORD":     "hunter2",
		"SESSIOND_STORE_KEY_PREFIX":   "env:",
		"SESSIOND_STORE_BACKOFF_BASE": "250ms",
		"SESSIOND_SESSION_TTL":        "2h",
	}

	for key := range envVars {
		oldEnv[key] = os.Getenv(key)
	}

	// Clean up at the end
	defer func() {
		for key, value := range oldEnv {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
		viper.Reset()
	}()

	// Set environment variables
	for key, value := range envVars {
		if err := os.Setenv(key, value); err != nil {
			t.Fatalf("Failed to set env var %s: %v", key, err)
		}
	}

	// Reset viper to pick up environment variables
	viper.Reset()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.APIPort != 9000 {
		t.Errorf("APIPort = %d, want 9000", cfg.APIPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "console" {
		t.Errorf("LogFormat = %s, want console", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout != 45*time.Second {
		t.Errorf("ShutdownTimeout = %s, want 45s", cfg.ShutdownTimeout)
	}
	if cfg.StoreHost != "sessions.example.net" {
		t.Errorf("StoreHost = %s, want sessions.example.net", cfg.StoreHost)
	}
	if cfg.StorePort != 6380 {
		t.Errorf("StorePort = %d, want 6380", cfg.StorePort)
	}
	if cfg.StorePassword != "hunter2" {
		t.Errorf("StorePassword = %s, want hunter2", cfg.StorePassword)
	}
	if cfg.KeyPrefix != "env:" {
		t.Errorf("KeyPrefix = %s, want env:", cfg.KeyPrefix)
	}
	if cfg.BackoffBase != 250*time.Millisecond {
		t.Errorf("BackoffBase = %s, want 250ms", cfg.BackoffBase)
	}
	if cfg.SessionTTL != 2*time.Hour {
		t.Errorf("SessionTTL = %s, want 2h", cfg.SessionTTL)
	}
}

func TestConfig_StoreConfig(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "debug"

	sc := cfg.StoreConfig()

	if sc.Host != cfg.StoreHost {
		t.Errorf("Host = %s, want %s", sc.Host, cfg.StoreHost)
	}
	if sc.Port != cfg.StorePort {
		t.Errorf("Port = %d, want %d", sc.Port, cfg.StorePort)
	}
	if sc.KeyPrefix != cfg.KeyPrefix {
		t.Errorf("KeyPrefix = %s, want %s", sc.KeyPrefix, cfg.KeyPrefix)
	}
	if sc.SessionTTL != cfg.SessionTTL {
		t.Errorf("SessionTTL = %s, want %s", sc.SessionTTL, cfg.SessionTTL)
	}
	if sc.MaxReconnectAttempts != cfg.MaxReconnectAttempts {
		t.Errorf("MaxReconnectAttempts = %d, want %d", sc.MaxReconnectAttempts, cfg.MaxReconnectAttempts)
	}
	if sc.BaseBackoff != cfg.BackoffBase {
		t.Errorf("BaseBackoff = %s, want %s", sc.BaseBackoff, cfg.BackoffBase)
	}
	if sc.MaxBackoff != cfg.BackoffMax {
		t.Errorf("MaxBackoff = %s, want %s", sc.MaxBackoff, cfg.BackoffMax)
	}
	if sc.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %s, want DEBUG", sc.LogLevel)
	}

	if err := sc.Validate(); err != nil {
		t.Errorf("StoreConfig.Validate() error = %v", err)
	}
}
