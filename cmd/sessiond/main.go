package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nextcast/session-store/internal/config"
	"github.com/nextcast/session-store/internal/logger"
	"github.com/nextcast/session-store/internal/server"
	"github.com/nextcast/session-store/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sessiond",
	Short: "Resilient session store service",
	Long: `A session persistence service backed by a remote key-value store,
with automatic reconnection and an in-process fallback store that keeps
sessions flowing while the remote service is unreachable.`,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit:  %s\n", commit)
		fmt.Printf("Built:   %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	// Configuration flags
	rootCmd.Flags().Int("api-port", 8080, "API server port")
	rootCmd.Flags().String("api-host", "0.0.0.0", "API server host")
	rootCmd.Flags().Int("probe-port", 8081, "Probe server port")
	rootCmd.Flags().String("probe-host", "0.0.0.0", "Probe server host")
	rootCmd.Flags().Int("metrics-port", 9090, "Metrics server port")
	rootCmd.Flags().String("metrics-host", "0.0.0.0", "Metrics server host")
	rootCmd.Flags().Bool("tls-enabled", false, "Enable TLS for API server")
	rootCmd.Flags().String("tls-cert", "", "Path to TLS certificate")
	rootCmd.Flags().String("tls-key", "", "Path to TLS key")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("log-format", "json", "Log format (json, console)")
	rootCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout (e.g., 30s)")
	rootCmd.Flags().Duration("health-check-timeout", 5*time.Second, "Health check timeout (e.g., 5s)")
	rootCmd.Flags().Duration("health-cache-duration", 10*time.Second, "Health check cache duration (e.g., 10s)")

	// Backend store configuration flags
	rootCmd.Flags().String("store-host", store.DefaultHost, "Backend store host")
	rootCmd.Flags().Int("store-port", store.DefaultPort, "Backend store port")
	rootCmd.Flags().String("store-password", "", "Backend store password")
	rootCmd.Flags().Int("store-db", store.DefaultDB, "Backend store database index")
	rootCmd.Flags().String("store-key-prefix", store.DefaultKeyPrefix, "Prefix applied to every session key")
	rootCmd.Flags().Int("store-max-reconnect-attempts", store.DefaultMaxReconnectAttempts, "Reconnection attempts before giving up")
	rootCmd.Flags().Duration("store-backoff-base", store.DefaultBaseBackoff, "Base delay for reconnection backoff")
	rootCmd.Flags().Duration("store-backoff-max", store.DefaultMaxBackoff, "Ceiling for reconnection backoff")
	rootCmd.Flags().Duration("store-connect-timeout", store.DefaultConnectTimeout, "Timeout for a single connection attempt")
	rootCmd.Flags().Duration("store-operation-timeout", store.DefaultOperationTimeout, "Timeout for a single store operation")
	rootCmd.Flags().Duration("session-ttl", store.DefaultSessionTTL, "Default session lifetime")
	rootCmd.Flags().Duration("session-cleanup-interval", store.DefaultCleanupInterval, "Fallback store sweep interval (0 disables)")

	// Bind flags to viper
	_ = viper.BindPFlag("api.port", rootCmd.Flags().Lookup("api-port"))
	_ = viper.BindPFlag("api.host", rootCmd.Flags().Lookup("api-host"))
	_ = viper.BindPFlag("probe.port", rootCmd.Flags().Lookup("probe-port"))
	_ = viper.BindPFlag("probe.host", rootCmd.Flags().Lookup("probe-host"))
	_ = viper.BindPFlag("metrics.port", rootCmd.Flags().Lookup("metrics-port"))
	_ = viper.BindPFlag("metrics.host", rootCmd.Flags().Lookup("metrics-host"))
	_ = viper.BindPFlag("tls.enabled", rootCmd.Flags().Lookup("tls-enabled"))
	_ = viper.BindPFlag("tls.cert", rootCmd.Flags().Lookup("tls-cert"))
	_ = viper.BindPFlag("tls.key", rootCmd.Flags().Lookup("tls-key"))
	_ = viper.BindPFlag("log.level", rootCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.Flags().Lookup("log-format"))
	_ = viper.BindPFlag("shutdown.timeout", rootCmd.Flags().Lookup("shutdown-timeout"))
	_ = viper.BindPFlag("health.check_timeout", rootCmd.Flags().Lookup("health-check-timeout"))
	_ = viper.BindPFlag("health.cache_duration", rootCmd.Flags().Lookup("health-cache-duration"))
	_ = viper.BindPFlag("store.host", rootCmd.Flags().Lookup("store-host"))
	_ = viper.BindPFlag("store.port", rootCmd.Flags().Lookup("store-port"))
	_ = viper.BindPFlag("store.password", rootCmd.Flags().Lookup("store-password"))
	_ = viper.BindPFlag("store.db", rootCmd.Flags().Lookup("store-db"))
	_ = viper.BindPFlag("store.key_prefix", rootCmd.Flags().Lookup("store-key-prefix"))
	_ = viper.BindPFlag("store.max_reconnect_attempts", rootCmd.Flags().Lookup("store-max-reconnect-attempts"))
	_ = viper.BindPFlag("store.backoff_base", rootCmd.Flags().Lookup("store-backoff-base"))
	_ = viper.BindPFlag("store.backoff_max", rootCmd.Flags().Lookup("store-backoff-max"))
	_ = viper.BindPFlag("store.connect_timeout", rootCmd.Flags().Lookup("store-connect-timeout"))
	_ = viper.BindPFlag("store.operation_timeout", rootCmd.Flags().Lookup("store-operation-timeout"))
	_ = viper.BindPFlag("session.ttl", rootCmd.Flags().Lookup("session-ttl"))
	_ = viper.BindPFlag("session.cleanup_interval", rootCmd.Flags().Lookup("session-cleanup-interval"))
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting session store service",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	// Create server with build info
	buildInfo := map[string]string{
		"version": version,
		"commit":  commit,
		"date":    date,
	}
	srv, err := server.New(cfg, log, buildInfo)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Start server
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info("Service started successfully")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutdown signal received")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}

	log.Info("Service stopped gracefully")
	return nil
}
