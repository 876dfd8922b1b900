// Package main is the entry point for the gantry API gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/gateway"
	"github.com/gantrygw/gantry/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := config.LoadAndValidate(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(flags, cfg.Logging)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting gantry",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.Int("routes", len(cfg.Routes)),
		observability.Int("backends", len(cfg.Backends)),
	)

	gw, tracer := initGateway(cfg, logger)

	run(gw, tracer, flags.configPath, logger)
}

// parseFlags parses command line flags. Environment variables provide
// the defaults, so flags win when both are set.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("GANTRY_CONFIG", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("GANTRY_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("GANTRY_LOG_FORMAT", ""),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("gantry version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags, cfg config.LoggingConfig) observability.Logger {
	logger, err := observability.NewLogger(mergeLogConfig(flags, cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// mergeLogConfig layers logging settings: the configuration file sets
// the base, flags and environment override it.
func mergeLogConfig(flags cliFlags, cfg config.LoggingConfig) observability.LogConfig {
	logCfg := observability.DefaultLogConfig()
	if cfg.Level != "" {
		logCfg.Level = cfg.Level
	}
	if cfg.Format != "" {
		logCfg.Format = cfg.Format
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}
	return logCfg
}

// initGateway assembles the gateway and its observability stack.
func initGateway(cfg *config.Config, logger observability.Logger) (*gateway.Gateway, *observability.Tracer) {
	metrics := observability.NewMetrics("gantry")
	metrics.SetBuildInfo(version)

	tracer := initTracer(cfg.Tracing, logger)

	gw, err := gateway.New(cfg,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithTracer(tracer),
		gateway.WithVersion(version),
		gateway.WithShutdownTimeout(30*time.Second),
	)
	if err != nil {
		logger.Fatal("failed to create gateway", observability.Err(err))
	}

	return gw, tracer
}

// initTracer initializes the tracer.
func initTracer(cfg config.TracingConfig, logger observability.Logger) *observability.Tracer {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  "gantry",
		Enabled:      cfg.Enabled,
		OTLPEndpoint: cfg.Endpoint,
		SamplingRate: cfg.SamplingRate,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Err(err))
	}

	return tracer
}

// run starts the gateway and blocks until a shutdown signal arrives.
func run(gw *gateway.Gateway, tracer *observability.Tracer, configPath string, logger observability.Logger) {
	if err := gw.Start(context.Background()); err != nil {
		logger.Fatal("failed to start gateway", observability.Err(err))
	}

	watcher := startConfigWatcher(gw, configPath, logger)

	waitForShutdown(gw, tracer, watcher, logger)
}

// startConfigWatcher starts the configuration watcher. The gateway runs
// without live reload when watching fails.
func startConfigWatcher(gw *gateway.Gateway, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath,
		func(cfg *config.Config) {
			logger.Info("configuration changed, reloading")
			if reloadErr := gw.Reload(cfg); reloadErr != nil {
				logger.Error("failed to reload configuration", observability.Err(reloadErr))
			}
		},
		config.WithWatcherLogger(logger),
		config.WithErrorCallback(func(err error) {
			logger.Error("configuration change rejected, keeping last valid", observability.Err(err))
		}),
	)
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Err(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Err(err))
	}

	return watcher
}

// waitForShutdown waits for a shutdown signal and performs graceful
// shutdown.
func waitForShutdown(gw *gateway.Gateway, tracer *observability.Tracer, watcher *config.Watcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop gateway gracefully", observability.Err(err))
	}

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Err(err))
	}

	logger.Info("gateway stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
