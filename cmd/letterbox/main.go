package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/billm/letterbox/internal/config"
	"github.com/billm/letterbox/internal/logger"
	"github.com/billm/letterbox/internal/shutdown"
	"github.com/billm/letterbox/pkg/types"
)

// Version is the letterbox release version
const Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

var (
	// CLI flags
	cfgFile   string
	logLevel  string
	logFormat string
	logOutput string

	// Global variables
	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "letterbox",
	Short: "Letterbox - correlated request/reply messaging over mailboxes",
	Long: `Letterbox runs tasks that exchange correlated requests and two-stage
replies through named, fixed-capacity mailboxes.

Use the demo command to watch a server answer clients, bench to measure
round trips, and config to inspect the effective configuration.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// setup loads configuration, applies CLI overrides and initializes the
// global logger from the result
func setup() (*config.Config, error) {
	cfg, err := config.LoadPath(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.ApplyOverrides(config.OverrideOptions{
		LogLevel:  logLevel,
		LogFormat: logFormat,
		LogOutput: logOutput,
	}); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	rootLog = log
	logger.SetGlobal(log)
	return cfg, nil
}

// startReloader watches SIGHUP and applies a reloaded log level
func startReloader(cfg *config.Config) *config.Reloader {
	reloader := config.NewReloader(cfgFile, cfg)
	reloader.SetLogger(rootLog.Slog())
	reloader.AddCallback(func(ctx context.Context, newConfig *config.Config) error {
		level, err := logger.ParseLevel(newConfig.Logging.Level)
		if err != nil {
			return err
		}
		rootLog.SetLevel(level)
		rootLog.Info("Configuration reloaded", "log_level", newConfig.Logging.Level)
		return nil
	})
	reloader.Start()
	return reloader
}

// runInterruptible runs fn with a context canceled on SIGINT or SIGTERM.
// The hooks run once fn returns or the signal arrives, whichever is first.
func runInterruptible(name string, fn func(ctx context.Context) error, hooks ...shutdown.Hook) error {
	mgr := shutdown.New(shutdownTimeout, rootLog)
	for _, hook := range hooks {
		mgr.AddHook(hook)
	}
	mgr.Start()
	defer mgr.Stop()

	err := fn(mgr.Context())
	if err != nil && mgr.Context().Err() != nil {
		rootLog.Warn("Interrupted", "command", name, "error", err)
		err = nil
	}

	serr := mgr.Shutdown(context.Background(), name+" finished")
	if types.IsErrCode(serr, types.ErrCodeFailedPrecondition) {
		serr = mgr.Wait(context.Background())
	}
	if err == nil {
		err = serr
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path, .yaml or .toml (default: ~/.config/letterbox/config.yaml)")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text, console (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	rootCmd.AddCommand(newDemoCmd(), newBenchCmd(), newConfigCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, "Command execution failed:", err)
		}
		os.Exit(1)
	}
}
