// Command gojostore opens a GojoStore engine directory for interactive use
// and maintenance: an interactive shell, scans, checkpoints, hot backups,
// restores, recovery checks and a load generator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/sushant-115/gojostore/config"
	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	dir        string
	logLevel   string
	durability string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "gojostore",
		Short: "Embedded transactional key-value storage engine",
		Long: `gojostore operates on a GojoStore engine directory: a paged data file
holding a B+tree plus the write-ahead log. Opening a directory runs crash
recovery first.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVarP(&flags.dir, "dir", "d", "", "engine directory (overrides engine.dir)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (overrides logger.level)")
	pf.StringVar(&flags.durability, "durability", "", "commit durability: sync, group or deferred")

	root.AddCommand(
		newShellCmd(flags),
		newScanCmd(flags),
		newCheckpointCmd(flags),
		newStatsCmd(flags),
		newRecoverCmd(flags),
		newBackupCmd(flags),
		newRestoreCmd(flags),
		newBenchCmd(flags),
	)
	return root
}

// loadConfig reads the configuration file and applies the flags over it.
func loadConfig(flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if flags.dir != "" {
		cfg.SetDir(flags.dir)
	}
	if flags.logLevel != "" {
		cfg.Logger.Level = flags.logLevel
	}
	if flags.durability != "" {
		cfg.Engine.WAL.Durability = flags.durability
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// env is what a command needs besides the engine.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// withEnv builds the logger for a command that does not open an engine.
func withEnv(flags *globalFlags, fn func(ev *env) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()
	return fn(&env{cfg: cfg, logger: log})
}

// withEngine opens the engine for the duration of fn and closes it, with
// telemetry, afterwards.
func withEngine(ctx context.Context, flags *globalFlags, fn func(ev *env, e *storageengine.Engine) error) error {
	return withEnv(flags, func(ev *env) (err error) {
		tel, shutdown, err := telemetry.New(ev.cfg.Telemetry, ev.logger)
		if err != nil {
			return fmt.Errorf("failed to start telemetry: %w", err)
		}
		defer func() { err = multierr.Append(err, shutdown(context.Background())) }()

		e, err := storageengine.Open(ctx, ev.cfg.Engine, ev.logger, tel)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", ev.cfg.Engine.Dir, err)
		}
		defer func() { err = multierr.Append(err, e.Close()) }()
		return fn(ev, e)
	})
}
