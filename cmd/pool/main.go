// pool manages a dCache pool replica store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dCache/dcache-sub081/internal/config"
	"github.com/dCache/dcache-sub081/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Service mode flag (hidden, used when running as a service)
	serviceRun bool

	// console is where human-readable logs go; Loki shipping tees off it.
	console io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
)

func main() {
	// Check if running as a service (invoked by service manager)
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pool",
		Short: "dCache pool replica store",
		Long: `Manage the replicas stored on a dCache pool.

QUICK START:

  # Create the pool layout described by the config file:
  pool init --config /etc/dcache/pool.yaml

  # Recover and list the replicas:
  pool inventory

  # Serve the pool (metrics on :9191 by default):
  pool run

  # Install as system service (optional):
  sudo pool service install

Administrative commands open the pool themselves and are refused
while "pool run" or the service holds it.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default "+svc.DefaultConfigPath()+")")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")

	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(
		newInitCmd(),
		newInventoryCmd(),
		newCheckCmd(),
		newRunCmd(),
		newImportCmd(),
		newCatCmd(),
		newVerifyCmd(),
		newRmCmd(),
		newStateCmd(),
		newStickyCmd(),
		newReserveCmd(),
		newServiceCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "pool %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			_, _ = fmt.Fprintf(out, "  Go:         %s\n", runtime.Version())
		},
	}
}

// loadConfig loads and validates the pool configuration. A log level from
// the config applies unless --log-level was given.
func loadConfig() (*config.PoolConfig, error) {
	path := cfgFile
	if path == "" {
		path = svc.DefaultConfigPath()
	}
	cfg, err := config.LoadPoolConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if logLevel == "" {
		applyLogLevel(cfg.LogLevel)
	}
	return cfg, nil
}

func setupLogging(out io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	applyLogLevel(logLevel)
	console = zerolog.ConsoleWriter{Out: out}
	log.Logger = log.Output(console)
}

func applyLogLevel(name string) {
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// runAsService runs the pool as a system service.
// This is called when the service manager starts the binary with --service-run.
func runAsService() {
	setupServiceLogging()

	configPath := svc.DefaultConfigPath()
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	cfgFile = configPath

	log.Info().
		Str("version", Version).
		Str("config", configPath).
		Msg("Starting as service")

	name := ""
	if cfg, err := config.LoadPoolConfig(configPath); err == nil {
		name = cfg.Name
	}
	svcCfg := &svc.ServiceConfig{
		Name:        svc.DefaultServiceName(name),
		DisplayName: svc.DefaultDisplayName(name),
		ConfigPath:  configPath,
	}
	prg := &svc.Program{
		ConfigPath: configPath,
		Run: func(ctx context.Context, _ string) error {
			return runPool(ctx)
		},
	}

	if err := svc.Run(prg, svcCfg); err != nil {
		log.Fatal().Err(err).Msg("Service error")
	}
}

// setupServiceLogging configures logging for service mode. The service
// manager captures stderr; timestamps are written in full.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339, NoColor: true}
	log.Logger = log.Output(console)
}
