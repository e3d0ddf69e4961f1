// Package cli provides the command-line interface for cidrsweep.
// This package implements the Cobra-based CLI structure with commands for
// sweeping ranges, serving the HTTP API and managing API keys.
package cli

import (
	"fmt"
	"maps"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/cidrsweep/internal/api/handlers"
	"github.com/anstrom/cidrsweep/internal/config"
	"github.com/anstrom/cidrsweep/internal/logging"
)

// envPrefix prefixes every configuration environment variable, e.g.
// CIDRSWEEP_SCANNING_BATCH_SIZE.
const envPrefix = "CIDRSWEEP"

// defaultConfigFile is used when --config is not given and the file exists.
const defaultConfigFile = "config.yaml"

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configFile string
	verbose    bool
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "cidrsweep",
		Short: "TCP reachability sweeps over CIDR ranges",
		Long: `cidrsweep checks which addresses in one or more CIDR ranges accept a TCP
connection on a given port. Probes run in bounded batches, progress is
reported per range, and reachable addresses are written to a results file.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text, json")

	rootCmd.AddCommand(
		newScanCommand(opts),
		newServeCommand(opts),
		newPortsCommand(opts),
		newAPIKeyCommand(),
		newConfigCommand(opts),
	)
	return rootCmd
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	handlers.SetBuildInfo(v, c, bt)
}

// loadConfig reads the config file and applies CIDRSWEEP_* environment
// variables and the flags in bindings (viper key -> flag name) on top.
// It also installs the configured logger as the default.
func loadConfig(cmd *cobra.Command, opts *globalOptions, bindings map[string]string) (*config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	all := map[string]string{
		"logging.level":  "log-level",
		"logging.format": "log-format",
	}
	maps.Copy(all, bindings)
	for key, name := range all {
		flag := lookupFlag(cmd, name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	path := opts.configFile
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	initLogging(cfg, opts.verbose)
	if opts.verbose && path != "" {
		logging.Info("Using config file", "path", path)
	}
	return cfg, nil
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if flag := cmd.Flags().Lookup(name); flag != nil {
		return flag
	}
	return cmd.InheritedFlags().Lookup(name)
}

// initLogging initializes structured logging based on configuration.
func initLogging(cfg *config.Config, verbose bool) {
	logConfig := cfg.Logging
	if verbose && logConfig.Level == logging.LevelInfo {
		logConfig.Level = logging.LevelDebug
	}
	logConfig.AddSource = logConfig.Level == logging.LevelDebug

	logger, err := logging.New(logConfig)
	if err != nil {
		// Fall back to default if creation fails
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)
}
