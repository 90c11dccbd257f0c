// Package cmd implements the CLI commands for encoderd.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jmylchreest/encoderd/internal/config"
	"github.com/jmylchreest/encoderd/internal/observability"
	"github.com/jmylchreest/encoderd/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// v is shared by every command so flags can be bound during init.
var v = viper.New()

var rootCmd = &cobra.Command{
	Use:     "encoderd",
	Short:   "Hardware HEVC encoder session daemon",
	Version: version.Short(),
	Long: `encoderd drives a hardware HEVC encoder component, writes the
encoded stream into rotating segment directories and can publish every
encoded frame over MQTT.

Segments are recorded in a catalog database and the session is
controlled through an HTTP API.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// initLogging reads rootCmd flags, so it is attached here.
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Not bound to viper: an unset flag must not override env or file values.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./encoderd.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// initConfig reads in the config file and ENV variables if set.
func initConfig() {
	config.Configure(v, cfgFile)

	if err := v.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
	} else {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr, "Reading config file:", err)
		}
	}
}

// initLogging configures the default logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) when explicitly provided
//  2. Environment variables (ENCODERD_LOGGING_LEVEL, ENCODERD_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults
func initLogging() error {
	logCfg := config.LoggingConfig{
		Level:      v.GetString("logging.level"),
		Format:     v.GetString("logging.format"),
		AddSource:  v.GetBool("logging.add_source"),
		TimeFormat: v.GetString("logging.time_format"),
	}

	if rootCmd.PersistentFlags().Changed("log-level") {
		logCfg.Level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		logCfg.Format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	logCfg.Level = strings.ToLower(logCfg.Level)
	logCfg.Format = strings.ToLower(logCfg.Format)
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	observability.SetDefault(observability.NewLoggerWithWriter(logCfg, os.Stderr))
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
