package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/encoderd/internal/config"
)

var configEffective bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the configuration as YAML",
	Long: `Dump the default configuration values in YAML format.

Redirect the output to create a configuration template:

  encoderd config dump > encoderd.yaml

With --effective the configuration after applying the config file,
environment variables and flags is printed instead.

Environment variables use the ENCODERD_ prefix and underscores for
nesting. Example: server.port -> ENCODERD_SERVER_PORT`,
	RunE: runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := config.LoadFrom(v); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
		return nil
	},
}

func init() {
	configDumpCmd.Flags().BoolVar(&configEffective, "effective", false, "dump the effective configuration instead of defaults")
	configCmd.AddCommand(configDumpCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	src := v
	if !configEffective {
		src = viper.New()
		config.SetDefaults(src)
	}

	cfg, err := config.LoadFrom(src)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return writeConfig(cmd.OutOrStdout(), cfg)
}

func writeConfig(w io.Writer, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# encoderd configuration")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Duration format: 500ms, 10s, 1m")
	fmt.Fprintln(w, "# Size format: 512MB, 1GB")
	fmt.Fprintln(w, "# Bitrate format: 800Kbps, 10Mbps")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Environment overrides use the ENCODERD_ prefix, e.g.")
	fmt.Fprintln(w, "#   ENCODERD_ENCODER_CODEC, ENCODERD_STORAGE_ROOT")
	fmt.Fprintln(w, "#   ENCODERD_TELEMETRY_BROKER, ENCODERD_CATALOG_DSN")
	fmt.Fprintln(w)
	_, err = w.Write(data)
	return err
}
