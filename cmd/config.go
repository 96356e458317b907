package cmd

import (
	"fmt"
	"github.com/arcward/guildhall/guildhall"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var validateConfig bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective config as YAML, with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		redacted := cfg.Redacted()
		out, err := yaml.Marshal(&redacted)
		if err != nil {
			return fmt.Errorf("error encoding config: %w", err)
		}
		if _, err = cmd.OutOrStdout().Write(out); err != nil {
			return err
		}
		if validateConfig {
			return guildhall.ValidateConfig(cfg)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	configCmd.Flags().BoolVar(
		&validateConfig,
		"validate",
		false,
		"Exit with an error if the config is invalid",
	)
	rootCmd.AddCommand(configCmd)
}
