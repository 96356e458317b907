package cmd

import (
	"fmt"
	"github.com/arcward/guildhall/guildhall"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot, its task queues and the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := guildhall.New(cfg)
			if err != nil {
				return fmt.Errorf("error creating guildhall: %w", err)
			}
			if err = g.Run(cmd.Context()); err != nil {
				return fmt.Errorf("error running guildhall: %w", err)
			}
			return nil
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
