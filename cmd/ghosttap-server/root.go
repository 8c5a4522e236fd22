package main

import (
	"fmt"

	"github.com/life-stream-dev/ghosttap-server/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "ghosttap-server",
		Short:         "Cloud orchestrator that drives phones toward natural-language goals",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "path to the JSON config file")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ghosttap-server %s\n", version)
			return nil
		},
	}
}
