package main

import (
	"github.com/spf13/cobra"

	"loom/internal/config"
)

func newConfigCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration and where each value came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			entries := cfg.Entries()
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				source := e.Source
				switch source {
				case config.SourceEnv:
					source = cyan(source)
				case config.SourceFile:
					source = green(source)
				default:
					source = gray(source)
				}
				rows = append(rows, []string{e.Key, e.Value, source})
			}
			table(cmd.OutOrStdout(), []string{"KEY", "VALUE", "SOURCE"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath(), "path to the YAML config file")
	return cmd
}
