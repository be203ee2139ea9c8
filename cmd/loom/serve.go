package main

import (
	"os"

	"github.com/spf13/cobra"

	"loom/internal/app"
	"loom/internal/config"
)

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine in the foreground",
		Long: `Runs the full engine: store, budget manager, resource monitor, executor,
maintenance scheduler, and the HTTP API. Stops cleanly on SIGINT/SIGTERM,
waiting for in-flight tasks up to the configured shutdown grace.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			engine, err := app.Build(cfg)
			if err != nil {
				return err
			}
			return engine.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath(), "path to the YAML config file")
	return cmd
}

func defaultConfigPath() string {
	if path := os.Getenv("LOOM_CONFIG"); path != "" {
		return path
	}
	return "loom.yaml"
}
