// Command loom-server runs the orchestration engine as a headless daemon:
// SQLite store, budget manager, resource monitor, tick-loop executor,
// maintenance scheduler, and the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"loom/internal/app"
	"loom/internal/config"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loom-server: %v\n", err)
		os.Exit(1)
	}

	engine, err := app.Build(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loom-server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "loom-server: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("LOOM_CONFIG"); path != "" {
		return path
	}
	return "loom.yaml"
}
