package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/chirino/openmemory-service/internal/cmd/migrate"
	"github.com/chirino/openmemory-service/internal/cmd/serve"
)

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:  "openmemory-service",
		Usage: "Memory store with per-app access control for AI agents",
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().Run(ctx, os.Args); err != nil {
		stop()
		log.Fatal(err)
	}
}
