package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/heritago/heritago/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "heritago-orchestrator",
		EnableShellCompletion: true,
		Usage:                 "Dataset workflow orchestration service",
		Commands: []*cli.Command{
			NewRunCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("heritago-orchestrator").Error("Command failed", "error", err)
		os.Exit(1)
	}
}
