package main

import (
	"context"
	"os"

	"github.com/pipeworks/shipper/cmd/shipper/commands"
	"github.com/pipeworks/shipper/internal/di"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := di.ProvideLogger()
	ctx := logger.WithContext(context.Background())

	app := &cli.App{
		Name:  "shipper",
		Usage: "Release-triggered container build, push, and attestation",
		Description: `Builds a container image for a published release, pushes it to the
configured registries, and publishes a build provenance attestation.

This tool provides commands for:
  - Running the full release pipeline from a CI job
  - Previewing the references a release tag would push
  - Verifying the attestation attached to a pushed image`,
		Commands: []*cli.Command{
			commands.ReleaseCommand(&logger),
			commands.PlanCommand(&logger),
			commands.VerifyCommand(&logger),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
