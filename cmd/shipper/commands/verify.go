package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/pipeworks/shipper/internal/attest"
	"github.com/pipeworks/shipper/internal/di"
)

// VerifyCommand returns the verify command for checking published attestations
func VerifyCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Verify the provenance attestation attached to an image",
		Description: `Fetches the attestation published alongside an image reference and
checks that its subject digest matches the image's digest. The decoded
statement is printed on success.

Examples:
  shipper verify --config shipper.yaml --ref ghcr.io/acme/widget:1.4.0`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the pipeline configuration file",
				Value:   "shipper.yaml",
				EnvVars: []string{"SHIPPER_CONFIG"},
			},
			&cli.StringFlag{
				Name:     "ref",
				Aliases:  []string{"r"},
				Usage:    "Image reference to verify",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "registry-user",
				Usage:   "Username for the token-authenticated registry",
				EnvVars: []string{"GITHUB_ACTOR"},
			},
			&cli.StringFlag{
				Name:    "registry-token",
				Usage:   "Token for the token-authenticated registry",
				EnvVars: []string{"GITHUB_TOKEN"},
			},
		},
		Action: func(c *cli.Context) error {
			return verifyAction(c, logger)
		},
	}
}

func verifyAction(c *cli.Context, logger *zerolog.Logger) error {
	ctx := c.Context

	ref, err := name.ParseReference(c.String("ref"))
	if err != nil {
		return fmt.Errorf("failed to parse reference: %w", err)
	}

	container, err := di.New(c.String("config"),
		di.WithRegistryCredentials(c.String("registry-user"), c.String("registry-token")),
	)
	if err != nil {
		return fmt.Errorf("failed to build container: %w", err)
	}

	return container.Invoke(func(publisher *attest.Publisher) error {
		statement, err := publisher.Verify(ctx, ref)
		if err != nil {
			return err
		}

		logger.Info().
			Str("ref", ref.String()).
			Str("predicate_type", statement.PredicateType).
			Msg("Attestation verified")

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(statement)
	})
}
