package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
	"github.com/urfave/cli/v2"

	"github.com/pipeworks/shipper/internal/attest"
	"github.com/pipeworks/shipper/internal/builder"
	"github.com/pipeworks/shipper/internal/config"
	"github.com/pipeworks/shipper/internal/di"
	"github.com/pipeworks/shipper/internal/googleauth"
	"github.com/pipeworks/shipper/internal/manifest"
	"github.com/pipeworks/shipper/internal/pipeline"
	"github.com/pipeworks/shipper/internal/registry"
	"github.com/pipeworks/shipper/internal/release"
	"github.com/pipeworks/shipper/internal/source"
)

// defaultBuilderID identifies this pipeline in published provenance.
const defaultBuilderID = "https://pipeworks.dev/shipper"

// ReleaseCommand returns the release command that runs the full pipeline
func ReleaseCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "release",
		Usage: "Run the release pipeline: checkout, build, push, attest",
		Description: `Runs the full release pipeline for a published release tag.

The pipeline gates on the configured trigger, checks out the tagged
sources, authenticates to both registries, builds the image, pushes it
as latest plus the normalized version tag to each registry, and
publishes a build provenance attestation keyed by the pushed digest.

A non-matching event skips the run without failing the job. Step
results are written to the run manifest either way.

Examples:
  # Run inside CI with the event fields from the job environment
  shipper release --config shipper.yaml

  # Run against an explicit tag
  shipper release --config shipper.yaml --tag v1.4.0`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the pipeline configuration file",
				Value:   "shipper.yaml",
				EnvVars: []string{"SHIPPER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "event",
				Usage:   "Name of the CI event that started the job",
				Value:   "release",
				EnvVars: []string{"GITHUB_EVENT_NAME"},
			},
			&cli.StringFlag{
				Name:    "action",
				Usage:   "Action of the CI event that started the job",
				Value:   "published",
				EnvVars: []string{"SHIPPER_EVENT_ACTION"},
			},
			&cli.StringFlag{
				Name:     "tag",
				Aliases:  []string{"t"},
				Usage:    "Release tag the job was started for",
				Required: true,
				EnvVars:  []string{"GITHUB_REF_NAME"},
			},
			&cli.StringFlag{
				Name:    "branch",
				Usage:   "Branch the release targets",
				Value:   "main",
				EnvVars: []string{"SHIPPER_TARGET_BRANCH"},
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
			&cli.StringFlag{
				Name:    "workdir",
				Usage:   "Directory to check sources out into (defaults to a temp dir)",
				EnvVars: []string{"SHIPPER_WORKDIR"},
			},
			&cli.StringFlag{
				Name:    "builder-id",
				Usage:   "Builder identity recorded in the provenance attestation",
				Value:   defaultBuilderID,
				EnvVars: []string{"SHIPPER_BUILDER_ID"},
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Evaluate the gate and print the plan without building or pushing",
			},
		},
		Action: func(c *cli.Context) error {
			return releaseAction(c, logger)
		},
	}
}

func releaseAction(c *cli.Context, logger *zerolog.Logger) error {
	ctx := c.Context

	if c.Bool("dry-run") {
		return dryRunAction(c, logger)
	}

	container, err := di.New(c.String("config"),
		di.WithRegistryCredentials(c.String("registry-user"), c.String("registry-token")),
	)
	if err != nil {
		return fmt.Errorf("failed to build container: %w", err)
	}

	return container.Invoke(func(
		cfg *config.Config,
		keychain *registry.Keychain,
		imageBuilder *builder.Builder,
		pusher *builder.Pusher,
		publisher *attest.Publisher,
		federator *googleauth.Federator,
	) error {
		workDir := c.String("workdir")
		if workDir == "" {
			dir, err := os.MkdirTemp("", "shipper-*")
			if err != nil {
				return fmt.Errorf("failed to create work dir: %w", err)
			}
			defer os.RemoveAll(dir)
			workDir = dir
		}

		steps := pipeline.ReleaseSteps(pipeline.Deps{
			Config:        cfg,
			RegistryUser:  c.String("registry-user"),
			RegistryToken: c.String("registry-token"),
			Keychain:      keychain,
			Cloner:        source.Clone,
			Exchanger:     federator,
			Builder:       imageBuilder,
			Pusher:        pusher,
			Publisher:     publisher,
			WorkDir:       workDir,
			BuilderID:     c.String("builder-id"),
		})

		event := release.Event{
			Name:         c.String("event"),
			Action:       c.String("action"),
			Tag:          c.String("tag"),
			TargetBranch: c.String("branch"),
		}

		runID := ksuid.New().String()
		run := manifest.NewRun(runID, event.Tag, event.NormalizedTag(), pipeline.StepNames(steps))
		state := &pipeline.RunState{
			RunID: runID,
			Event: event,
		}

		logger.Info().
			Str("run_id", runID).
			Str("tag", event.Tag).
			Msg("Starting release run")

		runErr := pipeline.New(run, steps...).Execute(ctx, state)
		if err := run.Write(cfg.Manifest.Path); err != nil {
			logger.Warn().Err(err).Str("path", cfg.Manifest.Path).Msg("Failed to write run manifest")
		}
		if runErr != nil {
			return runErr
		}

		if state.Skipped {
			logger.Info().
				Str("event", event.Name).
				Str("action", event.Action).
				Msg("Event did not match trigger, nothing to do")
			return nil
		}

		logger.Info().
			Str("run_id", runID).
			Str("digest", state.Digest.String()).
			Str("attestation", state.Attestation).
			Strs("images", registry.Strings(state.References)).
			Msg("Release run complete")
		return nil
	})
}

// dryRunAction evaluates the gate and prints the plan without building or
// pushing anything.
func dryRunAction(c *cli.Context, logger *zerolog.Logger) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	event := release.Event{
		Name:         c.String("event"),
		Action:       c.String("action"),
		Tag:          c.String("tag"),
		TargetBranch: c.String("branch"),
	}
	if !event.Matches(cfg.Trigger) {
		logger.Info().
			Str("event", event.Name).
			Str("action", event.Action).
			Str("branch", event.TargetBranch).
			Msg("Event would not match trigger, run would be skipped")
		return nil
	}

	refs, err := registry.References(cfg.Registries, event.NormalizedTag())
	if err != nil {
		return err
	}

	logger.Info().
		Str("tag", event.Tag).
		Str("normalized_tag", event.NormalizedTag()).
		Strs("images", registry.Strings(refs)).
		Msg("Dry run: release would push these references")
	return nil
}
