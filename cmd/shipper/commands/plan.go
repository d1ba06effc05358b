package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/pipeworks/shipper/internal/config"
	"github.com/pipeworks/shipper/internal/registry"
	"github.com/pipeworks/shipper/internal/release"
)

// PlanCommand returns the plan command for previewing a release
func PlanCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Show what a release run would push for a tag",
		Description: `Resolves the configuration against a release tag and prints the
normalized tag and the image references a run would push, without
touching the daemon or any registry.

Examples:
  shipper plan --config shipper.yaml --tag v1.4.0`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the pipeline configuration file",
				Value:   "shipper.yaml",
				EnvVars: []string{"SHIPPER_CONFIG"},
			},
			&cli.StringFlag{
				Name:     "tag",
				Aliases:  []string{"t"},
				Usage:    "Release tag to plan for",
				Required: true,
				EnvVars:  []string{"GITHUB_REF_NAME"},
			},
		},
		Action: func(c *cli.Context) error {
			return planAction(c, logger)
		},
	}
}

// plan is the JSON shape printed by the plan command.
type plan struct {
	Tag           string   `json:"tag"`
	NormalizedTag string   `json:"normalizedTag"`
	Image         string   `json:"image"`
	References    []string `json:"references"`
}

func planAction(c *cli.Context, logger *zerolog.Logger) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	tag := c.String("tag")
	normalized := release.Normalize(tag)

	refs, err := registry.References(cfg.Registries, normalized)
	if err != nil {
		return err
	}

	out := plan{
		Tag:           tag,
		NormalizedTag: normalized,
		Image:         fmt.Sprintf("%s:%s", cfg.Image.Name, normalized),
		References:    registry.Strings(refs),
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
