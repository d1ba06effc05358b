// Package config loads and validates the YAML pipeline configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pipeworks/shipper/internal/errors"
)

// RegistryAuthKind selects how shipper authenticates to a registry.
type RegistryAuthKind string

const (
	// RegistryAuthToken authenticates with a static CI-provided token.
	RegistryAuthToken RegistryAuthKind = "token"

	// RegistryAuthGoogle authenticates with a short-lived access token
	// obtained through workload identity federation.
	RegistryAuthGoogle RegistryAuthKind = "google"
)

// Trigger describes the release event the pipeline responds to.
type Trigger struct {
	Event  string `yaml:"event"`
	Action string `yaml:"action"`
	Branch string `yaml:"branch"`
}

// Source describes where the release sources are cloned from.
type Source struct {
	Repository string `yaml:"repository"`
}

// Image describes the container image to build.
type Image struct {
	Name       string `yaml:"name"`
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile"`
}

// Registry describes one push target.
type Registry struct {
	Host       string           `yaml:"host"`
	Repository string           `yaml:"repository"`
	Auth       RegistryAuthKind `yaml:"auth"`
}

// Google holds the workload identity federation settings.
type Google struct {
	WorkloadIdentityProvider string `yaml:"workloadIdentityProvider"`
	ServiceAccount           string `yaml:"serviceAccount"`
	TokenLifetimeSeconds     int    `yaml:"tokenLifetimeSeconds"`
}

// Manifest holds run manifest output settings.
type Manifest struct {
	Path string `yaml:"path"`
}

// Config is the root pipeline configuration.
type Config struct {
	Trigger    Trigger    `yaml:"trigger"`
	Source     Source     `yaml:"source"`
	Image      Image      `yaml:"image"`
	Registries []Registry `yaml:"registries"`
	Google     Google     `yaml:"google"`
	Manifest   Manifest   `yaml:"manifest"`
}

const (
	defaultDockerfile    = "Dockerfile"
	defaultContext       = "."
	defaultTokenLifetime = 300
	defaultManifestPath  = "shipper-manifest.json"
)

// Load reads, parses, and validates the pipeline configuration at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.ErrConfigPathRequired
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Trigger.Event == "" {
		c.Trigger.Event = "release"
	}
	if c.Trigger.Action == "" {
		c.Trigger.Action = "published"
	}
	if c.Image.Dockerfile == "" {
		c.Image.Dockerfile = defaultDockerfile
	}
	if c.Image.Context == "" {
		c.Image.Context = defaultContext
	}
	if c.Google.TokenLifetimeSeconds == 0 {
		c.Google.TokenLifetimeSeconds = defaultTokenLifetime
	}
	if c.Manifest.Path == "" {
		c.Manifest.Path = defaultManifestPath
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Image.Name == "" {
		return fmt.Errorf("image.name is required")
	}
	if c.Trigger.Branch == "" {
		return fmt.Errorf("trigger.branch is required")
	}
	if len(c.Registries) != 2 {
		return fmt.Errorf("%w: got %d", errors.ErrRegistryCountMismatch, len(c.Registries))
	}

	var needsGoogle bool
	for i, reg := range c.Registries {
		if reg.Host == "" {
			return fmt.Errorf("registries[%d].host is required", i)
		}
		if reg.Repository == "" {
			return fmt.Errorf("registries[%d].repository is required", i)
		}
		switch reg.Auth {
		case RegistryAuthToken:
		case RegistryAuthGoogle:
			needsGoogle = true
		default:
			return fmt.Errorf("%w: %q", errors.ErrUnknownRegistryAuth, reg.Auth)
		}
	}

	if needsGoogle {
		if c.Google.WorkloadIdentityProvider == "" {
			return fmt.Errorf("google.workloadIdentityProvider is required when a registry uses google auth")
		}
		if c.Google.ServiceAccount == "" {
			return fmt.Errorf("google.serviceAccount is required when a registry uses google auth")
		}
	}

	return nil
}

// GoogleRegistry returns the registry configured with google auth, if any.
func (c *Config) GoogleRegistry() (Registry, bool) {
	for _, reg := range c.Registries {
		if reg.Auth == RegistryAuthGoogle {
			return reg, true
		}
	}
	return Registry{}, false
}
