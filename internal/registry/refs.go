package registry

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/savaki/gox/slicex"

	"github.com/pipeworks/shipper/internal/config"
)

const latestTag = "latest"

// References derives the image references a run pushes: for each configured
// registry, a floating latest tag and the normalized version tag. The result
// is deterministic in (registry config, tag) and always holds exactly two
// references per registry.
func References(registries []config.Registry, tag string) ([]name.Tag, error) {
	refs := make([]name.Tag, 0, 2*len(registries))
	for _, reg := range registries {
		for _, t := range []string{latestTag, tag} {
			ref, err := name.NewTag(fmt.Sprintf("%s/%s:%s", reg.Host, reg.Repository, t))
			if err != nil {
				return nil, fmt.Errorf("failed to build reference for %s/%s: %w", reg.Host, reg.Repository, err)
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// Strings renders references for logging and the run manifest.
func Strings(refs []name.Tag) []string {
	return slicex.Map(refs, func(ref name.Tag) string { return ref.String() })
}
