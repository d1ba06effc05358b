// Package source clones the release sources at the tagged revision.
package source

import (
	"context"
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"
)

// Checkout holds the result of a source checkout.
type Checkout struct {
	Dir    string // working directory holding the sources
	Commit string // resolved commit hash for the tag
}

// Clone performs a shallow, single-branch clone of repoURL at the given
// release tag into dir. The resolved commit hash feeds the provenance
// predicate.
func Clone(ctx context.Context, repoURL, tag, dir string) (*Checkout, error) {
	logger := zerolog.Ctx(ctx)

	logger.Info().
		Str("repository", repoURL).
		Str("tag", tag).
		Str("dir", dir).
		Msg("cloning release sources")

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           repoURL,
		ReferenceName: plumbing.NewTagReferenceName(tag),
		SingleBranch:  true,
		Depth:         1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s at %s: %w", repoURL, tag, err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	commit := head.Hash().String()
	logger.Info().
		Str("commit", commit).
		Msg("checkout complete")

	return &Checkout{Dir: dir, Commit: commit}, nil
}
