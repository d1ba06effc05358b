package builder

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/rs/zerolog"
)

// ImageReader loads a built image from the daemon.
type ImageReader func(ref name.Reference) (v1.Image, error)

// RemoteWriter pushes an image to a remote reference.
type RemoteWriter func(ref name.Reference, img v1.Image, opts ...remote.Option) error

// Pusher pushes a daemon image to remote references.
type Pusher struct {
	readImage  ImageReader
	writeImage RemoteWriter
	keychain   authn.Keychain
}

// NewPusher creates a Pusher backed by the local daemon and the registry
// keychain.
func NewPusher(dockerClient *client.Client, keychain authn.Keychain) *Pusher {
	return &Pusher{
		readImage: func(ref name.Reference) (v1.Image, error) {
			return daemon.Image(ref, daemon.WithClient(dockerClient))
		},
		writeImage: remote.Write,
		keychain:   keychain,
	}
}

// NewPusherWithDeps creates a Pusher with injected dependencies (for testing).
func NewPusherWithDeps(read ImageReader, write RemoteWriter, keychain authn.Keychain) *Pusher {
	return &Pusher{
		readImage:  read,
		writeImage: write,
		keychain:   keychain,
	}
}

// Push writes the image at localRef to every reference and returns the
// image's content digest. The digest is what the attestation step signs over.
func (p *Pusher) Push(ctx context.Context, localRef name.Reference, refs []name.Tag) (v1.Hash, error) {
	logger := zerolog.Ctx(ctx)

	img, err := p.readImage(localRef)
	if err != nil {
		return v1.Hash{}, fmt.Errorf("failed to read image %s from daemon: %w", localRef, err)
	}

	digest, err := img.Digest()
	if err != nil {
		return v1.Hash{}, fmt.Errorf("failed to compute image digest: %w", err)
	}

	for _, ref := range refs {
		logger.Info().
			Str("reference", ref.String()).
			Msg("pushing image")

		err := p.writeImage(ref, img,
			remote.WithContext(ctx),
			remote.WithAuthFromKeychain(p.keychain),
		)
		if err != nil {
			return v1.Hash{}, fmt.Errorf("failed to push %s: %w", ref, err)
		}
	}

	logger.Info().
		Str("digest", digest.String()).
		Int("references", len(refs)).
		Msg("push complete")

	return digest, nil
}
