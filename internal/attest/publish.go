package attest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	gtypes "github.com/google/go-containerregistry/pkg/v1/types"
	containerdigest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/pipeworks/shipper/internal/errors"
)

// Media types for the attestation artifact. The statement layer carries the
// in-toto payload; the artifact type lets referrers queries filter for it.
const (
	statementMediaType = gtypes.MediaType("application/vnd.in-toto+json")
	artifactType       = gtypes.MediaType("application/vnd.in-toto.provenance+json")
)

// Publisher pushes provenance attestations next to the image they attest to.
type Publisher struct {
	keychain authn.Keychain
}

// NewPublisher creates a Publisher authenticating with the given keychain.
func NewPublisher(keychain authn.Keychain) *Publisher {
	return &Publisher{keychain: keychain}
}

func (p *Publisher) options(ctx context.Context) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(p.keychain),
	}
}

// Publish builds the provenance statement for imageRef and pushes it as an
// OCI referrer artifact. The statement's subject digest must equal the digest
// produced by the push step; a mismatch fails before anything is published.
func (p *Publisher) Publish(ctx context.Context, imageRef name.Reference, builtDigest v1.Hash, in ProvenanceInput) (string, error) {
	logger := zerolog.Ctx(ctx)

	desc, err := remote.Get(imageRef, p.options(ctx)...)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", imageRef, err)
	}

	if desc.Digest != builtDigest {
		return "", fmt.Errorf("%w: pushed %s, built %s",
			errors.ErrDigestMismatch, desc.Digest, builtDigest)
	}

	in.ImageName = imageRef.Context().Name()
	in.DigestHex = desc.Digest.Hex
	statement := NewStatement(in)

	payload, err := json.Marshal(statement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal provenance statement: %w", err)
	}

	img := mutate.MediaType(empty.Image, gtypes.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, artifactType)
	img, err = mutate.AppendLayers(img, static.NewLayer(payload, statementMediaType))
	if err != nil {
		return "", fmt.Errorf("failed to assemble attestation image: %w", err)
	}

	img = mutate.Annotations(img, map[string]string{
		ocispec.AnnotationCreated:  time.Now().UTC().Format(time.RFC3339),
		ocispec.AnnotationRevision: in.Commit,
	}).(v1.Image)

	img = mutate.Subject(img, v1.Descriptor{
		MediaType: desc.MediaType,
		Digest:    desc.Digest,
		Size:      desc.Size,
	}).(v1.Image)

	attRef := attestationTag(imageRef.Context(), desc.Digest)
	if err := remote.Write(attRef, img, p.options(ctx)...); err != nil {
		return "", fmt.Errorf("failed to push attestation %s: %w", attRef, err)
	}

	logger.Info().
		Str("reference", attRef.String()).
		Str("subject_digest", desc.Digest.String()).
		Msg("published provenance attestation")

	return attRef.String(), nil
}

// Verify fetches the provenance attestation for imageRef and checks that its
// subject digest matches the image's digest. It returns the statement on
// success.
func (p *Publisher) Verify(ctx context.Context, imageRef name.Reference) (*Statement, error) {
	desc, err := remote.Get(imageRef, p.options(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", imageRef, err)
	}

	attRef := attestationTag(imageRef.Context(), desc.Digest)
	attImg, err := remote.Image(attRef, p.options(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errors.ErrAttestationNotFound, imageRef)
	}

	layers, err := attImg.Layers()
	if err != nil || len(layers) == 0 {
		return nil, fmt.Errorf("%w: attestation image has no layers", errors.ErrAttestationNotFound)
	}

	payload, err := layers[0].Uncompressed()
	if err != nil {
		return nil, fmt.Errorf("failed to read attestation payload: %w", err)
	}
	defer payload.Close()

	data, err := io.ReadAll(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to read attestation payload: %w", err)
	}

	var statement Statement
	if err := json.Unmarshal(data, &statement); err != nil {
		return nil, fmt.Errorf("failed to parse provenance statement: %w", err)
	}

	if len(statement.Subject) == 0 {
		return nil, fmt.Errorf("%w: statement has no subject", errors.ErrDigestMismatch)
	}

	subjectDigest := containerdigest.NewDigestFromHex(
		string(containerdigest.SHA256),
		statement.Subject[0].Digest["sha256"],
	)
	if err := subjectDigest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid subject digest: %w", err)
	}
	if subjectDigest.String() != desc.Digest.String() {
		return nil, fmt.Errorf("%w: subject %s, image %s",
			errors.ErrDigestMismatch, subjectDigest, desc.Digest)
	}

	return &statement, nil
}

// attestationTag derives the tag the attestation is stored under:
// sha256-<hex>.att in the subject's repository.
func attestationTag(repo name.Repository, digest v1.Hash) name.Tag {
	return repo.Tag(strings.Replace(digest.String(), ":", "-", 1) + ".att")
}
