package attest

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	ggcrregistry "github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeworks/shipper/internal/errors"
)

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

// pushTestImage stands up an in-memory registry holding a random image and
// returns the image reference and its digest.
func pushTestImage(t *testing.T) (name.Reference, v1.Hash) {
	t.Helper()

	server := httptest.NewServer(ggcrregistry.New())
	t.Cleanup(server.Close)
	host := strings.TrimPrefix(server.URL, "http://")

	img, err := random.Image(256, 1)
	require.NoError(t, err)

	digest, err := img.Digest()
	require.NoError(t, err)

	ref, err := name.ParseReference(host + "/acme/widget:1.0.0")
	require.NoError(t, err)
	require.NoError(t, remote.Write(ref, img))

	return ref, digest
}

func provenanceInput() ProvenanceInput {
	now := time.Now().UTC()
	return ProvenanceInput{
		Repository: "acme/widget",
		Ref:        "refs/tags/v1.0.0",
		Tag:        "v1.0.0",
		Commit:     "deadbeef",
		BuilderID:  "https://pipeworks.dev/shipper",
		RunID:      "run-1",
		StartedOn:  now.Add(-time.Minute),
		FinishedOn: now,
	}
}

func TestPublishAndVerify(t *testing.T) {
	ref, digest := pushTestImage(t)
	publisher := NewPublisher(authn.DefaultKeychain)

	attRef, err := publisher.Publish(testContext(), ref, digest, provenanceInput())
	require.NoError(t, err)
	assert.Contains(t, attRef, strings.Replace(digest.String(), ":", "-", 1)+".att")

	statement, err := publisher.Verify(testContext(), ref)
	require.NoError(t, err)

	assert.Equal(t, StatementType, statement.Type)
	assert.Equal(t, PredicateType, statement.PredicateType)
	require.Len(t, statement.Subject, 1)
	assert.Equal(t, digest.Hex, statement.Subject[0].Digest["sha256"])
	assert.Equal(t, "acme/widget", statement.Predicate.BuildDefinition.ExternalParameters.Repository)
	assert.Equal(t, "run-1", statement.Predicate.RunDetails.Metadata.InvocationID)
}

func TestPublish_DigestMismatch(t *testing.T) {
	ref, _ := pushTestImage(t)
	publisher := NewPublisher(authn.DefaultKeychain)

	other, err := random.Image(256, 1)
	require.NoError(t, err)
	wrongDigest, err := other.Digest()
	require.NoError(t, err)

	_, err = publisher.Publish(testContext(), ref, wrongDigest, provenanceInput())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDigestMismatch)
}

func TestVerify_NoAttestation(t *testing.T) {
	ref, _ := pushTestImage(t)
	publisher := NewPublisher(authn.DefaultKeychain)

	_, err := publisher.Verify(testContext(), ref)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAttestationNotFound)
}

func TestNewStatement_SubjectDigest(t *testing.T) {
	in := provenanceInput()
	in.ImageName = "ghcr.io/acme/widget"
	in.DigestHex = "abc123"

	statement := NewStatement(in)

	require.Len(t, statement.Subject, 1)
	assert.Equal(t, "ghcr.io/acme/widget", statement.Subject[0].Name)
	assert.Equal(t, "abc123", statement.Subject[0].Digest["sha256"])
	require.Len(t, statement.Predicate.BuildDefinition.ResolvedDependencies, 1)
	assert.Equal(t, "deadbeef", statement.Predicate.BuildDefinition.ResolvedDependencies[0].Digest["gitCommit"])
}
