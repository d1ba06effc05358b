package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/pipeworks/shipper/internal/attest"
	"github.com/pipeworks/shipper/internal/config"
	"github.com/pipeworks/shipper/internal/googleauth"
	"github.com/pipeworks/shipper/internal/manifest"
	"github.com/pipeworks/shipper/internal/registry"
	"github.com/pipeworks/shipper/internal/release"
	"github.com/pipeworks/shipper/internal/source"
)

type mockExchanger struct {
	accessTokenFunc func(ctx context.Context) (*oauth2.Token, *googleauth.IdentityClaims, error)
}

func (m *mockExchanger) AccessToken(ctx context.Context) (*oauth2.Token, *googleauth.IdentityClaims, error) {
	return m.accessTokenFunc(ctx)
}

type mockBuilder struct {
	buildFunc func(ctx context.Context, contextDir, dockerfile, localRef string) error
}

func (m *mockBuilder) Build(ctx context.Context, contextDir, dockerfile, localRef string) error {
	return m.buildFunc(ctx, contextDir, dockerfile, localRef)
}

type mockPusher struct {
	pushFunc func(ctx context.Context, localRef name.Reference, refs []name.Tag) (v1.Hash, error)
}

func (m *mockPusher) Push(ctx context.Context, localRef name.Reference, refs []name.Tag) (v1.Hash, error) {
	return m.pushFunc(ctx, localRef, refs)
}

type mockPublisher struct {
	publishFunc func(ctx context.Context, imageRef name.Reference, builtDigest v1.Hash, in attest.ProvenanceInput) (string, error)
}

func (m *mockPublisher) Publish(ctx context.Context, imageRef name.Reference, builtDigest v1.Hash, in attest.ProvenanceInput) (string, error) {
	return m.publishFunc(ctx, imageRef, builtDigest, in)
}

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
trigger:
  event: release
  action: published
  branch: main
source:
  repository: https://github.com/acme/widget
image:
  name: widget
registries:
  - host: ghcr.io
    repository: acme/widget
    auth: token
  - host: europe-west1-docker.pkg.dev
    repository: acme-project/widget-registry/widget
    auth: google
google:
  workloadIdentityProvider: projects/123/providers/ci
  serviceAccount: releaser@acme-project.iam.gserviceaccount.com
`))
	require.NoError(t, err)
	return cfg
}

var testDigest = v1.Hash{Algorithm: "sha256", Hex: "44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"}

func testDeps(t *testing.T, cfg *config.Config) Deps {
	t.Helper()
	return Deps{
		Config:        cfg,
		RegistryUser:  "ci",
		RegistryToken: "secret",
		Keychain:      registry.NewKeychain(),
		Cloner: func(_ context.Context, _, _, dir string) (*source.Checkout, error) {
			return &source.Checkout{Dir: dir, Commit: "deadbeef"}, nil
		},
		Exchanger: &mockExchanger{
			accessTokenFunc: func(context.Context) (*oauth2.Token, *googleauth.IdentityClaims, error) {
				return &oauth2.Token{AccessToken: "short-lived"},
					&googleauth.IdentityClaims{Repository: "acme/widget", Ref: "refs/tags/v1.0.0"}, nil
			},
		},
		Builder: &mockBuilder{
			buildFunc: func(context.Context, string, string, string) error { return nil },
		},
		Pusher: &mockPusher{
			pushFunc: func(_ context.Context, _ name.Reference, refs []name.Tag) (v1.Hash, error) {
				require.Len(t, refs, 4)
				return testDigest, nil
			},
		},
		Publisher: &mockPublisher{
			publishFunc: func(_ context.Context, imageRef name.Reference, builtDigest v1.Hash, _ attest.ProvenanceInput) (string, error) {
				return imageRef.Context().Name() + "@" + builtDigest.String(), nil
			},
		},
		WorkDir:   t.TempDir(),
		BuilderID: "https://pipeworks.dev/shipper",
	}
}

func newRun(event release.Event, steps []Step) *manifest.Run {
	return manifest.NewRun("run-1", event.Tag, event.NormalizedTag(), StepNames(steps))
}

func TestExecute_FullRun(t *testing.T) {
	cfg := testConfig(t)
	deps := testDeps(t, cfg)
	event := release.Event{Name: "release", Action: "published", Tag: "v1.0.0", TargetBranch: "main"}

	steps := ReleaseSteps(deps)
	run := newRun(event, steps)
	state := &RunState{RunID: "run-1", Event: event}

	err := New(run, steps...).Execute(testContext(), state)
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", state.NormalizedTag)
	assert.Equal(t, "deadbeef", state.Commit)
	assert.Equal(t, testDigest, state.Digest)
	assert.NotEmpty(t, state.Attestation)

	assert.Equal(t, manifest.StepStatusCompleted, run.Status())
	assert.Len(t, run.Images, 4)
	assert.Equal(t, testDigest.String(), run.Digest)
	assert.Equal(t, "deadbeef", run.Commit)
}

func TestExecute_GateSkips(t *testing.T) {
	cfg := testConfig(t)
	deps := testDeps(t, cfg)
	event := release.Event{Name: "release", Action: "created", Tag: "v1.0.0", TargetBranch: "main"}

	steps := ReleaseSteps(deps)
	run := newRun(event, steps)
	state := &RunState{RunID: "run-1", Event: event}

	err := New(run, steps...).Execute(testContext(), state)
	require.NoError(t, err)

	assert.True(t, state.Skipped)
	assert.Equal(t, manifest.StepStatusSkipped, run.Status())
	for _, step := range run.Steps {
		assert.Equal(t, manifest.StepStatusSkipped, step.Status, "step %s", step.Name)
	}
}

func TestExecute_BuildFailureHaltsRun(t *testing.T) {
	cfg := testConfig(t)
	deps := testDeps(t, cfg)
	deps.Builder = &mockBuilder{
		buildFunc: func(context.Context, string, string, string) error {
			return errors.New("dockerfile syntax error")
		},
	}
	event := release.Event{Name: "release", Action: "published", Tag: "v1.0.0", TargetBranch: "main"}

	steps := ReleaseSteps(deps)
	run := newRun(event, steps)
	state := &RunState{RunID: "run-1", Event: event}

	err := New(run, steps...).Execute(testContext(), state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dockerfile syntax error")

	byName := make(map[string]manifest.StepStatus)
	for _, step := range run.Steps {
		byName[step.Name] = step.Status
	}
	assert.Equal(t, manifest.StepStatusFailed, byName[StepBuild])
	assert.Equal(t, manifest.StepStatusPending, byName[StepPush])
	assert.Equal(t, manifest.StepStatusPending, byName[StepAttest])
}

func TestExecute_AttestSubjectMatchesPushDigest(t *testing.T) {
	cfg := testConfig(t)
	deps := testDeps(t, cfg)

	var attestedRef name.Reference
	var attestedDigest v1.Hash
	var gotInput attest.ProvenanceInput
	deps.Publisher = &mockPublisher{
		publishFunc: func(_ context.Context, imageRef name.Reference, builtDigest v1.Hash, in attest.ProvenanceInput) (string, error) {
			attestedRef = imageRef
			attestedDigest = builtDigest
			gotInput = in
			return "att-ref", nil
		},
	}
	event := release.Event{Name: "release", Action: "published", Tag: "v1.0.0", TargetBranch: "main"}

	steps := ReleaseSteps(deps)
	run := newRun(event, steps)
	state := &RunState{RunID: "run-1", Event: event}

	err := New(run, steps...).Execute(testContext(), state)
	require.NoError(t, err)

	// subject is the version-tagged reference in the first registry, keyed
	// by the digest the push step produced
	assert.Equal(t, "ghcr.io/acme/widget:1.0.0", attestedRef.String())
	assert.Equal(t, testDigest, attestedDigest)
	assert.Equal(t, "acme/widget", gotInput.Repository)
	assert.Equal(t, "deadbeef", gotInput.Commit)
	assert.Equal(t, "run-1", gotInput.RunID)
}

func TestExecute_FederationTokenFeedsGoogleLogin(t *testing.T) {
	cfg := testConfig(t)
	deps := testDeps(t, cfg)
	event := release.Event{Name: "release", Action: "published", Tag: "v1.0.0", TargetBranch: "main"}

	steps := ReleaseSteps(deps)
	run := newRun(event, steps)
	state := &RunState{RunID: "run-1", Event: event}

	err := New(run, steps...).Execute(testContext(), state)
	require.NoError(t, err)

	ref, err := name.NewTag("europe-west1-docker.pkg.dev/acme-project/widget-registry/widget:1.0.0")
	require.NoError(t, err)

	auth, err := deps.Keychain.Resolve(ref.Context().Registry)
	require.NoError(t, err)

	authCfg, err := auth.Authorization()
	require.NoError(t, err)
	assert.Equal(t, "oauth2accesstoken", authCfg.Username)
	assert.Equal(t, "short-lived", authCfg.Password)
}
