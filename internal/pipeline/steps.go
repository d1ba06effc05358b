package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/pipeworks/shipper/internal/attest"
	"github.com/pipeworks/shipper/internal/config"
	"github.com/pipeworks/shipper/internal/googleauth"
	"github.com/pipeworks/shipper/internal/registry"
	"github.com/pipeworks/shipper/internal/source"
)

// Step names, in execution order.
const (
	StepGate        = "gate"
	StepCheckout    = "checkout"
	StepTokenLogin  = "registry-login"
	StepFederation  = "google-federation"
	StepGoogleLogin = "google-registry-login"
	StepBuild       = "build"
	StepPush        = "push"
	StepAttest      = "attest"
)

// TokenExchanger produces the short-lived Google access token.
type TokenExchanger interface {
	AccessToken(ctx context.Context) (*oauth2.Token, *googleauth.IdentityClaims, error)
}

// ImageBuilder builds the release image in the local daemon.
type ImageBuilder interface {
	Build(ctx context.Context, contextDir, dockerfile, localRef string) error
}

// ImagePusher pushes the built image to the derived references.
type ImagePusher interface {
	Push(ctx context.Context, localRef name.Reference, refs []name.Tag) (v1.Hash, error)
}

// AttestationPublisher publishes the provenance attestation.
type AttestationPublisher interface {
	Publish(ctx context.Context, imageRef name.Reference, builtDigest v1.Hash, in attest.ProvenanceInput) (string, error)
}

// Cloner checks out the release sources.
type Cloner func(ctx context.Context, repoURL, tag, dir string) (*source.Checkout, error)

// Deps collects everything the release steps need.
type Deps struct {
	Config        *config.Config
	RegistryUser  string
	RegistryToken string
	Keychain      *registry.Keychain
	Cloner        Cloner
	Exchanger     TokenExchanger
	Builder       ImageBuilder
	Pusher        ImagePusher
	Publisher     AttestationPublisher
	WorkDir       string
	BuilderID     string
	Now           func() time.Time
}

// ReleaseSteps assembles the standard release pipeline.
func ReleaseSteps(deps Deps) []Step {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	started := now().UTC()

	return []Step{
		{Name: StepGate, Run: gateStep(deps.Config.Trigger)},
		{Name: StepCheckout, Run: checkoutStep(deps.Config.Source, deps.Cloner, deps.WorkDir)},
		{Name: StepTokenLogin, Run: tokenLoginStep(deps.Config.Registries, deps.Keychain, deps.RegistryUser, deps.RegistryToken)},
		{Name: StepFederation, Run: federationStep(deps.Exchanger)},
		{Name: StepGoogleLogin, Run: googleLoginStep(deps.Config, deps.Keychain)},
		{Name: StepBuild, Run: buildStep(deps.Config.Image, deps.Builder)},
		{Name: StepPush, Run: pushStep(deps.Config.Registries, deps.Pusher)},
		{Name: StepAttest, Run: attestStep(deps.Publisher, deps.BuilderID, started, now)},
	}
}

func gateStep(trigger config.Trigger) StepFunc {
	return func(ctx context.Context, state *RunState) error {
		if !state.Event.Matches(trigger) {
			zerolog.Ctx(ctx).Info().
				Str("event", state.Event.Name).
				Str("action", state.Event.Action).
				Str("branch", state.Event.TargetBranch).
				Msg("event does not match trigger, skipping run")
			state.Skipped = true
			return nil
		}
		state.NormalizedTag = state.Event.NormalizedTag()
		return nil
	}
}

func checkoutStep(src config.Source, clone Cloner, workDir string) StepFunc {
	return func(ctx context.Context, state *RunState) error {
		checkout, err := clone(ctx, src.Repository, state.Event.Tag, workDir)
		if err != nil {
			return err
		}
		state.CheckoutDir = checkout.Dir
		state.Commit = checkout.Commit
		return nil
	}
}

func tokenLoginStep(registries []config.Registry, keychain *registry.Keychain, user, token string) StepFunc {
	return func(ctx context.Context, _ *RunState) error {
		for _, reg := range registries {
			if reg.Auth != config.RegistryAuthToken {
				continue
			}
			keychain.Register(reg.Host, registry.TokenAuthenticator(user, token))
			zerolog.Ctx(ctx).Info().
				Str("registry", reg.Host).
				Msg("registered token credentials")
		}
		return nil
	}
}

func federationStep(exchanger TokenExchanger) StepFunc {
	return func(ctx context.Context, state *RunState) error {
		token, claims, err := exchanger.AccessToken(ctx)
		if err != nil {
			return err
		}
		state.AccessToken = token
		state.Claims = claims
		return nil
	}
}

func googleLoginStep(cfg *config.Config, keychain *registry.Keychain) StepFunc {
	return func(ctx context.Context, state *RunState) error {
		reg, ok := cfg.GoogleRegistry()
		if !ok {
			return nil
		}
		if state.AccessToken == nil {
			return fmt.Errorf("no access token available for %s", reg.Host)
		}
		keychain.Register(reg.Host, registry.GoogleAuthenticator(state.AccessToken.AccessToken))
		zerolog.Ctx(ctx).Info().
			Str("registry", reg.Host).
			Msg("registered federated credentials")
		return nil
	}
}

func buildStep(image config.Image, builder ImageBuilder) StepFunc {
	return func(ctx context.Context, state *RunState) error {
		localRef, err := name.ParseReference(fmt.Sprintf("%s:%s", image.Name, state.NormalizedTag))
		if err != nil {
			return fmt.Errorf("failed to derive local reference: %w", err)
		}
		contextDir := filepath.Join(state.CheckoutDir, image.Context)
		if err := builder.Build(ctx, contextDir, image.Dockerfile, localRef.String()); err != nil {
			return err
		}
		state.LocalRef = localRef
		return nil
	}
}

func pushStep(registries []config.Registry, pusher ImagePusher) StepFunc {
	return func(ctx context.Context, state *RunState) error {
		refs, err := registry.References(registries, state.NormalizedTag)
		if err != nil {
			return err
		}
		digest, err := pusher.Push(ctx, state.LocalRef, refs)
		if err != nil {
			return err
		}
		state.References = refs
		state.Digest = digest
		return nil
	}
}

// attestStep publishes provenance for the version-tagged reference in the
// first configured registry, keyed by the digest the push step produced.
func attestStep(publisher AttestationPublisher, builderID string, started time.Time, now func() time.Time) StepFunc {
	return func(ctx context.Context, state *RunState) error {
		if len(state.References) < 2 {
			return fmt.Errorf("no pushed references to attest")
		}

		in := attest.ProvenanceInput{
			Tag:        state.Event.Tag,
			Commit:     state.Commit,
			BuilderID:  builderID,
			RunID:      state.RunID,
			StartedOn:  started,
			FinishedOn: now().UTC(),
		}
		if state.Claims != nil {
			in.Repository = state.Claims.Repository
			in.Ref = state.Claims.Ref
		}

		attRef, err := publisher.Publish(ctx, state.References[1], state.Digest, in)
		if err != nil {
			return err
		}
		state.Attestation = attRef
		return nil
	}
}
