// Package googleauth obtains short-lived Google access tokens through
// workload identity federation: the CI runner's OIDC token is exchanged at
// the Google STS endpoint for a federated token, which then impersonates the
// configured service account via the IAM Credentials API.
package googleauth

import (
	"context"
	"fmt"
	"time"

	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/iam/credentials/apiv1/credentialspb"
	"github.com/googleapis/gax-go/v2"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google/externalaccount"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/pipeworks/shipper/internal/config"
)

const (
	// subjectTokenType identifies the runner ID token as a JWT in the STS
	// token-exchange request.
	subjectTokenType = "urn:ietf:params:oauth:token-type:jwt"

	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

	defaultSTSTokenURL = "https://sts.googleapis.com/v1/token"
)

// SubjectTokenSupplier produces the OIDC token fed into the STS exchange.
type SubjectTokenSupplier = externalaccount.SubjectTokenSupplier

// AccessTokenGenerator is the subset of the IAM Credentials client used to
// impersonate the service account.
type AccessTokenGenerator interface {
	GenerateAccessToken(ctx context.Context, req *credentialspb.GenerateAccessTokenRequest, opts ...gax.CallOption) (*credentialspb.GenerateAccessTokenResponse, error)
	Close() error
}

// VerifyFunc verifies a raw ID token and returns its identity claims.
type VerifyFunc func(ctx context.Context, audience, rawToken string) (*IdentityClaims, error)

// IAMClientFactory builds an IAM Credentials client authenticated with the
// federated token source.
type IAMClientFactory func(ctx context.Context, ts oauth2.TokenSource) (AccessTokenGenerator, error)

// Federator runs the full federation handshake.
type Federator struct {
	cfg         config.Google
	supplier    SubjectTokenSupplier
	verify      VerifyFunc
	newIAM      IAMClientFactory
	stsTokenURL string
}

// FederatorOption configures a Federator.
type FederatorOption func(*Federator)

// WithVerifyFunc overrides ID token verification.
func WithVerifyFunc(verify VerifyFunc) FederatorOption {
	return func(f *Federator) {
		f.verify = verify
	}
}

// WithIAMClientFactory overrides how the IAM Credentials client is built.
func WithIAMClientFactory(factory IAMClientFactory) FederatorOption {
	return func(f *Federator) {
		f.newIAM = factory
	}
}

// WithSTSTokenURL overrides the STS token-exchange endpoint.
func WithSTSTokenURL(url string) FederatorOption {
	return func(f *Federator) {
		f.stsTokenURL = url
	}
}

// NewFederator creates a Federator for the configured workload identity
// provider and service account.
func NewFederator(cfg config.Google, supplier SubjectTokenSupplier, opts ...FederatorOption) *Federator {
	f := &Federator{
		cfg:         cfg,
		supplier:    supplier,
		verify:      VerifyIdentityToken,
		newIAM:      newIAMCredentialsClient,
		stsTokenURL: defaultSTSTokenURL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func newIAMCredentialsClient(ctx context.Context, ts oauth2.TokenSource) (AccessTokenGenerator, error) {
	return credentials.NewIamCredentialsClient(ctx, option.WithTokenSource(ts))
}

// Audience returns the audience runner ID tokens must be issued for when
// federating through the given workload identity provider.
func Audience(workloadIdentityProvider string) string {
	return "https://iam.googleapis.com/" + workloadIdentityProvider
}

// Audience returns the audience the runner ID token must be issued for.
func (f *Federator) Audience() string {
	return Audience(f.cfg.WorkloadIdentityProvider)
}

// stsAudience is the audience of the STS token-exchange request.
func (f *Federator) stsAudience() string {
	return "//iam.googleapis.com/" + f.cfg.WorkloadIdentityProvider
}

// AccessToken performs the handshake and returns the short-lived service
// account access token together with the verified CI identity claims. The
// token lives only in memory and is consumed exactly once, by the registry
// authenticator.
func (f *Federator) AccessToken(ctx context.Context) (*oauth2.Token, *IdentityClaims, error) {
	logger := zerolog.Ctx(ctx)

	rawToken, err := f.supplier.SubjectToken(ctx, externalaccount.SupplierOptions{
		Audience:         f.stsAudience(),
		SubjectTokenType: subjectTokenType,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to obtain runner ID token: %w", err)
	}

	claims, err := f.verify(ctx, f.Audience(), rawToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to verify runner identity: %w", err)
	}

	logger.Info().
		Str("repository", claims.Repository).
		Str("ref", claims.Ref).
		Str("provider", f.cfg.WorkloadIdentityProvider).
		Msg("exchanging runner identity for federated token")

	federatedTS, err := externalaccount.NewTokenSource(ctx, externalaccount.Config{
		Audience:             f.stsAudience(),
		SubjectTokenType:     subjectTokenType,
		TokenURL:             f.stsTokenURL,
		Scopes:               []string{cloudPlatformScope},
		SubjectTokenSupplier: staticSupplier(rawToken),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create federated token source: %w", err)
	}

	iamClient, err := f.newIAM(ctx, federatedTS)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create IAM credentials client: %w", err)
	}
	defer iamClient.Close()

	lifetime := time.Duration(f.cfg.TokenLifetimeSeconds) * time.Second
	resp, err := iamClient.GenerateAccessToken(ctx, &credentialspb.GenerateAccessTokenRequest{
		Name:     fmt.Sprintf("projects/-/serviceAccounts/%s", f.cfg.ServiceAccount),
		Scope:    []string{cloudPlatformScope},
		Lifetime: durationpb.New(lifetime),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate access token for %s: %w", f.cfg.ServiceAccount, err)
	}

	token := &oauth2.Token{
		AccessToken: resp.GetAccessToken(),
		TokenType:   "Bearer",
	}
	if expire := resp.GetExpireTime(); expire != nil {
		token.Expiry = expire.AsTime()
	}

	logger.Info().
		Str("service_account", f.cfg.ServiceAccount).
		Time("expires", token.Expiry).
		Msg("generated short-lived access token")

	return token, claims, nil
}
