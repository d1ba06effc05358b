package googleauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// IdentityClaims are the CI job identity claims carried by the runner's ID
// token. They feed the run manifest and the provenance predicate.
type IdentityClaims struct {
	Issuer     string `json:"iss"`
	Subject    string `json:"sub"`
	Repository string `json:"repository"`
	Ref        string `json:"ref"`
	SHA        string `json:"sha"`
	RunID      string `json:"run_id"`
	Workflow   string `json:"workflow"`
}

// VerifyIdentityToken verifies the runner's ID token against its issuer via
// OIDC discovery and returns its identity claims. The audience must match the
// workload identity provider the token was requested for.
func VerifyIdentityToken(ctx context.Context, audience, rawToken string) (*IdentityClaims, error) {
	issuer, err := unverifiedIssuer(rawToken)
	if err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider for %s: %w", issuer, err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: audience})
	idToken, err := verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify runner ID token: %w", err)
	}

	var claims IdentityClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode ID token claims: %w", err)
	}

	return &claims, nil
}

// unverifiedIssuer reads the iss claim without signature verification. The
// issuer is only used to locate the OIDC discovery document; the token itself
// is verified against the issuer's keys before any claim is trusted.
func unverifiedIssuer(rawToken string) (string, error) {
	parts := strings.Split(rawToken, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed ID token: expected 3 segments, got %d", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("failed to decode ID token payload: %w", err)
	}

	var body struct {
		Issuer string `json:"iss"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", fmt.Errorf("failed to parse ID token payload: %w", err)
	}
	if body.Issuer == "" {
		return "", fmt.Errorf("ID token has no issuer claim")
	}

	return body.Issuer, nil
}
