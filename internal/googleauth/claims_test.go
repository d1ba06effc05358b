package googleauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeIssuer starts an OIDC issuer with discovery and JWKS endpoints and
// returns it together with a signer for minting tokens.
func newFakeIssuer(t *testing.T) (*httptest.Server, jose.Signer) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":   server.URL,
			"jwks_uri": server.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{
			Keys: []jose.JSONWebKey{{
				Key:       key.Public(),
				KeyID:     "test-key",
				Algorithm: string(jose.RS256),
				Use:       "sig",
			}},
		})
	})

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithHeader("kid", "test-key"),
	)
	require.NoError(t, err)

	return server, signer
}

func mintToken(t *testing.T, signer jose.Signer, claims map[string]any) string {
	t.Helper()

	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	jws, err := signer.Sign(payload)
	require.NoError(t, err)

	raw, err := jws.CompactSerialize()
	require.NoError(t, err)
	return raw
}

func TestVerifyIdentityToken(t *testing.T) {
	issuer, signer := newFakeIssuer(t)

	now := time.Now()
	raw := mintToken(t, signer, map[string]any{
		"iss":        issuer.URL,
		"aud":        "https://iam.googleapis.com/projects/123/providers/ci",
		"sub":        "repo:acme/widget:ref:refs/tags/v1.0.0",
		"exp":        now.Add(5 * time.Minute).Unix(),
		"iat":        now.Unix(),
		"repository": "acme/widget",
		"ref":        "refs/tags/v1.0.0",
		"sha":        "deadbeef",
		"run_id":     "42",
	})

	claims, err := VerifyIdentityToken(context.Background(), "https://iam.googleapis.com/projects/123/providers/ci", raw)
	require.NoError(t, err)

	assert.Equal(t, issuer.URL, claims.Issuer)
	assert.Equal(t, "acme/widget", claims.Repository)
	assert.Equal(t, "refs/tags/v1.0.0", claims.Ref)
	assert.Equal(t, "deadbeef", claims.SHA)
	assert.Equal(t, "42", claims.RunID)
}

func TestVerifyIdentityToken_WrongAudience(t *testing.T) {
	issuer, signer := newFakeIssuer(t)

	now := time.Now()
	raw := mintToken(t, signer, map[string]any{
		"iss": issuer.URL,
		"aud": "someone-else",
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
	})

	_, err := VerifyIdentityToken(context.Background(), "https://iam.googleapis.com/projects/123/providers/ci", raw)
	require.Error(t, err)
}

func TestVerifyIdentityToken_Expired(t *testing.T) {
	issuer, signer := newFakeIssuer(t)

	now := time.Now()
	raw := mintToken(t, signer, map[string]any{
		"iss": issuer.URL,
		"aud": "https://iam.googleapis.com/projects/123/providers/ci",
		"exp": now.Add(-5 * time.Minute).Unix(),
		"iat": now.Add(-10 * time.Minute).Unix(),
	})

	_, err := VerifyIdentityToken(context.Background(), "https://iam.googleapis.com/projects/123/providers/ci", raw)
	require.Error(t, err)
}

func TestVerifyIdentityToken_UnknownIssuer(t *testing.T) {
	raw := fakeJWT(t, map[string]any{"iss": fmt.Sprintf("http://127.0.0.1:1/%d", time.Now().UnixNano())})

	_, err := VerifyIdentityToken(context.Background(), "aud", raw)
	require.Error(t, err)
}
