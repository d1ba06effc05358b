package googleauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"golang.org/x/oauth2/google/externalaccount"

	"github.com/pipeworks/shipper/internal/errors"
)

// Environment variables the CI runner sets for OIDC token requests.
const (
	envTokenRequestURL   = "ACTIONS_ID_TOKEN_REQUEST_URL"
	envTokenRequestToken = "ACTIONS_ID_TOKEN_REQUEST_TOKEN"
)

// RunnerTokenSupplier fetches the CI runner's OIDC ID token from the runner
// token endpoint. It implements externalaccount.SubjectTokenSupplier so the
// token can feed the Google STS exchange directly.
type RunnerTokenSupplier struct {
	endpoint   string
	bearer     string
	audience   string
	httpClient *http.Client
}

// NewRunnerTokenSupplier creates a supplier for an explicit endpoint and
// bearer token. The audience is appended to the token request so the issued
// token is scoped to the workload identity provider.
func NewRunnerTokenSupplier(endpoint, bearer, audience string, httpClient *http.Client) *RunnerTokenSupplier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RunnerTokenSupplier{
		endpoint:   endpoint,
		bearer:     bearer,
		audience:   audience,
		httpClient: httpClient,
	}
}

// NewRunnerTokenSupplierFromEnv creates a supplier from the runner-provided
// environment variables.
func NewRunnerTokenSupplierFromEnv(audience string) (*RunnerTokenSupplier, error) {
	endpoint := os.Getenv(envTokenRequestURL)
	bearer := os.Getenv(envTokenRequestToken)
	if endpoint == "" || bearer == "" {
		return nil, errors.ErrTokenEndpointNotSet
	}
	return NewRunnerTokenSupplier(endpoint, bearer, audience, nil), nil
}

// SubjectToken requests an ID token from the runner endpoint.
func (s *RunnerTokenSupplier) SubjectToken(ctx context.Context, _ externalaccount.SupplierOptions) (string, error) {
	endpoint := s.endpoint
	if s.audience != "" {
		sep := "?"
		if u, err := url.Parse(endpoint); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		endpoint = endpoint + sep + "audience=" + url.QueryEscape(s.audience)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request runner ID token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("runner token endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode runner token response: %w", err)
	}
	if body.Value == "" {
		return "", fmt.Errorf("runner token endpoint returned an empty token")
	}

	return body.Value, nil
}

// staticSupplier feeds an already-fetched token into the STS exchange.
type staticSupplier string

func (s staticSupplier) SubjectToken(context.Context, externalaccount.SupplierOptions) (string, error) {
	return string(s), nil
}
