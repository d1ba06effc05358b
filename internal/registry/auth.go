// Package registry handles authentication to the configured container
// registries and derives the image references a release run pushes.
package registry

import (
	"github.com/google/go-containerregistry/pkg/authn"
)

// oauthAccessTokenUser is the username Google Artifact Registry expects when
// the password is an OAuth access token.
const oauthAccessTokenUser = "oauth2accesstoken"

// TokenAuthenticator authenticates with a static CI-provided token.
func TokenAuthenticator(username, token string) authn.Authenticator {
	return authn.FromConfig(authn.AuthConfig{
		Username: username,
		Password: token,
	})
}

// GoogleAuthenticator authenticates with a short-lived federated access token.
func GoogleAuthenticator(accessToken string) authn.Authenticator {
	return authn.FromConfig(authn.AuthConfig{
		Username: oauthAccessTokenUser,
		Password: accessToken,
	})
}

// Keychain resolves per-registry authenticators. Registries without an entry
// resolve anonymously.
type Keychain struct {
	authenticators map[string]authn.Authenticator
}

// NewKeychain creates an empty keychain.
func NewKeychain() *Keychain {
	return &Keychain{authenticators: make(map[string]authn.Authenticator)}
}

// Register associates an authenticator with a registry host.
func (k *Keychain) Register(host string, auth authn.Authenticator) {
	k.authenticators[host] = auth
}

// Resolve implements authn.Keychain.
func (k *Keychain) Resolve(target authn.Resource) (authn.Authenticator, error) {
	if auth, ok := k.authenticators[target.RegistryStr()]; ok {
		return auth, nil
	}
	return authn.Anonymous, nil
}
