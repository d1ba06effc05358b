package di

import (
	"github.com/docker/docker/client"

	"github.com/pipeworks/shipper/internal/attest"
	"github.com/pipeworks/shipper/internal/builder"
	"github.com/pipeworks/shipper/internal/config"
	"github.com/pipeworks/shipper/internal/googleauth"
	"github.com/pipeworks/shipper/internal/registry"
)

// ProvideKeychain creates a keychain with authenticators for the
// token-authenticated registries. Registries using google auth are registered
// at runtime once federation has produced an access token.
func ProvideKeychain(cfg *config.Config, user RegistryUser, token RegistryToken) *registry.Keychain {
	keychain := registry.NewKeychain()
	for _, reg := range cfg.Registries {
		if reg.Auth == config.RegistryAuthToken {
			keychain.Register(reg.Host, registry.TokenAuthenticator(string(user), string(token)))
		}
	}
	return keychain
}

// ProvideBuilder creates an image builder backed by the docker daemon.
func ProvideBuilder(docker *client.Client) *builder.Builder {
	return builder.New(docker)
}

// ProvidePusher creates a pusher that reads images from the docker daemon
// and writes them to remote registries.
func ProvidePusher(docker *client.Client, keychain *registry.Keychain) *builder.Pusher {
	return builder.NewPusher(docker, keychain)
}

// ProvidePublisher creates an attestation publisher.
func ProvidePublisher(keychain *registry.Keychain) *attest.Publisher {
	return attest.NewPublisher(keychain)
}

// ProvideFederator creates the workload identity federator. The runner token
// endpoint is read from the environment, so this provider fails outside CI.
func ProvideFederator(cfg *config.Config) (*googleauth.Federator, error) {
	audience := googleauth.Audience(cfg.Google.WorkloadIdentityProvider)
	supplier, err := googleauth.NewRunnerTokenSupplierFromEnv(audience)
	if err != nil {
		return nil, err
	}
	return googleauth.NewFederator(cfg.Google, supplier), nil
}
