package di

// ConfigPath is the location of the YAML pipeline configuration.
type ConfigPath string

// RegistryUser is the username for the token-authenticated registry.
type RegistryUser string

// RegistryToken is the CI-provided token for the token-authenticated registry.
type RegistryToken string

// Option is a function that configures the dependency injection container.
type Option func(*options)

// WithRegistryCredentials sets the credentials for the token-authenticated
// registry.
func WithRegistryCredentials(user, token string) Option {
	return func(opts *options) {
		opts.registryUser = RegistryUser(user)
		opts.registryToken = RegistryToken(token)
	}
}

// WithProviders adds constructor functions to the dependency injection container.
// Each provider should be a constructor function that returns one or more values.
// Providers can declare dependencies as function parameters, which will be
// automatically resolved by the container.
//
// Example:
//
//	WithProviders(
//	    func() *registry.Keychain { return registry.NewKeychain() },
//	)
func WithProviders(providers ...any) Option {
	return func(opts *options) {
		opts.providers = append(opts.providers, providers...)
	}
}

type options struct {
	registryUser  RegistryUser
	registryToken RegistryToken
	providers     []any
}
