package errors

import "errors"

var (
	ErrConfigPathRequired    = errors.New("configuration file path is required")
	ErrRegistryCountMismatch = errors.New("exactly two registries must be configured")
	ErrUnknownRegistryAuth   = errors.New("unknown registry auth kind")
	ErrTokenEndpointNotSet   = errors.New("runner OIDC token endpoint is not configured")
	ErrDigestMismatch        = errors.New("attestation subject digest does not match built image digest")
	ErrAttestationNotFound   = errors.New("no provenance attestation found for image")
)
