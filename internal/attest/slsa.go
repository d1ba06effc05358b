// Package attest builds and publishes build-provenance attestations for the
// released image, keyed by its content digest.
package attest

import (
	"time"
)

// In-toto statement and SLSA provenance v1 identifiers.
const (
	StatementType = "https://in-toto.io/Statement/v1"
	PredicateType = "https://slsa.dev/provenance/v1"

	// BuildType identifies shipper's release pipeline as the build process.
	BuildType = "https://pipeworks.dev/shipper/release@v1"
)

// DigestSet maps digest algorithm to hex value.
type DigestSet map[string]string

// Subject names the artifact the statement attests to.
type Subject struct {
	Name   string    `json:"name"`
	Digest DigestSet `json:"digest"`
}

// Statement is an in-toto attestation statement.
type Statement struct {
	Type          string    `json:"_type"`
	Subject       []Subject `json:"subject"`
	PredicateType string    `json:"predicateType"`
	Predicate     Predicate `json:"predicate"`
}

// Predicate is a SLSA provenance v1 predicate.
type Predicate struct {
	BuildDefinition BuildDefinition `json:"buildDefinition"`
	RunDetails      RunDetails      `json:"runDetails"`
}

// BuildDefinition describes how the build ran.
type BuildDefinition struct {
	BuildType            string               `json:"buildType"`
	ExternalParameters   ExternalParameters   `json:"externalParameters"`
	InternalParameters   InternalParameters   `json:"internalParameters,omitempty"`
	ResolvedDependencies []ResourceDescriptor `json:"resolvedDependencies,omitempty"`
}

// ExternalParameters are the release inputs supplied by the trigger.
type ExternalParameters struct {
	Repository string `json:"repository,omitempty"`
	Ref        string `json:"ref,omitempty"`
	Tag        string `json:"tag,omitempty"`
}

// InternalParameters are values the pipeline derived itself.
type InternalParameters struct {
	RunID string `json:"runId,omitempty"`
}

// ResourceDescriptor references an input artifact, e.g. the source revision.
type ResourceDescriptor struct {
	URI    string    `json:"uri"`
	Digest DigestSet `json:"digest,omitempty"`
}

// RunDetails identifies the builder and the run.
type RunDetails struct {
	Builder  Builder  `json:"builder"`
	Metadata Metadata `json:"metadata"`
}

// Builder identifies the system that performed the build.
type Builder struct {
	ID string `json:"id"`
}

// Metadata carries per-run identifiers and timing.
type Metadata struct {
	InvocationID string     `json:"invocationId,omitempty"`
	StartedOn    *time.Time `json:"startedOn,omitempty"`
	FinishedOn   *time.Time `json:"finishedOn,omitempty"`
}

// ProvenanceInput collects everything the statement is built from.
type ProvenanceInput struct {
	ImageName  string // subject name, e.g. "ghcr.io/acme/widget"
	DigestHex  string // sha256 hex of the image manifest
	Repository string // source repository from the CI identity
	Ref        string // git ref from the CI identity
	Tag        string // raw release tag
	Commit     string // resolved source commit
	BuilderID  string
	RunID      string
	StartedOn  time.Time
	FinishedOn time.Time
}

// NewStatement builds the provenance statement for a release run.
func NewStatement(in ProvenanceInput) *Statement {
	started := in.StartedOn
	finished := in.FinishedOn
	return &Statement{
		Type: StatementType,
		Subject: []Subject{{
			Name:   in.ImageName,
			Digest: DigestSet{"sha256": in.DigestHex},
		}},
		PredicateType: PredicateType,
		Predicate: Predicate{
			BuildDefinition: BuildDefinition{
				BuildType: BuildType,
				ExternalParameters: ExternalParameters{
					Repository: in.Repository,
					Ref:        in.Ref,
					Tag:        in.Tag,
				},
				InternalParameters: InternalParameters{
					RunID: in.RunID,
				},
				ResolvedDependencies: []ResourceDescriptor{{
					URI:    in.Repository,
					Digest: DigestSet{"gitCommit": in.Commit},
				}},
			},
			RunDetails: RunDetails{
				Builder: Builder{ID: in.BuilderID},
				Metadata: Metadata{
					InvocationID: in.RunID,
					StartedOn:    &started,
					FinishedOn:   &finished,
				},
			},
		},
	}
}
