// Package pipeline runs the release steps in order: gate, checkout, registry
// logins, federation, build, push, attest. Steps communicate only through the
// shared run state; the first failing step halts the run.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/pipeworks/shipper/internal/googleauth"
	"github.com/pipeworks/shipper/internal/manifest"
	"github.com/pipeworks/shipper/internal/release"
)

// RunState carries values produced by one step and consumed by a later one.
// It is the in-process equivalent of CI step outputs.
type RunState struct {
	RunID         string
	Event         release.Event
	NormalizedTag string
	CheckoutDir   string
	Commit        string
	Claims        *googleauth.IdentityClaims
	AccessToken   *oauth2.Token
	LocalRef      name.Reference
	References    []name.Tag
	Digest        v1.Hash
	Attestation   string
	Skipped       bool
}

// StepFunc executes one pipeline step against the shared run state.
type StepFunc func(ctx context.Context, state *RunState) error

// Step is a named pipeline step.
type Step struct {
	Name string
	Run  StepFunc
}

func withLogger(step Step) Step {
	run := step.Run
	step.Run = func(ctx context.Context, state *RunState) error {
		logger := zerolog.Ctx(ctx).With().Str("step", step.Name).Logger()
		return run(logger.WithContext(ctx), state)
	}
	return step
}

func withReporting(step Step, run *manifest.Run) Step {
	inner := step.Run
	step.Run = func(ctx context.Context, state *RunState) error {
		run.StepStarted(step.Name)
		if err := inner(ctx, state); err != nil {
			run.StepFailed(step.Name, err)
			return err
		}
		if state.Skipped {
			run.StepSkipped(step.Name)
			return nil
		}
		run.StepCompleted(step.Name)
		return nil
	}
	return step
}

// Pipeline is an ordered list of steps plus the manifest they report into.
type Pipeline struct {
	steps []Step
	run   *manifest.Run
}

// New assembles a pipeline. Every step is wrapped with a per-step logger and
// manifest reporting.
func New(run *manifest.Run, steps ...Step) *Pipeline {
	wrapped := make([]Step, 0, len(steps))
	for _, step := range steps {
		wrapped = append(wrapped, withReporting(withLogger(step), run))
	}
	return &Pipeline{steps: wrapped, run: run}
}

// StepNames returns the names of the pipeline's steps in execution order.
func StepNames(steps []Step) []string {
	names := make([]string, 0, len(steps))
	for _, step := range steps {
		names = append(names, step.Name)
	}
	return names
}

// Execute runs the steps in order. A step that marks the run skipped stops
// execution and flags the remaining steps SKIPPED; a step error stops
// execution and leaves the remaining steps PENDING.
func (p *Pipeline) Execute(ctx context.Context, state *RunState) error {
	for i, step := range p.steps {
		if err := step.Run(ctx, state); err != nil {
			return fmt.Errorf("step %s failed: %w", step.Name, err)
		}
		if state.Skipped {
			for _, rest := range p.steps[i+1:] {
				p.run.StepSkipped(rest.Name)
			}
			return nil
		}
	}

	p.run.Commit = state.Commit
	if state.References != nil {
		for _, ref := range state.References {
			p.run.Images = append(p.run.Images, ref.String())
		}
	}
	if (state.Digest != v1.Hash{}) {
		p.run.Digest = state.Digest.String()
	}
	return nil
}
