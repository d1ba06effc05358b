// Package release models the CI release event that triggers a pipeline run.
package release

import (
	"strings"

	"github.com/pipeworks/shipper/internal/config"
)

// Event carries the fields of the CI event that started the job.
type Event struct {
	Name         string // event name, e.g. "release"
	Action       string // event action, e.g. "published"
	Tag          string // raw release tag, e.g. "v25.0.1"
	TargetBranch string // branch the release targets
}

// Normalize strips a single leading "v" from a release tag. Tags without the
// prefix are returned unchanged.
func Normalize(tag string) string {
	return strings.TrimPrefix(tag, "v")
}

// NormalizedTag returns the event's tag with the version prefix stripped.
func (e Event) NormalizedTag() string {
	return Normalize(e.Tag)
}

// Matches reports whether the event satisfies the configured trigger. Runs
// for non-matching events are skipped, not failed.
func (e Event) Matches(trigger config.Trigger) bool {
	return e.Name == trigger.Event &&
		e.Action == trigger.Action &&
		e.TargetBranch == trigger.Branch
}
