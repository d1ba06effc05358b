// Package manifest records the outcome of a pipeline run: per-step status,
// timing, and the artifacts the run produced.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// StepStatus represents the current status of a pipeline step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
)

// Step records one pipeline step's outcome.
type Step struct {
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Started   *time.Time `json:"started,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`
	Elapsed   float64    `json:"elapsed_seconds,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Run is the manifest document for a single pipeline run.
type Run struct {
	RunID         string    `json:"run_id"`
	Tag           string    `json:"tag"`
	NormalizedTag string    `json:"normalized_tag"`
	Commit        string    `json:"commit,omitempty"`
	Created       time.Time `json:"created"`
	Steps         []*Step   `json:"steps"`
	Images        []string  `json:"images,omitempty"`
	Digest        string    `json:"digest,omitempty"`
}

// NewRun creates a run manifest with every step pre-registered as PENDING.
// Steps a halted run never reaches stay PENDING in the written manifest.
func NewRun(runID, tag, normalizedTag string, stepNames []string) *Run {
	steps := make([]*Step, 0, len(stepNames))
	for _, name := range stepNames {
		steps = append(steps, &Step{Name: name, Status: StepStatusPending})
	}
	return &Run{
		RunID:         runID,
		Tag:           tag,
		NormalizedTag: normalizedTag,
		Created:       time.Now().UTC(),
		Steps:         steps,
	}
}

func (r *Run) step(name string) *Step {
	for _, s := range r.Steps {
		if s.Name == name {
			return s
		}
	}
	s := &Step{Name: name, Status: StepStatusPending}
	r.Steps = append(r.Steps, s)
	return s
}

// StepStarted marks a step as RUNNING.
func (r *Run) StepStarted(name string) {
	s := r.step(name)
	now := time.Now().UTC()
	s.Status = StepStatusRunning
	s.Started = &now
}

// StepCompleted marks a step as COMPLETED and records its elapsed time.
func (r *Run) StepCompleted(name string) {
	s := r.step(name)
	now := time.Now().UTC()
	s.Status = StepStatusCompleted
	s.Completed = &now
	if s.Started != nil {
		s.Elapsed = now.Sub(*s.Started).Seconds()
	}
}

// StepFailed marks a step as FAILED with the error message.
func (r *Run) StepFailed(name string, err error) {
	s := r.step(name)
	now := time.Now().UTC()
	s.Status = StepStatusFailed
	s.Completed = &now
	if s.Started != nil {
		s.Elapsed = now.Sub(*s.Started).Seconds()
	}
	if err != nil {
		s.Error = err.Error()
	}
}

// StepSkipped marks a step as SKIPPED.
func (r *Run) StepSkipped(name string) {
	r.step(name).Status = StepStatusSkipped
}

// Status returns the overall run status: FAILED if any step failed, SKIPPED
// if the gate skipped the run, COMPLETED when every executed step completed.
func (r *Run) Status() StepStatus {
	status := StepStatusCompleted
	for _, s := range r.Steps {
		switch s.Status {
		case StepStatusFailed:
			return StepStatusFailed
		case StepStatusSkipped:
			status = StepStatusSkipped
		}
	}
	return status
}

// Write serializes the manifest as indented JSON at path.
func (r *Run) Write(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run manifest: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write run manifest: %w", err)
	}
	return nil
}
