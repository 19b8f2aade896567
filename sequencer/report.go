package sequencer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"github.com/smartcontractkit/deployment-sequencer/catalog"
	"github.com/smartcontractkit/deployment-sequencer/internal/jsonutils"
	"github.com/smartcontractkit/deployment-sequencer/internal/pointer"
	"github.com/smartcontractkit/deployment-sequencer/ledger"
)

// Outcome is what happened to a step during a run.
type Outcome string

const (
	OutcomeApplied Outcome = "APPLIED"
	OutcomeReused  Outcome = "REUSED"
	OutcomeSkipped Outcome = "SKIPPED"
	OutcomeFailed  Outcome = "FAILED"

	// OutcomePending is only reported by Plan, for steps a run would apply.
	OutcomePending Outcome = "PENDING"
)

// ReportError holds the message of an error so it can be marshalled.
type ReportError struct {
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ReportError) Error() string {
	return e.Message
}

func newReportError(err error) *ReportError {
	if err == nil {
		return nil
	}

	return &ReportError{Message: err.Error()}
}

// StepReport is the outcome of one step.
type StepReport struct {
	ID          string             `json:"id"`
	Index       int                `json:"index"`
	Name        string             `json:"name"`
	Version     string             `json:"version,omitempty"`
	ResourceKey ledger.ResourceKey `json:"resourceKey"`
	Outcome     Outcome            `json:"outcome"`
	Identifier  ledger.Identifier  `json:"identifier,omitempty"`
	Err         *ReportError       `json:"error,omitempty"`
	Timestamp   *time.Time         `json:"timestamp"`
}

func newStepReport(s catalog.Step, outcome Outcome, id ledger.Identifier, err error) StepReport {
	return StepReport{
		ID:          uuid.New().String(),
		Index:       s.Index(),
		Name:        s.Name(),
		Version:     s.Version(),
		ResourceKey: s.Key(),
		Outcome:     outcome,
		Identifier:  id,
		Err:         newReportError(err),
		Timestamp:   pointer.To(time.Now()),
	}
}

// RunReport is the ordered list of step outcomes of a run. Steps after a failed step are not
// listed.
type RunReport struct {
	ID         string       `json:"id"`
	Network    string       `json:"network,omitempty"`
	Caller     string       `json:"caller,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Steps      []StepReport `json:"steps"`
	Err        *ReportError `json:"error,omitempty"`
}

func newRunReport(rc catalog.RunContext) RunReport {
	return RunReport{
		ID:        ksuid.New().String(),
		Network:   rc.Network.Name,
		Caller:    rc.Caller,
		StartedAt: time.Now(),
		Steps:     []StepReport{},
	}
}

// Outcomes returns the outcome of every reported step in order.
func (r RunReport) Outcomes() []Outcome {
	out := make([]Outcome, 0, len(r.Steps))
	for _, s := range r.Steps {
		out = append(out, s.Outcome)
	}

	return out
}

// Count returns the number of steps with the given outcome.
func (r RunReport) Count(o Outcome) int {
	n := 0
	for _, s := range r.Steps {
		if s.Outcome == o {
			n++
		}
	}

	return n
}

// Failed returns the failed step, if any.
func (r RunReport) Failed() (StepReport, bool) {
	for _, s := range r.Steps {
		if s.Outcome == OutcomeFailed {
			return s, true
		}
	}

	return StepReport{}, false
}

// ReportPath returns the path of the report file of run id inside dir.
func ReportPath(dir, id string) string {
	return filepath.Join(dir, id+"_run_report.json")
}

func writeReport(dir string, r RunReport) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create reports directory: %w", err)
	}
	if err := jsonutils.WriteFile(ReportPath(dir, r.ID), r); err != nil {
		return fmt.Errorf("failed to write run report: %w", err)
	}

	return nil
}
