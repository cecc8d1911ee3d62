package harness

import (
	"github.com/roach88/settle/internal/audit"
)

// StepTrace is what one step returned. Detail holds the fields of the
// result that are stable across runs: no timestamps and no content hashes.
type StepTrace struct {
	Step    int            `json:"step"`
	Op      string         `json:"op"`
	Outcome string         `json:"outcome,omitempty"`
	Error   string         `json:"error,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation matched and the final audit
	// found nothing.
	Pass bool `json:"pass"`

	Trace []StepTrace `json:"trace"`

	// Errors contains expectation and audit failures.
	Errors []string `json:"errors,omitempty"`

	Audit audit.Report `json:"audit"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []StepTrace{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
