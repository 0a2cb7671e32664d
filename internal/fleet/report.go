package fleet

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/multierr"

	"github.com/opensandbox/fleetctl/internal/compute"
)

// Process exit codes, kept compatible with the shell tooling fleetctl
// replaces.
const (
	ExitOK             = 0
	ExitNodeFailures   = 1
	ExitRegionNotFound = 101
	ExitConfigFormat   = 102
	ExitNoHosts        = 103
	ExitNoImage        = 104
	ExitNoSecurityGrp  = 105
	ExitConfigRead     = 106
	ExitNoNodes        = 107
	ExitLocked         = 108
	ExitUnknown        = 201
	ExitAlreadyType    = 251
)

// ExitCoder is implemented by errors that carry their own exit code.
type ExitCoder interface {
	ExitCode() int
}

// ExitCode maps an error returned by a fleetctl operation to a process exit
// status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ec ExitCoder
	switch {
	case errors.As(err, &ec):
		return ec.ExitCode()
	case errors.Is(err, compute.ErrRegionNotFound):
		return ExitRegionNotFound
	case errors.Is(err, compute.ErrImageNotFound):
		return ExitNoImage
	case errors.Is(err, ErrNoRequests):
		return ExitNoNodes
	case errors.Is(err, ErrNoNodesFound),
		errors.Is(err, ErrNodeNotFound),
		errors.Is(err, ErrAmbiguousIdentifier):
		return ExitNoHosts
	case errors.Is(err, ErrAlreadyInstanceType):
		return ExitAlreadyType
	}
	return ExitUnknown
}

// Kind distinguishes the operations a Report can describe.
type Kind string

const (
	KindLifecycle Kind = "lifecycle"
	KindProvision Kind = "provision"
	KindRetype    Kind = "retype"
)

// Report is the final record of a run.
type Report struct {
	RunID       string
	Kind        Kind
	Action      Action
	Environment string
	StartedAt   time.Time
	FinishedAt  time.Time

	Outcomes        []Outcome
	Launches        []LaunchOutcome
	Configured      []ConfigureOutcome
	SelectionErrors []error
	CredentialErr   error // set when key generation failed and distribution was skipped
}

func newReport(runID string, kind Kind) *Report {
	return &Report{RunID: runID, Kind: kind, StartedAt: time.Now().UTC()}
}

func (r *Report) finish() {
	r.FinishedAt = time.Now().UTC()
}

// Failures returns every per-node and per-identifier error of the run.
func (r *Report) Failures() []error {
	errs := append([]error(nil), r.SelectionErrors...)
	for _, o := range r.Outcomes {
		if o.Failed() {
			errs = append(errs, o.Err)
		}
	}
	for _, l := range r.Launches {
		if !l.Launched() {
			errs = append(errs, l.Err)
		}
	}
	if r.CredentialErr != nil {
		errs = append(errs, r.CredentialErr)
	}
	for _, c := range r.Configured {
		if c.Err != nil {
			errs = append(errs, c.Err)
		}
	}
	return errs
}

// Err combines every failure into one error, or nil if the run was clean.
func (r *Report) Err() error {
	return multierr.Combine(r.Failures()...)
}

// ExitCode is non-zero whenever any node failed.
func (r *Report) ExitCode() int {
	if len(r.Failures()) > 0 {
		return ExitNodeFailures
	}
	return ExitOK
}

// Warnings returns best-effort side effects that failed without failing
// their node.
func (r *Report) Warnings() []error {
	var errs []error
	for _, o := range r.Outcomes {
		errs = append(errs, o.Warnings...)
	}
	for _, l := range r.Launches {
		errs = append(errs, l.Warnings...)
	}
	return errs
}

func (r *Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RunID           string             `json:"run_id"`
		Kind            Kind               `json:"kind"`
		Action          Action             `json:"action,omitempty"`
		Environment     string             `json:"environment,omitempty"`
		StartedAt       time.Time          `json:"started_at"`
		FinishedAt      time.Time          `json:"finished_at"`
		Outcomes        []Outcome          `json:"outcomes,omitempty"`
		Launches        []LaunchOutcome    `json:"launches,omitempty"`
		Configured      []ConfigureOutcome `json:"configured,omitempty"`
		SelectionErrors []string           `json:"selection_errors,omitempty"`
		CredentialErr   string             `json:"credential_error,omitempty"`
		ExitCode        int                `json:"exit_code"`
	}{
		RunID:           r.RunID,
		Kind:            r.Kind,
		Action:          r.Action,
		Environment:     r.Environment,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		Outcomes:        r.Outcomes,
		Launches:        r.Launches,
		Configured:      r.Configured,
		SelectionErrors: errStrings(r.SelectionErrors),
		CredentialErr:   errString(r.CredentialErr),
		ExitCode:        r.ExitCode(),
	})
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Node     string         `json:"node"`
		NodeID   string         `json:"node_id"`
		Role     Role           `json:"role,omitempty"`
		Action   Action         `json:"action"`
		Result   Result         `json:"result"`
		Phase    string         `json:"phase"`
		Initial  compute.Status `json:"initial"`
		Final    compute.Status `json:"final"`
		Address  string         `json:"address,omitempty"`
		Error    string         `json:"error,omitempty"`
		Warnings []string       `json:"warnings,omitempty"`
		Seconds  float64        `json:"seconds"`
	}{
		Node:     o.Node,
		NodeID:   o.NodeID,
		Role:     o.Role,
		Action:   o.Action,
		Result:   o.Result,
		Phase:    o.Phase.String(),
		Initial:  o.Initial,
		Final:    o.Final,
		Address:  o.Address,
		Error:    errString(o.Err),
		Warnings: errStrings(o.Warnings),
		Seconds:  o.Duration.Seconds(),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = errString(err)
	}
	return out
}
