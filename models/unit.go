package models

import "time"

// UnitState is the lifecycle state of one node x service installation unit.
type UnitState string

const (
	UnitPending     UnitState = "PENDING"
	UnitInstalling  UnitState = "INSTALLING"
	UnitConfiguring UnitState = "CONFIGURING"
	UnitStarting    UnitState = "STARTING"
	UnitVerifying   UnitState = "VERIFYING"
	UnitReady       UnitState = "READY"
	UnitFailed      UnitState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s UnitState) Terminal() bool {
	return s == UnitReady || s == UnitFailed
}

// HealthStatus is the outcome of a service installer's verify step.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// UnitResult records how one unit ended.
type UnitResult struct {
	Node    string    `json:"node" yaml:"node"`
	Service string    `json:"service" yaml:"service"`
	State   UnitState `json:"state" yaml:"state"`

	// Reason is the captured failure reason for FAILED units
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`

	// ManualIntervention is set when rollback itself failed
	ManualIntervention bool `json:"manual_intervention,omitempty" yaml:"manual_intervention,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// DeploymentReport is the end-of-run summary produced by the verification phase.
type DeploymentReport struct {
	DeploymentID string       `json:"deployment_id" yaml:"deployment_id"`
	Units        []UnitResult `json:"units" yaml:"units"`
	Warnings     []string     `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Aborted      bool         `json:"aborted" yaml:"aborted"`
	StartedAt    time.Time    `json:"started_at" yaml:"started_at"`
	CompletedAt  time.Time    `json:"completed_at" yaml:"completed_at"`
}

// Count returns the number of units in state.
func (r *DeploymentReport) Count(state UnitState) int {
	n := 0
	for _, u := range r.Units {
		if u.State == state {
			n++
		}
	}
	return n
}

// Succeeded is true when every unit reached READY.
func (r *DeploymentReport) Succeeded() bool {
	return !r.Aborted && r.Count(UnitReady) == len(r.Units)
}

// Failures returns the FAILED units.
func (r *DeploymentReport) Failures() []UnitResult {
	var out []UnitResult
	for _, u := range r.Units {
		if u.State == UnitFailed {
			out = append(out, u)
		}
	}
	return out
}
