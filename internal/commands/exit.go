package commands

import (
	"context"
	"errors"
	"fmt"

	"evalgo.org/seed/internal/lifecycle"
	"evalgo.org/seed/internal/orchestration"
	"evalgo.org/seed/models"
)

// Process exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitPartial = 2
	ExitAborted = 3
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit code for an error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// deployExit classifies the outcome of a deployment run.
func deployExit(report *models.DeploymentReport, err error) error {
	switch {
	case errors.Is(err, orchestration.ErrAborted), errors.Is(err, context.Canceled):
		return &ExitError{Code: ExitAborted, Err: err}
	case err != nil:
		return &ExitError{Code: ExitFailure, Err: err}
	case report != nil && report.Count(models.UnitFailed) > 0:
		return &ExitError{
			Code: ExitPartial,
			Err:  fmt.Errorf("%d of %d units failed", report.Count(models.UnitFailed), len(report.Units)),
		}
	}
	return nil
}

// lifecycleExit classifies the outcome of a lifecycle command.
func lifecycleExit(statuses []lifecycle.ServiceStatus, err error) error {
	switch {
	case errors.Is(err, lifecycle.ErrNotConfirmed), errors.Is(err, context.Canceled):
		return &ExitError{Code: ExitAborted, Err: err}
	case err != nil:
		return &ExitError{Code: ExitFailure, Err: err}
	case lifecycle.Failed(statuses):
		return &ExitError{Code: ExitPartial, Err: errors.New("some services did not respond as expected")}
	}
	return nil
}
