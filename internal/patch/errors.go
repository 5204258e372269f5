package patch

import (
	"errors"
	"fmt"

	"devbridge/internal/gitexec"
	"devbridge/internal/pathsafe"
)

// Error kinds. Every error returned by Orchestrator.Apply matches exactly
// one of them with errors.Is.
var (
	ErrEmptyDiff             = errors.New("patch: diff_text is empty")
	ErrNoPaths               = errors.New("patch: no paths detected in diff")
	ErrPathSecurityViolation = pathsafe.ErrPathSecurityViolation
	ErrCheckFailed           = errors.New("patch: apply check failed")
	ErrApplyFailed           = errors.New("patch: apply failed after check passed")
	ErrBackendUnavailable    = gitexec.ErrBackendUnavailable
	ErrBackendIO             = errors.New("patch: backend call failed")
)

// StepError records the state the sequence had reached when it aborted.
type StepError struct {
	Stage  State
	Kind   error
	Cause  error
	Detail string
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%s (after %s)", e.Kind.Error(), e.Stage)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *StepError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// IsClientError reports whether err was caused by the request rather than
// by the backend.
func IsClientError(err error) bool {
	return errors.Is(err, ErrEmptyDiff) ||
		errors.Is(err, ErrNoPaths) ||
		errors.Is(err, ErrPathSecurityViolation) ||
		errors.Is(err, ErrCheckFailed)
}
