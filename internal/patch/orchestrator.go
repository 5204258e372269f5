// Package patch validates a unified diff and applies it to the project
// working tree through git.
//
// Apply runs a fixed sequence: extract paths, validate them against the
// root, capture the working tree diff, dry-run the patch, apply it, capture
// the diff again and list changed files. Validation always completes before
// git is invoked. Validation and the capture/check/apply/capture/list steps
// hold a single process-wide lock so two requests can never interleave a
// check with another request's apply, and a path validated for one request
// cannot be replaced by a link written by another before git runs.
package patch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"devbridge/internal/diffpaths"
	"devbridge/internal/gitexec"
	"devbridge/internal/pathsafe"
)

const successMessage = "diff applied."

// State names a step of the apply sequence.
type State int

const (
	StateStart State = iota
	StatePathsExtracted
	StatePathsValidated
	StateBeforeCaptured
	StateCheckPassed
	StateApplied
	StateAfterCaptured
	StateDone
	StateAborted
)

var stateNames = [...]string{
	StateStart:          "start",
	StatePathsExtracted: "paths_extracted",
	StatePathsValidated: "paths_validated",
	StateBeforeCaptured: "before_captured",
	StateCheckPassed:    "check_passed",
	StateApplied:        "applied",
	StateAfterCaptured:  "after_captured",
	StateDone:           "done",
	StateAborted:        "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Backend is the subset of git the sequence needs.
type Backend interface {
	Diff(ctx context.Context) (gitexec.Result, error)
	DiffNameOnly(ctx context.Context) (gitexec.Result, error)
	ApplyCheck(ctx context.Context, patch string) (gitexec.Result, error)
	Apply(ctx context.Context, patch string) (gitexec.Result, error)
}

// Outcome is the result of one apply request. When OK is false and the
// sequence stopped before the apply step, DiffAfter equals DiffBefore and
// nothing was written. Applied reports that the working tree was modified,
// which can be true for a failed request when a capture after the apply
// step failed; DiffAfter is then whatever was captured, possibly empty.
type Outcome struct {
	OK           bool
	Message      string
	ChangedFiles []string
	DiffBefore   string
	DiffAfter    string
	Paths        []string
	State        State
	Applied      bool
}

type Orchestrator struct {
	root    string
	backend Backend
	logger  *slog.Logger

	// mu serializes every sequence that touches the working tree.
	mu sync.Mutex

	unavailableOnce sync.Once
}

func NewOrchestrator(root string, backend Backend, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{root: root, backend: backend, logger: logger}
}

// Apply runs the full sequence for diffText. On failure the returned
// Outcome still carries whatever was captured and the error identifies the
// kind and the step. Once started, backend calls are not interrupted by
// cancellation of ctx.
func (o *Orchestrator) Apply(ctx context.Context, diffText string) (Outcome, error) {
	out := Outcome{ChangedFiles: []string{}, State: StateStart}

	if strings.TrimSpace(diffText) == "" {
		return o.abort(out, &StepError{Stage: StateStart, Kind: ErrEmptyDiff})
	}

	paths, err := diffpaths.Extract(diffText)
	if err != nil {
		return o.abort(out, &StepError{Stage: out.State, Kind: ErrPathSecurityViolation, Cause: err})
	}
	if paths.Len() == 0 {
		return o.abort(out, &StepError{Stage: StateStart, Kind: ErrNoPaths})
	}
	out.Paths = paths.Sorted()
	out.State = StatePathsExtracted

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := pathsafe.ValidateAgainstRoot(out.Paths, o.root); err != nil {
		return o.abort(out, &StepError{Stage: out.State, Kind: ErrPathSecurityViolation, Cause: err})
	}
	out.State = StatePathsValidated

	backendCtx := context.WithoutCancel(ctx)

	before, err := o.backend.Diff(backendCtx)
	if stepErr := o.checkBackend(out.State, "git diff", before, err); stepErr != nil {
		return o.abort(out, stepErr)
	}
	out.DiffBefore = before.Stdout
	out.DiffAfter = before.Stdout
	out.State = StateBeforeCaptured

	check, err := o.backend.ApplyCheck(backendCtx, diffText)
	if err != nil {
		return o.abort(out, o.unavailable(out.State, err))
	}
	if !check.OK() {
		out.Message = "git apply --check failed: " + check.Output()
		return o.abort(out, &StepError{Stage: out.State, Kind: ErrCheckFailed, Detail: check.Output()})
	}
	out.State = StateCheckPassed

	applied, err := o.backend.Apply(backendCtx, diffText)
	if err != nil {
		return o.abort(out, o.unavailable(out.State, err))
	}
	if !applied.OK() {
		out.Message = "git apply failed: " + applied.Output()
		return o.abort(out, &StepError{Stage: out.State, Kind: ErrApplyFailed, Detail: applied.Output()})
	}
	out.State = StateApplied
	out.Applied = true
	out.DiffAfter = ""

	after, err := o.backend.Diff(backendCtx)
	if stepErr := o.checkBackend(out.State, "git diff", after, err); stepErr != nil {
		return o.abort(out, stepErr)
	}
	out.DiffAfter = after.Stdout
	out.State = StateAfterCaptured

	names, err := o.backend.DiffNameOnly(backendCtx)
	if stepErr := o.checkBackend(out.State, "git diff --name-only", names, err); stepErr != nil {
		return o.abort(out, stepErr)
	}
	out.ChangedFiles = splitNonEmptyLines(names.Stdout)
	out.State = StateDone
	out.OK = true
	out.Message = successMessage

	o.logger.Info("patch applied",
		"paths", len(out.Paths),
		"changed_files", len(out.ChangedFiles),
	)
	return out, nil
}

func (o *Orchestrator) checkBackend(stage State, label string, result gitexec.Result, err error) *StepError {
	if err != nil {
		return o.unavailable(stage, err)
	}
	if !result.OK() {
		return &StepError{Stage: stage, Kind: ErrBackendIO, Detail: label + ": " + strings.TrimSpace(result.Stderr)}
	}
	return nil
}

func (o *Orchestrator) unavailable(stage State, err error) *StepError {
	o.unavailableOnce.Do(func() {
		o.logger.Error("git backend unavailable", "err", err)
	})
	return &StepError{Stage: stage, Kind: ErrBackendUnavailable, Cause: err}
}

func (o *Orchestrator) abort(out Outcome, stepErr *StepError) (Outcome, error) {
	out.OK = false
	out.ChangedFiles = []string{}
	if !out.Applied {
		out.DiffAfter = out.DiffBefore
	}
	if out.Message == "" {
		out.Message = abortMessage(stepErr)
		if out.Applied {
			out.Message = "diff applied, but reading the result failed: " + out.Message
		}
	}
	out.State = StateAborted
	level := slog.LevelWarn
	if !IsClientError(stepErr) {
		level = slog.LevelError
	}
	o.logger.Log(context.Background(), level, "patch aborted",
		"stage", stepErr.Stage.String(),
		"kind", stepErr.Kind.Error(),
		"detail", stepErr.Detail,
		"applied", out.Applied,
	)
	return out, stepErr
}

func abortMessage(stepErr *StepError) string {
	var violation *pathsafe.ViolationError
	switch {
	case errors.Is(stepErr, ErrEmptyDiff):
		return "diff_text is empty."
	case errors.Is(stepErr, ErrNoPaths):
		return "no paths detected in diff."
	case errors.As(stepErr, &violation):
		return fmt.Sprintf("invalid path in diff: %s (%s)", violation.Path, violation.Reason)
	case errors.Is(stepErr, ErrBackendUnavailable):
		return "git is not available: " + stepErr.Cause.Error()
	case errors.Is(stepErr, ErrBackendIO):
		return "git command failed: " + stepErr.Detail
	default:
		return stepErr.Error()
	}
}

func splitNonEmptyLines(text string) []string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

var _ Backend = (*gitexec.Runner)(nil)
