// Package gitexec runs the git CLI against the project working tree. The
// process working directory is always the project root, so paths in diff
// headers resolve the same way they were validated.
package gitexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const DefaultBinary = "git"

// ErrBackendUnavailable means the git executable could not be found or
// started. Callers should not retry.
var ErrBackendUnavailable = errors.New("gitexec: backend unavailable")

// Result is the outcome of a git process that ran to completion. A non-zero
// ExitCode is not an error at this layer.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Output returns trimmed stderr, or trimmed stdout when stderr is empty.
func (r Result) Output() string {
	if msg := strings.TrimSpace(r.Stderr); msg != "" {
		return msg
	}
	return strings.TrimSpace(r.Stdout)
}

// Runner targets one working tree.
type Runner struct {
	binary string
	dir    string
}

func NewRunner(binary, dir string) *Runner {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultBinary
	}
	return &Runner{binary: binary, dir: dir}
}

// Run executes git with args in the working tree, feeding stdin when it is
// non-empty.
func (r *Runner) Run(ctx context.Context, stdin string, args ...string) (Result, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, r.binary, args...)
	command.Dir = r.dir
	command.Stdout = &stdout
	command.Stderr = &stderr
	if stdin != "" {
		command.Stdin = strings.NewReader(stdin)
	}

	err := command.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("%w: %s %s in %s: %v",
		ErrBackendUnavailable, r.binary, strings.Join(args, " "), r.dir, err)
}

// Diff returns the working tree diff against the index.
func (r *Runner) Diff(ctx context.Context) (Result, error) {
	return r.Run(ctx, "", "diff")
}

// DiffNameOnly lists the paths with unstaged changes.
func (r *Runner) DiffNameOnly(ctx context.Context) (Result, error) {
	return r.Run(ctx, "", "diff", "--name-only")
}

// ApplyCheck dry-runs patch without touching the tree.
func (r *Runner) ApplyCheck(ctx context.Context, patch string) (Result, error) {
	return r.Run(ctx, patch, "apply", "--check", "-")
}

func (r *Runner) Apply(ctx context.Context, patch string) (Result, error) {
	return r.Run(ctx, patch, "apply", "-")
}
