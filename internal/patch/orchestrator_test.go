package patch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devbridge/internal/gitexec"
	"devbridge/internal/pathsafe"
)

const xPatch = "diff --git a/x.py b/x.py\n" +
	"--- a/x.py\n" +
	"+++ b/x.py\n" +
	"@@ -1 +1 @@\n" +
	"-print('old')\n" +
	"+print('new')\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	diffs      []gitexec.Result
	diffErr    error
	check      gitexec.Result
	checkErr   error
	apply      gitexec.Result
	applyErr   error
	names      gitexec.Result
	namesErr   error
	applyDelay time.Duration
	inFlight   atomic.Int32
	maxFlight  atomic.Int32
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) Diff(context.Context) (gitexec.Result, error) {
	f.record("diff")
	if f.diffErr != nil {
		return gitexec.Result{}, f.diffErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.diffs) == 0 {
		return gitexec.Result{}, nil
	}
	next := f.diffs[0]
	if len(f.diffs) > 1 {
		f.diffs = f.diffs[1:]
	}
	return next, nil
}

func (f *fakeBackend) DiffNameOnly(context.Context) (gitexec.Result, error) {
	f.record("diff --name-only")
	return f.names, f.namesErr
}

func (f *fakeBackend) ApplyCheck(context.Context, string) (gitexec.Result, error) {
	f.record("apply --check")
	return f.check, f.checkErr
}

func (f *fakeBackend) Apply(context.Context, string) (gitexec.Result, error) {
	f.record("apply")
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxFlight.Load()
		if current <= seen || f.maxFlight.CompareAndSwap(seen, current) {
			break
		}
	}
	if f.applyDelay > 0 {
		time.Sleep(f.applyDelay)
	}
	return f.apply, f.applyErr
}

func TestApplySuccessSequence(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		diffs: []gitexec.Result{{Stdout: "before"}, {Stdout: "after"}},
		names: gitexec.Result{Stdout: "x.py\n\nsrc/y.go\n"},
	}
	o := NewOrchestrator(t.TempDir(), backend, discardLogger())

	out, err := o.Apply(context.Background(), xPatch)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if !out.OK || out.Message != successMessage {
		t.Fatalf("outcome=%+v want ok", out)
	}
	if out.DiffBefore != "before" || out.DiffAfter != "after" {
		t.Fatalf("diff_before=%q diff_after=%q", out.DiffBefore, out.DiffAfter)
	}
	if !reflect.DeepEqual(out.ChangedFiles, []string{"x.py", "src/y.go"}) {
		t.Fatalf("changed_files=%v", out.ChangedFiles)
	}
	if !out.Applied || out.State != StateDone {
		t.Fatalf("state=%s want=%s", out.State, StateDone)
	}
	wantCalls := []string{"diff", "apply --check", "apply", "diff", "diff --name-only"}
	if got := backend.Calls(); !reflect.DeepEqual(got, wantCalls) {
		t.Fatalf("calls=%v want=%v", got, wantCalls)
	}
}

func TestApplyRejectsBeforeAnyBackendCall(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		diff string
		kind error
	}{
		{name: "empty", diff: "  \n", kind: ErrEmptyDiff},
		{name: "no headers", diff: "just some text\n", kind: ErrNoPaths},
		{name: "parent traversal", diff: "--- a/../secret.txt\n+++ b/../secret.txt\n", kind: ErrPathSecurityViolation},
		{name: "absolute", diff: "diff --git a//etc/passwd b//etc/passwd\n", kind: ErrPathSecurityViolation},
		{name: "one bad path among good", diff: "diff --git a/ok.txt b/ok.txt\n--- a/ok.txt\n+++ b/C:/evil\n", kind: ErrPathSecurityViolation},
		{name: "quoted traversal", diff: "--- \"a/../secret.txt\"\n+++ \"b/../secret.txt\"\n", kind: ErrPathSecurityViolation},
		{name: "unterminated quote", diff: "diff --git \"a/x.py b/x.py\n", kind: ErrPathSecurityViolation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			backend := &fakeBackend{}
			o := NewOrchestrator(t.TempDir(), backend, discardLogger())
			out, err := o.Apply(context.Background(), tc.diff)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("err=%v want=%v", err, tc.kind)
			}
			if !IsClientError(err) {
				t.Fatalf("IsClientError(%v)=false want=true", err)
			}
			if out.OK || len(out.ChangedFiles) != 0 {
				t.Fatalf("outcome=%+v want rejected", out)
			}
			if calls := backend.Calls(); len(calls) != 0 {
				t.Fatalf("backend calls=%v want none", calls)
			}
		})
	}
}

func TestApplySecurityViolationExposesPath(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(t.TempDir(), &fakeBackend{}, discardLogger())
	out, err := o.Apply(context.Background(), "--- a/../secret.txt\n+++ b/../secret.txt\n")
	if out.Message != `invalid path in diff: ../secret.txt (malformed path)` {
		t.Fatalf("message=%q", out.Message)
	}
	var violation *pathsafe.ViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected *pathsafe.ViolationError in %v", err)
	}
	if violation.Path != "../secret.txt" {
		t.Fatalf("path=%q want=%q", violation.Path, "../secret.txt")
	}
}

func TestApplyCheckFailureKeepsBeforeState(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		diffs: []gitexec.Result{{Stdout: "pending change"}},
		check: gitexec.Result{ExitCode: 1, Stderr: "error: patch failed: x.py:1\n"},
	}
	o := NewOrchestrator(t.TempDir(), backend, discardLogger())

	out, err := o.Apply(context.Background(), xPatch)
	if !errors.Is(err, ErrCheckFailed) {
		t.Fatalf("err=%v want=%v", err, ErrCheckFailed)
	}
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Stage != StateBeforeCaptured {
		t.Fatalf("stage=%v want=%s", stepErr, StateBeforeCaptured)
	}
	if out.DiffBefore != "pending change" || out.DiffAfter != out.DiffBefore {
		t.Fatalf("diff_before=%q diff_after=%q", out.DiffBefore, out.DiffAfter)
	}
	if !strings.Contains(out.Message, "patch failed: x.py:1") {
		t.Fatalf("message=%q does not carry git output", out.Message)
	}
	if got := backend.Calls(); !reflect.DeepEqual(got, []string{"diff", "apply --check"}) {
		t.Fatalf("calls=%v", got)
	}
}

func TestApplyCheckFailureFallsBackToStdout(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{check: gitexec.Result{ExitCode: 1, Stdout: "stdout reason"}}
	o := NewOrchestrator(t.TempDir(), backend, discardLogger())
	out, _ := o.Apply(context.Background(), xPatch)
	if out.Message != "git apply --check failed: stdout reason" {
		t.Fatalf("message=%q", out.Message)
	}
}

func TestApplyFailureAfterCheckIsServerError(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		diffs: []gitexec.Result{{Stdout: "before"}},
		apply: gitexec.Result{ExitCode: 1, Stderr: "error: unable to write file"},
	}
	o := NewOrchestrator(t.TempDir(), backend, discardLogger())

	out, err := o.Apply(context.Background(), xPatch)
	if !errors.Is(err, ErrApplyFailed) {
		t.Fatalf("err=%v want=%v", err, ErrApplyFailed)
	}
	if IsClientError(err) {
		t.Fatalf("apply failure must not be a client error")
	}
	if out.Applied {
		t.Fatalf("applied=true for a rejected apply")
	}
	if out.DiffAfter != "before" || out.DiffBefore != "before" {
		t.Fatalf("diff_before=%q diff_after=%q", out.DiffBefore, out.DiffAfter)
	}
}

func TestApplyBackendDiffFailure(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{diffs: []gitexec.Result{{ExitCode: 128, Stderr: "fatal: not a git repository"}}}
	o := NewOrchestrator(t.TempDir(), backend, discardLogger())

	_, err := o.Apply(context.Background(), xPatch)
	if !errors.Is(err, ErrBackendIO) {
		t.Fatalf("err=%v want=%v", err, ErrBackendIO)
	}
	if got := backend.Calls(); !reflect.DeepEqual(got, []string{"diff"}) {
		t.Fatalf("calls=%v want=[diff]", got)
	}
}

func TestApplyCaptureFailureAfterApplyReportsAppliedTree(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		backend   *fakeBackend
		wantAfter string
		wantCalls []string
	}{
		{
			name:      "second diff",
			backend:   &fakeBackend{diffs: []gitexec.Result{{Stdout: "before"}, {ExitCode: 128, Stderr: "fatal: index.lock"}}},
			wantAfter: "",
			wantCalls: []string{"diff", "apply --check", "apply", "diff"},
		},
		{
			name: "name only",
			backend: &fakeBackend{
				diffs: []gitexec.Result{{Stdout: "before"}, {Stdout: "after"}},
				names: gitexec.Result{ExitCode: 128, Stderr: "fatal: index.lock"},
			},
			wantAfter: "after",
			wantCalls: []string{"diff", "apply --check", "apply", "diff", "diff --name-only"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			o := NewOrchestrator(t.TempDir(), tc.backend, discardLogger())
			out, err := o.Apply(context.Background(), xPatch)
			if !errors.Is(err, ErrBackendIO) {
				t.Fatalf("err=%v want=%v", err, ErrBackendIO)
			}
			if out.OK || !out.Applied {
				t.Fatalf("ok=%v applied=%v want ok=false applied=true", out.OK, out.Applied)
			}
			if out.DiffBefore != "before" || out.DiffAfter != tc.wantAfter {
				t.Fatalf("diff_before=%q diff_after=%q want after=%q", out.DiffBefore, out.DiffAfter, tc.wantAfter)
			}
			if !strings.HasPrefix(out.Message, "diff applied, but reading the result failed: ") ||
				!strings.Contains(out.Message, "index.lock") {
				t.Fatalf("message=%q", out.Message)
			}
			if got := tc.backend.Calls(); !reflect.DeepEqual(got, tc.wantCalls) {
				t.Fatalf("calls=%v want=%v", got, tc.wantCalls)
			}
		})
	}
}

func TestApplyValidatesUnderLock(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(t.TempDir(), &fakeBackend{}, discardLogger())
	o.mu.Lock()

	done := make(chan error, 1)
	go func() {
		_, err := o.Apply(context.Background(), "--- a/../secret.txt\n+++ b/../secret.txt\n")
		done <- err
	}()

	select {
	case err := <-done:
		o.mu.Unlock()
		t.Fatalf("validation finished while another apply held the lock: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	o.mu.Unlock()

	select {
	case err := <-done:
		if !errors.Is(err, ErrPathSecurityViolation) {
			t.Fatalf("err=%v want=%v", err, ErrPathSecurityViolation)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("apply did not finish after the lock was released")
	}
}

func TestApplyBackendUnavailableStopsImmediately(t *testing.T) {
	t.Parallel()

	missing := fmt.Errorf("%w: exec: not found", gitexec.ErrBackendUnavailable)
	backend := &fakeBackend{diffErr: missing}
	o := NewOrchestrator(t.TempDir(), backend, discardLogger())

	for i := 0; i < 2; i++ {
		_, err := o.Apply(context.Background(), xPatch)
		if !errors.Is(err, ErrBackendUnavailable) {
			t.Fatalf("err=%v want=%v", err, ErrBackendUnavailable)
		}
	}
	if got := backend.Calls(); !reflect.DeepEqual(got, []string{"diff", "diff"}) {
		t.Fatalf("calls=%v want one diff per request", got)
	}
}

func TestApplySerializesConcurrentRequests(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{applyDelay: 20 * time.Millisecond}
	o := NewOrchestrator(t.TempDir(), backend, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Apply(context.Background(), xPatch); err != nil {
				t.Errorf("Apply: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := backend.maxFlight.Load(); got != 1 {
		t.Fatalf("max concurrent applies=%d want=1", got)
	}
	calls := backend.Calls()
	for i := 0; i+4 < len(calls); i += 5 {
		want := []string{"diff", "apply --check", "apply", "diff", "diff --name-only"}
		if !reflect.DeepEqual(calls[i:i+5], want) {
			t.Fatalf("interleaved sequence at %d: %v", i, calls)
		}
	}
}

func TestApplyIgnoresCancelledContextOnceStarted(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	o := NewOrchestrator(t.TempDir(), backend, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := o.Apply(ctx, xPatch); err != nil {
		t.Fatalf("Apply with cancelled ctx returned error: %v", err)
	}
}

func initGitRoot(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		command := exec.Command("git", args...)
		command.Dir = dir
		if output, err := command.CombinedOutput(); err != nil {
			t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, output)
		}
	}
	run("init", "-q")
	run("config", "user.email", "test@test.local")
	run("config", "user.name", "Test")
	run("config", "commit.gpgsign", "false")
	if err := os.WriteFile(filepath.Join(dir, "x.py"), []byte("print('old')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "x.py")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestApplyWithGitTwiceFailsSecondTime(t *testing.T) {
	t.Parallel()

	root := initGitRoot(t)
	o := NewOrchestrator(root, gitexec.NewRunner("", root), discardLogger())

	first, err := o.Apply(context.Background(), xPatch)
	if err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if !first.OK || !reflect.DeepEqual(first.ChangedFiles, []string{"x.py"}) {
		t.Fatalf("first outcome=%+v", first)
	}
	if first.DiffBefore != "" || !strings.Contains(first.DiffAfter, "+print('new')") {
		t.Fatalf("diff_before=%q diff_after=%q", first.DiffBefore, first.DiffAfter)
	}

	second, err := o.Apply(context.Background(), xPatch)
	if !errors.Is(err, ErrCheckFailed) {
		t.Fatalf("second err=%v want=%v", err, ErrCheckFailed)
	}
	if second.OK || second.DiffBefore != first.DiffAfter || second.DiffAfter != second.DiffBefore {
		t.Fatalf("second outcome=%+v", second)
	}
	content, err := os.ReadFile(filepath.Join(root, "x.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "print('new')\n" {
		t.Fatalf("x.py=%q want applied once", content)
	}
}

func TestApplyWithGitRejectsTraversalWithoutTouchingTree(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	root := filepath.Join(parent, "project")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	secret := filepath.Join(parent, "secret.txt")
	if err := os.WriteFile(secret, []byte("keep\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	backend := &fakeBackend{}
	o := NewOrchestrator(root, backend, discardLogger())

	diff := "--- a/../secret.txt\n+++ b/../secret.txt\n@@ -1 +1 @@\n-keep\n+owned\n"
	if _, err := o.Apply(context.Background(), diff); !errors.Is(err, ErrPathSecurityViolation) {
		t.Fatalf("err=%v want=%v", err, ErrPathSecurityViolation)
	}
	content, _ := os.ReadFile(secret)
	if string(content) != "keep\n" {
		t.Fatalf("secret.txt=%q want untouched", content)
	}
	if calls := backend.Calls(); len(calls) != 0 {
		t.Fatalf("backend calls=%v want none", calls)
	}
}
