// Package pathsafe decides whether paths taken from untrusted input stay
// inside the project root. Every path extracted from a diff passes through
// ValidateAgainstRoot before git is invoked.
package pathsafe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NoFile is the diff header placeholder for the missing side of a created
// or deleted file. It is never checked for containment.
const NoFile = "/dev/null"

const (
	ReasonMalformed    = "malformed path"
	ReasonEscapesRoot  = "escapes root"
	ReasonNotDirectory = "not a directory"

	maxLinkHops = 40
)

var (
	ErrPathSecurityViolation = errors.New("pathsafe: path security violation")
	ErrRootInvalid           = errors.New("pathsafe: root is not usable")
)

// ViolationError names the offending path. It wraps ErrPathSecurityViolation.
type ViolationError struct {
	Path   string
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: %s: %q", ErrPathSecurityViolation.Error(), e.Reason, e.Path)
}

func (e *ViolationError) Unwrap() error {
	return ErrPathSecurityViolation
}

// IsSafeRelative reports whether p is a syntactically relative, slash
// separated path without parent references or a drive prefix. The path
// does not need to exist.
func IsSafeRelative(p string) bool {
	if p == "" {
		return false
	}
	if strings.HasPrefix(p, "/") {
		return false
	}
	segments := splitSegments(p)
	for _, segment := range segments {
		if segment == ".." {
			return false
		}
	}
	if len(segments) > 0 && strings.Contains(segments[0], ":") {
		return false
	}
	return true
}

func splitSegments(p string) []string {
	raw := strings.Split(p, "/")
	out := make([]string, 0, len(raw))
	for _, segment := range raw {
		if segment == "" || segment == "." {
			continue
		}
		out = append(out, segment)
	}
	return out
}

// ValidateAgainstRoot checks every path in paths. Paths other than NoFile
// must be safe relative paths whose canonical location, with symlinks
// resolved, is root or lies under it. The first failing path is reported.
func ValidateAgainstRoot(paths []string, root string) error {
	rootCanon, err := CanonicalRoot(root)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if p == NoFile {
			continue
		}
		if _, err := resolveInside(rootCanon, p); err != nil {
			return err
		}
	}
	return nil
}

// CanonicalRoot returns root as an absolute path with symlinks resolved.
func CanonicalRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("%w: empty root", ErrRootInvalid)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRootInvalid, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRootInvalid, err)
	}
	return resolved, nil
}

// ResolveScope turns a relative directory below root into the absolute
// directory to snapshot. An empty scope or "." selects root itself. The
// returned path is the lexical join, so a scope that is a symlink stays
// recognisable as one to the caller.
func ResolveScope(root, scope string) (string, error) {
	rootCanon, err := CanonicalRoot(root)
	if err != nil {
		return "", err
	}
	trimmed := strings.TrimSpace(scope)
	if trimmed == "" || trimmed == "." {
		return rootCanon, nil
	}
	if _, err := resolveInside(rootCanon, trimmed); err != nil {
		return "", err
	}
	joined := filepath.Join(rootCanon, filepath.FromSlash(trimmed))
	info, err := os.Stat(joined)
	if err != nil || !info.IsDir() {
		return "", &ViolationError{Path: scope, Reason: ReasonNotDirectory}
	}
	return joined, nil
}

func resolveInside(rootCanon, p string) (string, error) {
	if !IsSafeRelative(p) {
		return "", &ViolationError{Path: p, Reason: ReasonMalformed}
	}
	joined := filepath.Join(rootCanon, filepath.Join(splitSegments(p)...))
	resolved, err := canonicalize(joined, 0)
	if err != nil {
		return "", &ViolationError{Path: p, Reason: ReasonEscapesRoot}
	}
	if !isPathWithinRoot(rootCanon, resolved) {
		return "", &ViolationError{Path: p, Reason: ReasonEscapesRoot}
	}
	return resolved, nil
}

// canonicalize resolves symlinks in the longest existing prefix of p and
// appends the part that does not exist yet. Dangling links are followed
// through their target so they cannot smuggle a write outside the root.
func canonicalize(p string, hops int) (string, error) {
	if hops > maxLinkHops {
		return "", fmt.Errorf("too many links resolving %s", p)
	}
	rest := ""
	current := p
	for {
		if resolved, err := filepath.EvalSymlinks(current); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		if info, err := os.Lstat(current); err == nil && info.Mode()&os.ModeSymlink != 0 {
			target, readErr := os.Readlink(current)
			if readErr != nil {
				return "", readErr
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(current), target)
			}
			return canonicalize(filepath.Join(target, rest), hops+1)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Join(current, rest), nil
		}
		rest = filepath.Join(filepath.Base(current), rest)
		current = parent
	}
}

func isPathWithinRoot(rootAbs, candidateAbs string) bool {
	rel, err := filepath.Rel(rootAbs, candidateAbs)
	if err != nil {
		return false
	}
	normalized := filepath.ToSlash(rel)
	if normalized == "." {
		return true
	}
	return !strings.HasPrefix(normalized, "../") && normalized != ".."
}
