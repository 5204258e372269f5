// Package snapshot renders a bounded text document from a directory tree.
//
// The walk is top-down: the files of a directory are considered before its
// subdirectories, entries in name order. Symlinks are never followed. Two
// byte budgets bound the output: MaxFileBytes per embedded file and
// MaxTotalBytes for the sum of embedded contents. Reaching the total budget
// stops the walk outright; later files are not considered even if they
// would fit.
package snapshot

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

const (
	DefaultMaxFileBytes  = 200 * 1024
	DefaultMaxTotalBytes = 2 * 1024 * 1024

	headerTitle     = "### Project Snapshot"
	headerNote      = "Note: local use only; sensitive files are excluded."
	headerSeparator = "----"
	truncatedNotice = "[INFO] Total size limit reached; remaining files were omitted."
	timestampLayout = "2006-01-02 15:04:05"
	blockSeparator  = "\n\n"
)

var errNotText = errors.New("snapshot: file is not valid UTF-8 text")

type Limits struct {
	MaxFileBytes  int
	MaxTotalBytes int
}

func defaultLimits() Limits {
	return Limits{MaxFileBytes: DefaultMaxFileBytes, MaxTotalBytes: DefaultMaxTotalBytes}
}

// Meta describes what a snapshot contains. Path lists are slash separated
// and relative to the project root. Digest covers every other field and the
// embedded contents, so equal digests mean equal responses apart from the
// generation time.
type Meta struct {
	Root            string   `json:"root"`
	Scope           string   `json:"scope"`
	FileCount       int      `json:"file_count"`
	TotalBytes      int      `json:"total_bytes"`
	SkippedFiles    []string `json:"skipped_files"`
	UnreadableFiles []string `json:"unreadable_files"`
	TruncatedFiles  []string `json:"truncated_files"`
	TruncatedTotal  bool     `json:"truncated_total"`
	Digest          string   `json:"digest"`
}

type Result struct {
	Text string
	Meta Meta
}

type Builder struct {
	root   string
	rules  ExclusionRules
	limits Limits
	now    func() time.Time
}

// NewBuilder returns a Builder for the canonical project root. Non-positive
// limits fall back to the defaults.
func NewBuilder(root string, rules ExclusionRules, limits Limits) *Builder {
	if limits.MaxFileBytes <= 0 {
		limits.MaxFileBytes = DefaultMaxFileBytes
	}
	if limits.MaxTotalBytes <= 0 {
		limits.MaxTotalBytes = DefaultMaxTotalBytes
	}
	return &Builder{root: root, rules: rules, limits: limits, now: time.Now}
}

// Build walks scope, which must be root or a directory below it.
func (b *Builder) Build(scope string) Result {
	acc := newAccumulator(b, scope)
	acc.walkDir(scope)
	return acc.result(b.now())
}

// accumulator carries the walk state. stopped is set once the total budget
// is exhausted and is checked before every candidate file.
type accumulator struct {
	builder *Builder
	meta    Meta
	blocks  []string
	hasher  *blake3.Hasher
	stopped bool
}

func newAccumulator(b *Builder, scope string) *accumulator {
	return &accumulator{
		builder: b,
		meta: Meta{
			Root:            b.root,
			Scope:           scope,
			SkippedFiles:    []string{},
			UnreadableFiles: []string{},
			TruncatedFiles:  []string{},
		},
		hasher: blake3.New(),
	}
}

type fileCandidate struct {
	path      string
	name      string
	isSymlink bool
}

func (a *accumulator) walkDir(dir string) {
	if info, err := os.Lstat(dir); err != nil || info.Mode()&os.ModeSymlink != 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	files := make([]fileCandidate, 0, len(entries))
	subdirs := make([]string, 0)
	for _, entry := range entries {
		name := entry.Name()
		fullPath := filepath.Join(dir, name)
		switch {
		case entry.Type()&os.ModeSymlink != 0:
			// Links to directories are dropped silently; links to anything
			// else are reported as skipped files.
			if target, statErr := os.Stat(fullPath); statErr == nil && target.IsDir() {
				continue
			}
			files = append(files, fileCandidate{path: fullPath, name: name, isSymlink: true})
		case entry.IsDir():
			if a.builder.rules.DirExcluded(name) {
				continue
			}
			subdirs = append(subdirs, fullPath)
		default:
			files = append(files, fileCandidate{path: fullPath, name: name})
		}
	}

	for _, candidate := range files {
		a.considerFile(candidate)
		if a.stopped {
			return
		}
	}
	for _, subdir := range subdirs {
		a.walkDir(subdir)
		if a.stopped {
			return
		}
	}
}

func (a *accumulator) considerFile(candidate fileCandidate) {
	rel := a.relative(candidate.path)
	limits := a.builder.limits

	if candidate.isSymlink || a.builder.rules.FileExcluded(candidate.name) {
		a.meta.SkippedFiles = append(a.meta.SkippedFiles, rel)
		return
	}
	info, err := os.Stat(candidate.path)
	if err != nil || !info.Mode().IsRegular() {
		a.meta.SkippedFiles = append(a.meta.SkippedFiles, rel)
		return
	}
	if a.meta.TotalBytes >= limits.MaxTotalBytes {
		a.stop()
		return
	}

	content, truncated, err := readText(candidate.path, limits.MaxFileBytes)
	if err != nil {
		if errors.Is(err, errNotText) {
			a.meta.UnreadableFiles = append(a.meta.UnreadableFiles, rel)
		} else {
			a.meta.SkippedFiles = append(a.meta.SkippedFiles, rel)
		}
		return
	}
	if truncated {
		a.meta.TruncatedFiles = append(a.meta.TruncatedFiles, rel)
	}
	if a.meta.TotalBytes+len(content) > limits.MaxTotalBytes {
		a.stop()
		return
	}

	a.meta.TotalBytes += len(content)
	a.meta.FileCount++
	_, _ = a.hasher.Write([]byte(rel))
	_, _ = a.hasher.Write([]byte{0})
	_, _ = a.hasher.Write(content)
	_, _ = a.hasher.Write([]byte{0})
	a.blocks = append(a.blocks, renderBlock(candidate.path, Language(candidate.name), content))
}

func (a *accumulator) stop() {
	a.meta.TruncatedTotal = true
	a.stopped = true
}

func (a *accumulator) relative(path string) string {
	rel, err := filepath.Rel(a.builder.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (a *accumulator) result(generatedAt time.Time) Result {
	header := strings.Join([]string{
		headerTitle,
		"Generated: " + generatedAt.Format(timestampLayout),
		"Root: " + a.meta.Root,
		"Scope: " + a.meta.Scope,
		headerNote,
		headerSeparator,
	}, "\n")

	chunks := make([]string, 0, len(a.blocks)+2)
	chunks = append(chunks, header)
	chunks = append(chunks, a.blocks...)
	if a.meta.TruncatedTotal {
		chunks = append(chunks, truncatedNotice)
	}

	meta := a.meta
	meta.Digest = a.digest()
	return Result{Text: strings.Join(chunks, blockSeparator), Meta: meta}
}

func (a *accumulator) digest() string {
	h := blake3.New()
	field := func(s string) {
		_, _ = h.Write(binary.AppendUvarint(nil, uint64(len(s))))
		_, _ = h.Write([]byte(s))
	}
	field(a.meta.Root)
	field(a.meta.Scope)
	for _, list := range [][]string{a.meta.SkippedFiles, a.meta.UnreadableFiles, a.meta.TruncatedFiles} {
		_, _ = h.Write(binary.AppendUvarint(nil, uint64(len(list))))
		for _, p := range list {
			field(p)
		}
	}
	if a.meta.TruncatedTotal {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(a.hasher.Sum(nil))
	return hex.EncodeToString(h.Sum(nil))
}

func renderBlock(path, language string, content []byte) string {
	var sb strings.Builder
	sb.Grow(len(path) + len(language) + len(content) + 16)
	sb.WriteString("FILE: ")
	sb.WriteString(path)
	sb.WriteString("\n```")
	sb.WriteString(language)
	sb.WriteString("\n")
	sb.Write(content)
	sb.WriteString("\n```")
	return sb.String()
}

// readText reads at most maxBytes of path. Longer files are cut at a rune
// boundary at or below maxBytes and reported as truncated. Content that is
// not UTF-8 yields errNotText.
func readText(path string, maxBytes int) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)+1))
	if err != nil {
		return nil, false, err
	}
	truncated := len(raw) > maxBytes
	if truncated {
		raw = trimPartialRune(raw[:maxBytes])
	}
	if !utf8.Valid(raw) {
		return nil, false, errNotText
	}
	return raw, truncated, nil
}

func trimPartialRune(b []byte) []byte {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		if !utf8.RuneStart(b[len(b)-i]) {
			continue
		}
		if !utf8.FullRune(b[len(b)-i:]) {
			return b[:len(b)-i]
		}
		return b
	}
	return b
}
