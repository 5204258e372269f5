// Package diffpaths recovers the file paths a unified diff touches by
// looking at its header lines only.
package diffpaths

import (
	"sort"
	"strconv"
	"strings"

	"devbridge/internal/pathsafe"
)

const (
	gitHeaderPrefix = "diff --git "
	oldFilePrefix   = "--- "
	newFilePrefix   = "+++ "
)

// Set is a deduplicated collection of paths.
type Set map[string]struct{}

func (s Set) add(p string) {
	if p == "" {
		return
	}
	s[p] = struct{}{}
}

func (s Set) Len() int {
	return len(s)
}

// Sorted returns the paths in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Extract scans diffText line by line and collects the old and new paths
// named by "diff --git", "---" and "+++" headers, with one a/ or b/ marker
// stripped. Paths git writes C-style quoted are unquoted first; a quoted
// path that cannot be unquoted yields a *pathsafe.ViolationError. The
// "/dev/null" placeholder is kept; callers decide what to do with it. Hunk
// bodies are not parsed.
func Extract(diffText string) (Set, error) {
	out := Set{}
	for _, line := range splitLines(diffText) {
		switch {
		case strings.HasPrefix(line, gitHeaderPrefix):
			tokens, err := headerTokens(strings.TrimPrefix(line, gitHeaderPrefix))
			if err != nil {
				return nil, err
			}
			if len(tokens) < 2 {
				continue
			}
			out.add(strings.TrimPrefix(tokens[0], "a/"))
			out.add(strings.TrimPrefix(tokens[1], "b/"))
		case strings.HasPrefix(line, oldFilePrefix), strings.HasPrefix(line, newFilePrefix):
			p, err := headerPath(line[len(oldFilePrefix):])
			if err != nil {
				return nil, err
			}
			out.add(p)
		}
	}
	return out, nil
}

// headerPath reads the path of a "---" or "+++" line. Anything after a tab
// is a timestamp.
func headerPath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, `"`) {
		tokens, err := headerTokens(raw)
		if err != nil || len(tokens) == 0 {
			return "", err
		}
		raw = tokens[0]
	} else if before, _, ok := strings.Cut(raw, "\t"); ok {
		raw = strings.TrimSpace(before)
	}
	if strings.HasPrefix(raw, "a/") {
		return strings.TrimPrefix(raw, "a/"), nil
	}
	return strings.TrimPrefix(raw, "b/"), nil
}

// headerTokens splits s on whitespace, treating a double-quoted run as one
// token and unquoting it.
func headerTokens(s string) ([]string, error) {
	var tokens []string
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return tokens, nil
		}
		if s[0] != '"' {
			end := strings.IndexAny(s, " \t")
			if end < 0 {
				end = len(s)
			}
			tokens = append(tokens, s[:end])
			s = s[end:]
			continue
		}
		end := closingQuote(s)
		if end < 0 {
			return nil, malformed(s)
		}
		token, err := strconv.Unquote(s[:end+1])
		if err != nil || token == "" {
			return nil, malformed(s[:end+1])
		}
		tokens = append(tokens, token)
		s = s[end+1:]
	}
}

func closingQuote(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

func malformed(token string) error {
	return &pathsafe.ViolationError{Path: token, Reason: pathsafe.ReasonMalformed}
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(text, "\n")
}
