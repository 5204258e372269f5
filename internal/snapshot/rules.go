package snapshot

import (
	"strings"
)

// ExclusionRules lists what a snapshot never descends into or reads.
// Build it once at startup; it is not safe to modify while snapshots run.
type ExclusionRules struct {
	Dirs     map[string]struct{}
	Files    map[string]struct{}
	Suffixes map[string]struct{}
}

var (
	defaultExcludedDirs = []string{
		".git",
		".venv",
		"venv",
		"node_modules",
		"dist",
		"build",
		"__pycache__",
	}
	defaultExcludedFiles = []string{
		".env",
		"id_rsa",
		"id_rsa.pub",
	}
	defaultExcludedSuffixes = []string{
		".pyc",
		".log",
		".png",
		".jpg",
		".jpeg",
		".gif",
		".pdf",
		".zip",
		".exe",
		".dll",
		".pdb",
		".pem",
		".pfx",
	}
)

// DefaultRules returns the built-in rules extended with extra entries.
// Suffixes are matched case-insensitively and may be given with or without
// the leading dot.
func DefaultRules(extraDirs, extraFiles, extraSuffixes []string) ExclusionRules {
	rules := ExclusionRules{
		Dirs:     toSet(defaultExcludedDirs, extraDirs, strings.TrimSpace),
		Files:    toSet(defaultExcludedFiles, extraFiles, strings.TrimSpace),
		Suffixes: toSet(defaultExcludedSuffixes, extraSuffixes, normalizeSuffix),
	}
	return rules
}

func (r ExclusionRules) DirExcluded(name string) bool {
	_, ok := r.Dirs[name]
	return ok
}

func (r ExclusionRules) FileExcluded(name string) bool {
	if _, ok := r.Files[name]; ok {
		return true
	}
	suffix := strings.ToLower(suffixOf(name))
	if suffix == "" {
		return false
	}
	_, ok := r.Suffixes[suffix]
	return ok
}

func toSet(defaults, extra []string, normalize func(string) string) map[string]struct{} {
	out := make(map[string]struct{}, len(defaults)+len(extra))
	for _, group := range [][]string{defaults, extra} {
		for _, raw := range group {
			value := normalize(raw)
			if value == "" {
				continue
			}
			out[value] = struct{}{}
		}
	}
	return out
}

func normalizeSuffix(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return ""
	}
	if !strings.HasPrefix(value, ".") {
		value = "." + value
	}
	return value
}

// suffixOf returns the final extension of a base name, including the dot.
// Dotfiles such as ".env" and names ending in a dot have no suffix.
func suffixOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return ""
	}
	return name[idx:]
}
