package snapshot

import "strings"

var languageBySuffix = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".tsx":  "tsx",
	".jsx":  "jsx",
	".json": "json",
	".md":   "markdown",
	".html": "html",
	".css":  "css",
	".yml":  "yaml",
	".yaml": "yaml",
	".sh":   "bash",
	".ps1":  "powershell",
	".bat":  "bat",
	".txt":  "text",
	".toml": "toml",
	".rs":   "rust",
	".go":   "go",
	".java": "java",
	".c":    "c",
	".cpp":  "cpp",
}

// Language returns the fence label for a file name, or "" when the suffix
// is unknown.
func Language(name string) string {
	return languageBySuffix[strings.ToLower(suffixOf(name))]
}
