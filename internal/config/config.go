package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"devbridge/internal/snapshot"
)

const (
	envConfigFile    = "DEVBRIDGE_CONFIG"
	envRoot          = "DEVBRIDGE_ROOT"
	envPort          = "DEVBRIDGE_PORT"
	envMaxFileBytes  = "DEVBRIDGE_MAX_FILE_BYTES"
	envMaxTotalBytes = "DEVBRIDGE_MAX_TOTAL_BYTES"
	envMaxDiffBytes  = "DEVBRIDGE_MAX_DIFF_BYTES"
	envGitBinary     = "DEVBRIDGE_GIT"
	envLogLevel      = "DEVBRIDGE_LOG_LEVEL"
	envLogFormat     = "DEVBRIDGE_LOG_FORMAT"

	LoopbackHost           = "127.0.0.1"
	DefaultPortSearchStart = 17831
	DefaultPortSearchRange = 50
	DefaultMaxDiffBytes    = 8 << 20
)

// Config is built once at startup and passed by value afterwards.
type Config struct {
	Root            string
	Host            string
	Port            int
	PortSearchStart int
	PortSearchRange int
	MaxFileBytes    int
	MaxTotalBytes   int
	MaxDiffBytes    int64
	GitBinary       string
	LogLevel        string
	LogFormat       string
	ExcludeDirs     []string
	ExcludeFiles    []string
	ExcludeSuffixes []string
	ConfigFile      string
}

// fileConfig mirrors the optional YAML file. Pointer fields distinguish
// "absent" from zero.
type fileConfig struct {
	Root          string `yaml:"root"`
	Port          *int   `yaml:"port"`
	MaxFileBytes  *int   `yaml:"max_file_bytes"`
	MaxTotalBytes *int   `yaml:"max_total_bytes"`
	MaxDiffBytes  *int64 `yaml:"max_diff_bytes"`
	Git           string `yaml:"git"`
	Log           struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Exclude struct {
		Dirs     []string `yaml:"dirs"`
		Files    []string `yaml:"files"`
		Suffixes []string `yaml:"suffixes"`
	} `yaml:"exclude"`
}

type flagValues struct {
	configFile    string
	root          string
	port          int
	maxFileBytes  int
	maxTotalBytes int
	gitBinary     string
	logLevel      string
	logFormat     string
}

func Defaults() Config {
	return Config{
		Host:            LoopbackHost,
		PortSearchStart: DefaultPortSearchStart,
		PortSearchRange: DefaultPortSearchRange,
		MaxFileBytes:    snapshot.DefaultMaxFileBytes,
		MaxTotalBytes:   snapshot.DefaultMaxTotalBytes,
		MaxDiffBytes:    DefaultMaxDiffBytes,
		GitBinary:       "git",
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// newFlagSet declares the command line flags. Values are read back by Load
// only when the flag was set explicitly.
func newFlagSet(name string) (*pflag.FlagSet, *flagValues) {
	values := &flagValues{}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(&values.configFile, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&values.root, "root", "", "project root (default: current directory)")
	fs.IntVarP(&values.port, "port", "p", 0, "fixed port; 0 searches from 17831")
	fs.IntVar(&values.maxFileBytes, "max-file-bytes", 0, "per-file snapshot cap in bytes")
	fs.IntVar(&values.maxTotalBytes, "max-total-bytes", 0, "per-snapshot cap in bytes")
	fs.StringVar(&values.gitBinary, "git", "", "git executable")
	fs.StringVar(&values.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&values.logFormat, "log-format", "", "text or json")
	return fs, values
}

// Load resolves the configuration from defaults, the YAML file, the
// environment and args, later sources winning. A help request is reported
// as pflag.ErrHelp.
func Load(args []string) (Config, error) {
	fs, values := newFlagSet("devbridge")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if extra := fs.Args(); len(extra) > 0 {
		return Config{}, fmt.Errorf("unexpected argument: %s", extra[0])
	}

	cfg := Defaults()

	cfg.ConfigFile = strings.TrimSpace(os.Getenv(envConfigFile))
	if fs.Changed("config") {
		cfg.ConfigFile = strings.TrimSpace(values.configFile)
	}
	if cfg.ConfigFile != "" {
		file, err := loadFile(cfg.ConfigFile)
		if err != nil {
			return Config{}, err
		}
		applyFile(&cfg, file)
	}

	applyEnv(&cfg)
	applyFlags(&cfg, fs, values)

	root, err := resolveRoot(cfg.Root)
	if err != nil {
		return Config{}, err
	}
	cfg.Root = root

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string) (fileConfig, error) {
	var file fileConfig
	f, err := os.Open(path)
	if err != nil {
		return file, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return file, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return file, nil
}

func applyFile(cfg *Config, file fileConfig) {
	if root := strings.TrimSpace(file.Root); root != "" {
		cfg.Root = root
	}
	if file.Port != nil {
		cfg.Port = *file.Port
	}
	if file.MaxFileBytes != nil {
		cfg.MaxFileBytes = *file.MaxFileBytes
	}
	if file.MaxTotalBytes != nil {
		cfg.MaxTotalBytes = *file.MaxTotalBytes
	}
	if file.MaxDiffBytes != nil {
		cfg.MaxDiffBytes = *file.MaxDiffBytes
	}
	if git := strings.TrimSpace(file.Git); git != "" {
		cfg.GitBinary = git
	}
	if level := strings.TrimSpace(file.Log.Level); level != "" {
		cfg.LogLevel = level
	}
	if format := strings.TrimSpace(file.Log.Format); format != "" {
		cfg.LogFormat = format
	}
	cfg.ExcludeDirs = append(cfg.ExcludeDirs, file.Exclude.Dirs...)
	cfg.ExcludeFiles = append(cfg.ExcludeFiles, file.Exclude.Files...)
	cfg.ExcludeSuffixes = append(cfg.ExcludeSuffixes, file.Exclude.Suffixes...)
}

func applyEnv(cfg *Config) {
	if root := strings.TrimSpace(os.Getenv(envRoot)); root != "" {
		cfg.Root = root
	}
	if port, ok := parseEnvInt(envPort); ok {
		cfg.Port = port
	}
	if n, ok := parseEnvInt(envMaxFileBytes); ok {
		cfg.MaxFileBytes = n
	}
	if n, ok := parseEnvInt(envMaxTotalBytes); ok {
		cfg.MaxTotalBytes = n
	}
	if n, ok := parseEnvInt(envMaxDiffBytes); ok {
		cfg.MaxDiffBytes = int64(n)
	}
	if git := strings.TrimSpace(os.Getenv(envGitBinary)); git != "" {
		cfg.GitBinary = git
	}
	if level := strings.TrimSpace(os.Getenv(envLogLevel)); level != "" {
		cfg.LogLevel = level
	}
	if format := strings.TrimSpace(os.Getenv(envLogFormat)); format != "" {
		cfg.LogFormat = format
	}
}

func applyFlags(cfg *Config, fs *pflag.FlagSet, values *flagValues) {
	if fs.Changed("root") {
		cfg.Root = strings.TrimSpace(values.root)
	}
	if fs.Changed("port") {
		cfg.Port = values.port
	}
	if fs.Changed("max-file-bytes") {
		cfg.MaxFileBytes = values.maxFileBytes
	}
	if fs.Changed("max-total-bytes") {
		cfg.MaxTotalBytes = values.maxTotalBytes
	}
	if fs.Changed("git") {
		cfg.GitBinary = strings.TrimSpace(values.gitBinary)
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = values.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = values.logFormat
	}
}

// parseEnvInt ignores malformed values the same way a missing value is
// ignored, leaving the earlier source in effect.
func parseEnvInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("ignoring invalid environment value", "key", key, "value", raw)
		return 0, false
	}
	return n, true
}

func resolveRoot(raw string) (string, error) {
	root := strings.TrimSpace(raw)
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %s: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve root %s: %w", root, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat root %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("root %s is not a directory", resolved)
	}
	return resolved, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.PortSearchStart <= 0 || c.PortSearchStart+c.PortSearchRange > 65535 || c.PortSearchRange < 0 {
		errs = append(errs, fmt.Errorf("port search %d+%d out of range", c.PortSearchStart, c.PortSearchRange))
	}
	if c.MaxFileBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_file_bytes must be positive, got %d", c.MaxFileBytes))
	}
	if c.MaxTotalBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_total_bytes must be positive, got %d", c.MaxTotalBytes))
	}
	if c.MaxDiffBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_diff_bytes must be positive, got %d", c.MaxDiffBytes))
	}
	if strings.TrimSpace(c.GitBinary) == "" {
		errs = append(errs, errors.New("git binary must not be empty"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ExclusionRules builds the snapshot rules: defaults plus configured extras.
func (c Config) ExclusionRules() snapshot.ExclusionRules {
	return snapshot.DefaultRules(c.ExcludeDirs, c.ExcludeFiles, c.ExcludeSuffixes)
}

func (c Config) SnapshotLimits() snapshot.Limits {
	return snapshot.Limits{MaxFileBytes: c.MaxFileBytes, MaxTotalBytes: c.MaxTotalBytes}
}
