// Package config loads server configuration from defaults, an optional
// YAML file, the environment (and .env) and command-line flags, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	Port      int    `yaml:"port"`
	Env       string `yaml:"env"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// CORS
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	// Workspace and shell
	WorkspaceDir string `yaml:"workspace_dir"`
	ShellCommand string `yaml:"shell_command"`
	TermRows     int    `yaml:"term_rows"`
	TermCols     int    `yaml:"term_cols"`

	// Watch
	WatchCoalesceMS int      `yaml:"watch_coalesce_ms"`
	WatchIgnore     []string `yaml:"watch_ignore"`
	WatchMaxRetries int      `yaml:"watch_max_retries"`

	// Hub
	OutboxSize  int `yaml:"outbox_size"`
	HistorySize int `yaml:"history_size"`

	// Optional persistence
	JournalPath string `yaml:"journal_path"`
	RecordPath  string `yaml:"record_path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	shell := "bash"
	if runtime.GOOS == "windows" {
		shell = "powershell.exe"
	}

	return &Config{
		Port:               9000,
		Env:                "development",
		LogLevel:           "info",
		LogFormat:          "json",
		CORSAllowedOrigins: []string{"*"},
		WorkspaceDir:       "./user",
		ShellCommand:       shell,
		TermRows:           30,
		TermCols:           90,
		WatchCoalesceMS:    75,
		WatchIgnore:        []string{".git", "node_modules"},
		WatchMaxRetries:    5,
		OutboxSize:         256,
		HistorySize:        64 * 1024,
	}
}

// Load builds the configuration for a process started with args (without
// the program name). It returns pflag.ErrHelp if help was requested.
func Load(name string, args []string) (*Config, error) {
	// Load .env file if exists; real environment variables win.
	_ = godotenv.Load()

	flags := newFlags(name)
	if err := flags.set.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	configFile := getEnv("CONFIG_FILE", "")
	if flags.set.Changed("config") {
		configFile = flags.configFile
	}
	if configFile != "" {
		if err := cfg.loadFile(configFile); err != nil {
			return nil, err
		}
	}

	cfg.loadEnv()
	flags.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	c.Port = getEnvAsInt("PORT", c.Port)
	c.Env = getEnv("ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.CORSAllowedOrigins = getEnvAsSlice("CORS_ALLOWED_ORIGINS", c.CORSAllowedOrigins)
	c.WorkspaceDir = getEnv("WORKSPACE_DIR", c.WorkspaceDir)
	c.ShellCommand = getEnv("SHELL_COMMAND", c.ShellCommand)
	c.TermRows = getEnvAsInt("TERM_ROWS", c.TermRows)
	c.TermCols = getEnvAsInt("TERM_COLS", c.TermCols)
	c.WatchCoalesceMS = getEnvAsInt("WATCH_COALESCE_MS", c.WatchCoalesceMS)
	c.WatchIgnore = getEnvAsSlice("WATCH_IGNORE", c.WatchIgnore)
	c.WatchMaxRetries = getEnvAsInt("WATCH_MAX_RETRIES", c.WatchMaxRetries)
	c.OutboxSize = getEnvAsInt("OUTBOX_SIZE", c.OutboxSize)
	c.HistorySize = getEnvAsInt("HISTORY_SIZE", c.HistorySize)
	c.JournalPath = getEnv("JOURNAL_PATH", c.JournalPath)
	c.RecordPath = getEnv("RECORD_PATH", c.RecordPath)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if strings.TrimSpace(c.ShellCommand) == "" {
		errs = append(errs, errors.New("shell command is required"))
	}
	if c.WorkspaceDir == "" {
		errs = append(errs, errors.New("workspace directory is required"))
	}
	if c.TermRows <= 0 || c.TermRows > 0xFFFF || c.TermCols <= 0 || c.TermCols > 0xFFFF {
		errs = append(errs, fmt.Errorf("terminal size %dx%d is invalid", c.TermCols, c.TermRows))
	}
	if c.OutboxSize <= 0 {
		errs = append(errs, errors.New("outbox size must be positive"))
	}
	if c.HistorySize <= 0 {
		errs = append(errs, errors.New("history size must be positive"))
	}
	if c.WatchCoalesceMS < 0 {
		errs = append(errs, errors.New("watch coalesce window must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// CoalesceWindow returns the watch coalescing window.
func (c *Config) CoalesceWindow() time.Duration {
	return time.Duration(c.WatchCoalesceMS) * time.Millisecond
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

type flags struct {
	set *pflag.FlagSet

	configFile   string
	port         int
	workspaceDir string
	shellCommand string
	rows         int
	cols         int
	logLevel     string
	logFormat    string
	journalPath  string
	recordPath   string
}

func newFlags(name string) *flags {
	f := &flags{set: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	d := Default()

	f.set.StringVarP(&f.configFile, "config", "c", "", "path to a YAML config file (env: CONFIG_FILE)")
	f.set.IntVarP(&f.port, "port", "p", d.Port, "HTTP listen port (env: PORT)")
	f.set.StringVarP(&f.workspaceDir, "workspace", "w", d.WorkspaceDir, "workspace root directory (env: WORKSPACE_DIR)")
	f.set.StringVar(&f.shellCommand, "shell", d.ShellCommand, "shell command, may include arguments (env: SHELL_COMMAND)")
	f.set.IntVar(&f.rows, "rows", d.TermRows, "initial terminal rows (env: TERM_ROWS)")
	f.set.IntVar(&f.cols, "cols", d.TermCols, "initial terminal columns (env: TERM_COLS)")
	f.set.StringVar(&f.logLevel, "log-level", d.LogLevel, "log level (env: LOG_LEVEL)")
	f.set.StringVar(&f.logFormat, "log-format", d.LogFormat, "log format, json or pretty (env: LOG_FORMAT)")
	f.set.StringVar(&f.journalPath, "journal", "", "SQLite save journal path (env: JOURNAL_PATH)")
	f.set.StringVar(&f.recordPath, "record", "", "asciicast recording path (env: RECORD_PATH)")

	return f
}

// apply copies flags given on the command line over cfg.
func (f *flags) apply(cfg *Config) {
	if f.set.Changed("port") {
		cfg.Port = f.port
	}
	if f.set.Changed("workspace") {
		cfg.WorkspaceDir = f.workspaceDir
	}
	if f.set.Changed("shell") {
		cfg.ShellCommand = f.shellCommand
	}
	if f.set.Changed("rows") {
		cfg.TermRows = f.rows
	}
	if f.set.Changed("cols") {
		cfg.TermCols = f.cols
	}
	if f.set.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if f.set.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if f.set.Changed("journal") {
		cfg.JournalPath = f.journalPath
	}
	if f.set.Changed("record") {
		cfg.RecordPath = f.recordPath
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
