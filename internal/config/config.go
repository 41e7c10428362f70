// Package config loads the launcher configuration.
//
// Configuration is a Lua file evaluated in a sandbox with a read-only
// `platform` table available, so one file can serve every OS:
//
//	clientsync = {
//		api_base_url = "https://updates.example.com/api",
//		payload_dir  = platform.is_windows and "C:/Games/Client" or "/opt/client",
//		executable   = "bin/client" .. platform.exe_suffix,
//		retry        = { attempts = 3, delay_ms = 2000 },
//		log          = { level = "info", format = "console" },
//	}
//
// Every field is optional. Missing fields take the values of Defaults, and
// the CLIENTSYNC_* environment variables override the file.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/platform"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/retry"
)

// Default values.
const (
	DefaultConcurrency    = 16
	DefaultVerifyBatch    = 10
	DefaultAttempts       = 3
	DefaultRepairAttempts = 2
	DefaultRetryDelay     = 2 * time.Second
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
)

// Config is the resolved launcher configuration.
type Config struct {
	APIBaseURL  string
	PayloadDir  string
	StateDir    string
	Executable  string // relative to PayloadDir
	ProcessName string
	Concurrency int
	VerifyBatch int
	Retry       Retry
	HTTPTimeout time.Duration // 0 disables the overall request timeout
	UserAgent   string
	Log         Log
	MetricsFile string
}

// Retry configures caller-level retries.
type Retry struct {
	Attempts       int
	Delay          time.Duration
	RepairAttempts int
}

// Log configures the logger.
type Log struct {
	Level  string
	Format string
}

// DefaultDataDir returns the per-user directory holding the configuration
// file, the default payload root and the launcher state.
func DefaultDataDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config directory: %w", err)
	}
	return filepath.Join(dir, "clientsync"), nil
}

// Defaults returns the configuration used when a field is not set.
func Defaults(info *platform.Info, dataDir string) *Config {
	exe := info.DefaultExecutable()
	return &Config{
		PayloadDir:  filepath.Join(dataDir, "client"),
		StateDir:    filepath.Join(dataDir, "state"),
		Executable:  exe,
		ProcessName: path.Base(exe),
		Concurrency: DefaultConcurrency,
		VerifyBatch: DefaultVerifyBatch,
		Retry: Retry{
			Attempts:       DefaultAttempts,
			Delay:          DefaultRetryDelay,
			RepairAttempts: DefaultRepairAttempts,
		},
		Log: Log{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// InstallPolicy is the retry policy for full installs.
func (c *Config) InstallPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: c.Retry.Attempts, Delay: c.Retry.Delay}
}

// RepairPolicy is the retry policy for targeted repairs.
func (c *Config) RepairPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: c.Retry.RepairAttempts, Delay: c.Retry.Delay}
}

// ExecutablePath returns the absolute path of the client executable.
func (c *Config) ExecutablePath() string {
	return filepath.Join(c.PayloadDir, filepath.FromSlash(c.Executable))
}

// ApplyEnv overrides fields from the environment. getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvPayloadDir); v != "" {
		c.PayloadDir = v
	}
	if v := getenv(EnvStateDir); v != "" {
		c.StateDir = v
	}
}

// Validate checks the configuration for values the launcher cannot work with.
func (c *Config) Validate() error {
	if c.APIBaseURL != "" {
		u, err := url.Parse(c.APIBaseURL)
		if err != nil {
			return fmt.Errorf("api_base_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("api_base_url: scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return errors.New("api_base_url: missing host")
		}
	}
	if c.PayloadDir == "" || !filepath.IsAbs(c.PayloadDir) {
		return fmt.Errorf("payload_dir must be an absolute path, got %q", c.PayloadDir)
	}
	if c.StateDir == "" || !filepath.IsAbs(c.StateDir) {
		return fmt.Errorf("state_dir must be an absolute path, got %q", c.StateDir)
	}
	// Installs clear every non-preserved top-level entry of the payload dir,
	// which would take the lock and run journal with them.
	if payload.Within(c.PayloadDir, c.StateDir) {
		return fmt.Errorf("state_dir %q must not be inside payload_dir %q", c.StateDir, c.PayloadDir)
	}
	exe, ok := payload.CleanRel(c.Executable)
	if !ok {
		return fmt.Errorf("executable must be a path inside payload_dir, got %q", c.Executable)
	}
	if top, _, _ := strings.Cut(exe, "/"); payload.IsPreserved(top) {
		return fmt.Errorf("executable must not live in preserved folder %q", top)
	}
	if c.ProcessName == "" {
		return errors.New("process_name must not be empty")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.VerifyBatch < 1 {
		return fmt.Errorf("verify_batch must be at least 1, got %d", c.VerifyBatch)
	}
	if c.Retry.Attempts < 1 || c.Retry.RepairAttempts < 1 {
		return errors.New("retry attempts must be at least 1")
	}
	if c.Retry.Delay < 0 {
		return errors.New("retry.delay_ms must not be negative")
	}
	if c.HTTPTimeout < 0 {
		return errors.New("http_timeout_s must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// LoadOptions controls Load. Zero values select defaults.
type LoadOptions struct {
	Path     string                  // explicit config file; missing is an error
	DataDir  string                  // defaults to DefaultDataDir()
	Detector platform.Detector       // defaults to platform.NewDetector()
	Getenv   func(key string) string // defaults to os.Getenv
}

// Load resolves the configuration: defaults, then the Lua file, then the
// environment. The file is opts.Path, else $CLIENTSYNC_CONFIG, else
// clientsync.lua in the data directory. Only the last one may be absent.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	dataDir := opts.DataDir
	if dataDir == "" {
		d, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		dataDir = d
	}

	file, required := opts.Path, true
	if file == "" {
		file = getenv(EnvConfig)
	}
	if file == "" {
		file, required = filepath.Join(dataDir, FileName), false
	}

	parser := NewParser(opts.Detector, dataDir)
	code, err := os.ReadFile(file)
	var cfg *Config
	switch {
	case err == nil:
		cfg, err = parser.parse(ctx, string(code))
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", file, err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
		cfg, err = parser.Defaults(ctx)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.ApplyEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return nil, &ParseError{Message: "config validation failed", Detail: err.Error()}
	}
	return cfg, nil
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
