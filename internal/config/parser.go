package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/platform"
)

// Parser evaluates Lua configuration on top of the platform defaults.
type Parser struct {
	detector platform.Detector
	dataDir  string
}

// NewParser creates a parser. A nil detector detects the running host.
// dataDir anchors the default payload and state directories.
func NewParser(detector platform.Detector, dataDir string) *Parser {
	if detector == nil {
		detector = platform.NewDetector()
	}
	return &Parser{detector: detector, dataDir: dataDir}
}

// ParseError represents a config parsing error with friendly message.
type ParseError struct {
	Message string // User-friendly message
	Detail  string // Technical details (raw Lua error)
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

// Defaults returns the configuration for the detected host without
// evaluating any Lua.
func (p *Parser) Defaults(ctx context.Context) (*Config, error) {
	info, err := p.detector.Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("platform detection failed: %w", err)
	}
	return Defaults(info, p.dataDir), nil
}

// ParseString parses and validates a Lua config held in memory.
func (p *Parser) ParseString(ctx context.Context, luaCode string) (*Config, error) {
	cfg, err := p.parse(ctx, luaCode)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ParseError{Message: "config validation failed", Detail: err.Error()}
	}
	return cfg, nil
}

// ParseFile parses and validates the Lua config at path.
func (p *Parser) ParseFile(ctx context.Context, path string) (*Config, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return p.ParseString(ctx, string(code))
}

// parse evaluates luaCode and merges the clientsync table over the defaults.
func (p *Parser) parse(ctx context.Context, luaCode string) (*Config, error) {
	info, err := p.detector.Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("platform detection failed: %w", err)
	}

	L, err := newSandboxedVM()
	if err != nil {
		return nil, err
	}
	defer L.Close()
	L.SetContext(ctx)

	if err := platform.InjectPlatformTable(L, info); err != nil {
		return nil, fmt.Errorf("inject platform table: %w", err)
	}

	if err := L.DoString(luaCode); err != nil {
		return nil, &ParseError{
			Message: "Lua syntax error",
			Detail:  err.Error(),
		}
	}

	cfg := Defaults(info, p.dataDir)
	if err := extractConfig(L, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// extractConfig copies the fields of the global clientsync table into cfg.
func extractConfig(L *lua.LState, cfg *Config) error {
	root := L.GetGlobal(luaGlobal)
	if root.Type() != lua.LTTable {
		return &ParseError{
			Message: "missing or invalid 'clientsync' table",
			Detail:  fmt.Sprintf("expected table, got %s", root.Type()),
		}
	}
	t := root.(*lua.LTable)
	x := extractor{}

	x.str(t, luaFieldAPIBaseURL, &cfg.APIBaseURL)
	if x.str(t, luaFieldPayloadDir, &cfg.PayloadDir) {
		cfg.PayloadDir = expandHome(cfg.PayloadDir)
	}
	if x.str(t, luaFieldStateDir, &cfg.StateDir) {
		cfg.StateDir = expandHome(cfg.StateDir)
	}
	exeSet := x.str(t, luaFieldExecutable, &cfg.Executable)
	if !x.str(t, luaFieldProcessName, &cfg.ProcessName) && exeSet {
		cfg.ProcessName = baseName(cfg.Executable)
	}
	x.int(t, luaFieldConcurrency, &cfg.Concurrency)
	x.int(t, luaFieldVerifyBatch, &cfg.VerifyBatch)
	x.str(t, luaFieldUserAgent, &cfg.UserAgent)
	x.str(t, luaFieldMetricsFile, &cfg.MetricsFile)
	if cfg.MetricsFile != "" {
		cfg.MetricsFile = expandHome(cfg.MetricsFile)
	}

	var timeout int
	if x.int(t, luaFieldHTTPTimeout, &timeout) {
		cfg.HTTPTimeout = time.Duration(timeout) * time.Second
	}

	if rt := x.table(t, luaFieldRetry); rt != nil {
		x.int(rt, luaFieldAttempts, &cfg.Retry.Attempts)
		x.int(rt, luaFieldRepairTries, &cfg.Retry.RepairAttempts)
		var ms int
		if x.int(rt, luaFieldDelayMS, &ms) {
			cfg.Retry.Delay = time.Duration(ms) * time.Millisecond
		}
	}

	if lt := x.table(t, luaFieldLog); lt != nil {
		if x.str(lt, luaFieldLevel, &cfg.Log.Level) {
			cfg.Log.Level = strings.ToLower(cfg.Log.Level)
		}
		if x.str(lt, luaFieldFormat, &cfg.Log.Format) {
			cfg.Log.Format = strings.ToLower(cfg.Log.Format)
		}
	}

	return x.err
}

// extractor reads typed fields and keeps the first type mismatch.
type extractor struct {
	err error
}

func (x *extractor) fail(key, want string, got lua.LValue) {
	if x.err == nil {
		x.err = &ParseError{
			Message: fmt.Sprintf("invalid field '%s'", key),
			Detail:  fmt.Sprintf("expected %s, got %s", want, got.Type()),
		}
	}
}

// str sets *dst when key holds a string and reports whether it did.
// nil leaves the default in place, so platform.when() can be used.
func (x *extractor) str(t *lua.LTable, key string, dst *string) bool {
	v := t.RawGetString(key)
	switch v.Type() {
	case lua.LTNil:
		return false
	case lua.LTString:
		*dst = strings.TrimSpace(v.String())
		return true
	default:
		x.fail(key, "string", v)
		return false
	}
}

func (x *extractor) int(t *lua.LTable, key string, dst *int) bool {
	v := t.RawGetString(key)
	switch v.Type() {
	case lua.LTNil:
		return false
	case lua.LTNumber:
		n := float64(lua.LVAsNumber(v))
		if n != math.Trunc(n) {
			x.fail(key, "integer", v)
			return false
		}
		*dst = int(n)
		return true
	default:
		x.fail(key, "number", v)
		return false
	}
}

func (x *extractor) table(t *lua.LTable, key string) *lua.LTable {
	v := t.RawGetString(key)
	switch v.Type() {
	case lua.LTNil:
		return nil
	case lua.LTTable:
		return v.(*lua.LTable)
	default:
		x.fail(key, "table", v)
		return nil
	}
}

func baseName(exe string) string {
	exe = strings.ReplaceAll(exe, "\\", "/")
	if i := strings.LastIndex(exe, "/"); i >= 0 {
		return exe[i+1:]
	}
	return exe
}

// FormatError formats a ParseError for user display.
// In verbose mode, show the raw Lua error. Otherwise, show friendly message.
func FormatError(err error, verbose bool) string {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		if verbose {
			return fmt.Sprintf("%s\n\nDetails:\n%s", parseErr.Message, parseErr.Detail)
		}
		detail := parseErr.Detail
		if idx := strings.Index(detail, "stack traceback"); idx > 0 {
			detail = strings.TrimSpace(detail[:idx])
		}
		return fmt.Sprintf("%s: %s", parseErr.Message, detail)
	}
	return err.Error()
}
