// Command clientsync keeps a game client installation up to date and intact:
// it checks the release server for a new version, installs it, verifies the
// installed files against their checksums, repairs what is damaged and
// starts the client.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/config"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/launcher"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/logging"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/metrics"
)

// Version will be set at build time via -ldflags
var Version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// session is the state shared by every command of one invocation.
type session struct {
	cfg      *config.Config
	logger   logging.Logger
	metrics  *metrics.Metrics
	launcher *launcher.Launcher
	out      io.Writer
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	s := &session{out: stdout}
	app := newApp(s)
	app.Writer = stdout
	app.ErrWriter = stderr

	err := app.RunContext(ctx, args)
	if s.logger != nil {
		logging.Sync(s.logger)
	}
	if err == nil {
		return 0
	}

	var exit cli.ExitCoder
	if errors.As(err, &exit) {
		if msg := exit.Error(); msg != "" {
			fmt.Fprintf(stderr, "Error: %s\n", msg)
		}
		return exit.ExitCode()
	}
	fmt.Fprintf(stderr, "Error: %s\n", config.FormatError(err, false))
	return 1
}

func newApp(s *session) *cli.App {
	return &cli.App{
		Name:    "clientsync",
		Usage:   "install, verify and repair the game client",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path of the Lua configuration file",
				EnvVars: []string{config.EnvConfig},
			},
			&cli.StringFlag{
				Name:  "payload-dir",
				Usage: "client installation directory (overrides the config file)",
			},
			&cli.StringFlag{
				Name:  "state-dir",
				Usage: "directory for the lock file and run journal (overrides the config file)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "console or json",
			},
			&cli.StringFlag{
				Name:  "metrics-file",
				Usage: "write Prometheus metrics to this textfile after the command",
			},
		},
		Before: s.setup,
		After:  s.teardown,
		// Exit codes are handled by run, never by os.Exit inside the library.
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			checkCommand(s),
			installCommand(s),
			verifyCommand(s),
			repairCommand(s),
			syncCommand(s),
			launchCommand(s),
			killCommand(s),
			statusCommand(s),
			manifestCommand(s),
		},
	}
}

// setup resolves the configuration and wires the launcher.
func (s *session) setup(c *cli.Context) error {
	cfg, err := config.Load(c.Context, config.LoadOptions{Path: c.String("config")})
	if err != nil {
		return err
	}

	overridden := false
	if v := c.String("payload-dir"); v != "" {
		cfg.PayloadDir, overridden = absPath(v), true
	}
	if v := c.String("state-dir"); v != "" {
		cfg.StateDir, overridden = absPath(v), true
	}
	if v := c.String("log-level"); v != "" {
		cfg.Log.Level, overridden = v, true
	}
	if v := c.String("log-format"); v != "" {
		cfg.Log.Format, overridden = v, true
	}
	if v := c.String("metrics-file"); v != "" {
		cfg.MetricsFile = v
	}
	if overridden {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid flags: %w", err)
		}
	}

	logger, err := logging.NewZap(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	s.cfg = cfg
	s.logger = logger
	s.metrics = metrics.New()

	l, err := launcher.NewFromConfig(cfg, logger, s.metrics)
	if err != nil {
		return err
	}
	s.launcher = l
	logger.Debug("configuration loaded",
		"payload_dir", cfg.PayloadDir,
		"state_dir", cfg.StateDir,
		"api_base_url", cfg.APIBaseURL)
	return nil
}

// teardown writes the metrics textfile when one is configured.
func (s *session) teardown(c *cli.Context) error {
	if s.cfg == nil || s.cfg.MetricsFile == "" {
		return nil
	}
	if err := s.metrics.WriteTextfile(s.cfg.MetricsFile); err != nil {
		s.logger.Warn("failed to write metrics", "path", s.cfg.MetricsFile, "error", err)
	}
	return nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
