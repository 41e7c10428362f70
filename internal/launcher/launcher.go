// Package launcher is the facade the CLI drives: it wires the update check,
// installer, verifier, repairer and process control for one payload root and
// adds the caller-level concerns around them (retry policy, mutation lock,
// running-client guard, run journal and metrics).
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/archive"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/clock"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/config"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/fetch"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/install"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/integrity"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/logging"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/manifest"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/metrics"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/process"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/remote"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/repair"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/retry"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/runlog"
)

// DefaultKeepRuns is how many journal entries survive pruning.
const DefaultKeepRuns = 20

var (
	// ErrNotReady is returned by Launch when the payload cannot be started.
	ErrNotReady = errors.New("client is not ready to launch")
	// ErrNoUpdate is returned by Sync when nothing is installed and the
	// release server could not be reached.
	ErrNoUpdate = errors.New("no installable version available")
)

// VersionSource answers the update check. *remote.Client implements it.
type VersionSource interface {
	Latest(ctx context.Context) (*remote.VersionInfo, error)
}

// RunningFunc lists processes named name running from inside root.
type RunningFunc func(ctx context.Context, root, name string) ([]process.Proc, error)

// StartFunc starts exe detached with dir as working directory.
type StartFunc func(exe, dir string, args ...string) (int, error)

// Options configures a Launcher. Root and StateDir are required; zero values
// select defaults for everything else.
type Options struct {
	Root        string // payload root
	StateDir    string // lock file and run journal
	Executable  string // relative to Root
	ProcessName string // empty disables the running-client guard

	Remote     VersionSource
	Downloader install.Downloader
	Builder    *manifest.Builder
	Verifier   *integrity.Verifier
	Extractor  *archive.Extractor
	FreeSpace  install.FreeSpaceFunc
	ScratchDir string

	InstallPolicy retry.Policy // zero value selects retry.DefaultInstallPolicy
	RepairPolicy  retry.Policy // zero value selects retry.DefaultRepairPolicy
	KeepRuns      int

	Metrics     *metrics.Metrics
	Clock       clock.Clock
	Logger      logging.Logger
	RunningFrom RunningFunc // defaults to process.RunningFrom
	Start       StartFunc   // defaults to process.Launch
}

// Launcher manages one payload root.
type Launcher struct {
	root        string
	stateDir    string
	executable  string
	processName string

	remote    VersionSource
	builder   *manifest.Builder
	verifier  *integrity.Verifier
	installer *install.Installer
	repairer  *repair.Repairer

	installPolicy retry.Policy
	repairPolicy  retry.Policy
	keepRuns      int

	metrics     *metrics.Metrics
	clock       clock.Clock
	logger      logging.Logger
	runningFrom RunningFunc
	start       StartFunc
}

// New creates a launcher
func New(opts Options) (*Launcher, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("Root is required")
	}
	if opts.StateDir == "" {
		return nil, fmt.Errorf("StateDir is required")
	}
	if payload.Within(opts.Root, opts.StateDir) {
		return nil, fmt.Errorf("StateDir %s must not be inside Root %s", opts.StateDir, opts.Root)
	}
	if opts.ScratchDir != "" && payload.Within(opts.Root, opts.ScratchDir) {
		return nil, fmt.Errorf("ScratchDir %s must not be inside Root %s", opts.ScratchDir, opts.Root)
	}
	if opts.Downloader == nil {
		return nil, fmt.Errorf("Downloader is required")
	}

	logger := logging.OrNop(opts.Logger)
	if opts.Extractor == nil {
		opts.Extractor = archive.NewExtractor(logger)
	}
	if opts.Builder == nil {
		opts.Builder = manifest.NewBuilder(manifest.BuilderOptions{Clock: opts.Clock, Logger: logger})
	}
	if opts.Verifier == nil {
		opts.Verifier = integrity.NewVerifier(integrity.Options{Logger: logger})
	}
	if opts.InstallPolicy.MaxAttempts == 0 {
		opts.InstallPolicy = retry.DefaultInstallPolicy()
	}
	if opts.RepairPolicy.MaxAttempts == 0 {
		opts.RepairPolicy = retry.DefaultRepairPolicy()
	}
	if opts.KeepRuns <= 0 {
		opts.KeepRuns = DefaultKeepRuns
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.RunningFrom == nil {
		opts.RunningFrom = process.RunningFrom
	}
	if opts.Start == nil {
		opts.Start = process.Launch
	}

	installer, err := install.New(install.Options{
		Downloader: opts.Downloader,
		Extractor:  opts.Extractor,
		Builder:    opts.Builder,
		FreeSpace:  opts.FreeSpace,
		ScratchDir: opts.ScratchDir,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create installer: %w", err)
	}
	repairer, err := repair.New(repair.Options{
		Downloader: opts.Downloader,
		Extractor:  opts.Extractor,
		ScratchDir: opts.ScratchDir,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create repairer: %w", err)
	}

	return &Launcher{
		root:          opts.Root,
		stateDir:      opts.StateDir,
		executable:    opts.Executable,
		processName:   opts.ProcessName,
		remote:        opts.Remote,
		builder:       opts.Builder,
		verifier:      opts.Verifier,
		installer:     installer,
		repairer:      repairer,
		installPolicy: opts.InstallPolicy,
		repairPolicy:  opts.RepairPolicy,
		keepRuns:      opts.KeepRuns,
		metrics:       opts.Metrics,
		clock:         clock.OrSystem(opts.Clock),
		logger:        logger,
		runningFrom:   opts.RunningFrom,
		start:         opts.Start,
	}, nil
}

// NewFromConfig wires a launcher from the resolved configuration.
func NewFromConfig(cfg *config.Config, logger logging.Logger, m *metrics.Metrics) (*Launcher, error) {
	logger = logging.OrNop(logger)
	fetcher := fetch.New(fetch.Options{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.HTTPTimeout,
		Logger:    logger,
	})
	apiTimeout := remote.DefaultTimeout
	if cfg.HTTPTimeout > 0 && cfg.HTTPTimeout < apiTimeout {
		apiTimeout = cfg.HTTPTimeout
	}
	return New(Options{
		Root:        cfg.PayloadDir,
		StateDir:    cfg.StateDir,
		Executable:  cfg.Executable,
		ProcessName: cfg.ProcessName,
		Remote: remote.New(cfg.APIBaseURL, remote.Options{
			HTTPClient: &http.Client{Timeout: apiTimeout},
			UserAgent:  cfg.UserAgent,
			Logger:     logger,
		}),
		Downloader: fetcher,
		Builder: manifest.NewBuilder(manifest.BuilderOptions{
			Concurrency: cfg.Concurrency,
			Logger:      logger,
		}),
		Verifier: integrity.NewVerifier(integrity.Options{
			BatchSize: cfg.VerifyBatch,
			Logger:    logger,
		}),
		InstallPolicy: cfg.InstallPolicy(),
		RepairPolicy:  cfg.RepairPolicy(),
		Metrics:       m,
		Logger:        logger,
	})
}

// Root returns the payload root.
func (l *Launcher) Root() string { return l.root }

// Metrics returns the registry the launcher records into.
func (l *Launcher) Metrics() *metrics.Metrics { return l.metrics }

func (l *Launcher) journalDir() string {
	return filepath.Join(l.stateDir, runlog.DirName)
}

// record finishes an operation's metrics.
func (l *Launcher) record(op string, start time.Time, err error) {
	l.metrics.RecordOperation(op, clock.Since(l.clock, start), err)
}

// CheckIntegrity compares the payload against its manifest. A missing root
// is reported as an invalid result with empty sets; an unreadable manifest is
// an error.
func (l *Launcher) CheckIntegrity(ctx context.Context) (payload.IntegrityResult, error) {
	start := l.clock.Now()
	result, err := l.verifier.Check(ctx, l.root)
	l.record(metrics.OpVerify, start, err)
	if err != nil {
		return result, err
	}
	l.metrics.SetIntegrity(result)
	return result, nil
}

// Inspect folds every verification outcome into one status.
func (l *Launcher) Inspect(ctx context.Context) (integrity.Report, error) {
	start := l.clock.Now()
	report, err := l.verifier.Inspect(ctx, l.root)
	l.record(metrics.OpVerify, start, err)
	if err != nil {
		return report, err
	}
	l.metrics.SetIntegrity(report.Result)
	if version, err := manifest.ReadVersion(l.root); err == nil {
		l.metrics.SetInstalled(version, report.Status)
	}
	return report, nil
}

// LastRun returns the most recent install or repair run.
func (l *Launcher) LastRun() (*runlog.Run, error) {
	return runlog.Latest(l.journalDir())
}

// RebuildManifest regenerates checksums.json from the files currently under
// the root, keeping the installed version.
func (l *Launcher) RebuildManifest(ctx context.Context) (*manifest.Manifest, error) {
	if err := l.ensureNotRunning(ctx, "rebuild manifest"); err != nil {
		return nil, err
	}
	lk, err := l.acquire("manifest", "")
	if err != nil {
		return nil, err
	}
	defer l.release(lk)

	version, err := manifest.ReadVersion(l.root)
	if err != nil {
		return nil, err
	}
	return l.builder.Regenerate(ctx, l.root, version)
}
