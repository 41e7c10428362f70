package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/install"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/integrity"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/manifest"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/metrics"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/process"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/progress"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/remote"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/repair"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/runlog"
)

// UpdateInfo is the answer to an update check. LatestVersion and
// DownloadURL are only set when an update is available.
type UpdateInfo struct {
	Available      bool   `json:"available"`
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version,omitempty"`
	DownloadURL    string `json:"download_url,omitempty"`
}

// CheckForUpdate compares the installed version marker with the version the
// release server publishes. Any difference counts as an update; versions are
// not ordered.
func (l *Launcher) CheckForUpdate(ctx context.Context) (*UpdateInfo, error) {
	info, _, err := l.checkForUpdate(ctx)
	return info, err
}

func (l *Launcher) checkForUpdate(ctx context.Context) (*UpdateInfo, *remote.VersionInfo, error) {
	start := l.clock.Now()
	info, latest, err := l.compareVersions(ctx)
	l.record(metrics.OpCheckUpdate, start, err)
	return info, latest, err
}

func (l *Launcher) compareVersions(ctx context.Context) (*UpdateInfo, *remote.VersionInfo, error) {
	if l.remote == nil {
		return nil, nil, remote.ErrNoBaseURL
	}
	current, err := manifest.ReadVersion(l.root)
	if err != nil {
		return nil, nil, err
	}
	latest, err := l.remote.Latest(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("check for update: %w", err)
	}

	info := &UpdateInfo{CurrentVersion: current}
	if latest.Version != current {
		info.Available = true
		info.LatestVersion = latest.Version
		info.DownloadURL = latest.DownloadURL
	}
	l.logger.Info("update check",
		"current", current,
		"latest", latest.Version,
		"available", info.Available)
	return info, latest, nil
}

// DownloadAndInstall installs version from url, retrying failed attempts
// per the install policy. A "retrying" snapshot is sent to sink before each
// new attempt.
func (l *Launcher) DownloadAndInstall(ctx context.Context, url, version string, sink progress.Sink) (*install.Result, error) {
	start := l.clock.Now()
	run := runlog.New(runlog.OperationInstall, version, url, nil, start)

	var res *install.Result
	err := l.mutate(ctx, run, l.installPolicy, sink, func(ctx context.Context, onStage func(progress.Stage)) error {
		r, err := l.installer.Install(ctx, install.Request{
			Root:    l.root,
			URL:     url,
			Version: version,
			Sink:    sink,
			OnStage: onStage,
		})
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	l.record(metrics.OpInstall, start, err)
	if err != nil {
		return nil, err
	}
	l.metrics.AddDownloadBytes(res.ArchiveBytes)
	l.metrics.SetInstalled(res.Version, payload.StatusReady)
	return res, nil
}

// RepairFiles restores paths from the archive at url, or from the current
// release when url is empty. An empty list is a no-op that touches neither
// the network nor the disk.
func (l *Launcher) RepairFiles(ctx context.Context, url string, paths []string, sink progress.Sink) (*repair.Result, error) {
	if len(paths) == 0 {
		return &repair.Result{}, nil
	}

	start := l.clock.Now()
	if url == "" {
		if l.remote == nil {
			return nil, remote.ErrNoBaseURL
		}
		latest, err := l.remote.Latest(ctx)
		if err != nil {
			l.record(metrics.OpRepair, start, err)
			return nil, fmt.Errorf("resolve repair archive: %w", err)
		}
		url = latest.DownloadURL
	}

	version, _ := manifest.ReadVersion(l.root)
	run := runlog.New(runlog.OperationRepair, version, url, paths, start)

	var res *repair.Result
	err := l.mutate(ctx, run, l.repairPolicy, sink, func(ctx context.Context, onStage func(progress.Stage)) error {
		r, err := l.repairer.Repair(ctx, repair.Request{
			Root:    l.root,
			URL:     url,
			Paths:   paths,
			Sink:    sink,
			OnStage: onStage,
		})
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	l.record(metrics.OpRepair, start, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Launch starts the client executable detached, with the payload root as its
// working directory, and returns its pid. Unless force is set the payload
// must verify as ready first.
func (l *Launcher) Launch(ctx context.Context, force bool, args ...string) (int, error) {
	start := l.clock.Now()
	pid, err := l.launch(ctx, force, args)
	l.record(metrics.OpLaunch, start, err)
	return pid, err
}

func (l *Launcher) launch(ctx context.Context, force bool, args []string) (int, error) {
	exe := filepath.Join(l.root, filepath.FromSlash(l.executable))
	info, err := os.Stat(exe)
	if err != nil || !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: executable %s not found", ErrNotReady, exe)
	}

	if !force {
		report, err := l.Inspect(ctx)
		if err != nil {
			return 0, err
		}
		if report.Status != payload.StatusReady {
			return 0, fmt.Errorf("%w: payload is %s", ErrNotReady, report.Status)
		}
	}

	pid, err := l.start(exe, l.root, args...)
	if err != nil {
		return 0, fmt.Errorf("launch client: %w", err)
	}
	l.logger.Info("client launched", "exe", exe, "pid", pid, "forced", force)
	return pid, nil
}

// Kill terminates every running process with the configured client name.
func (l *Launcher) Kill(ctx context.Context) (int, error) {
	if l.processName == "" {
		return 0, process.ErrNotRunning
	}
	return process.KillByName(ctx, l.processName)
}

// SyncResult describes what Sync did. Install and Repair are nil when the
// step was not needed.
type SyncResult struct {
	Update  *UpdateInfo      `json:"update,omitempty"`
	Install *install.Result  `json:"install,omitempty"`
	Repair  *repair.Result   `json:"repair,omitempty"`
	Report  integrity.Report `json:"report"`
	Offline bool             `json:"offline"`
}

// Sync brings the payload to the published version and a verified state:
// check for an update, install when stale or unusable, verify, and repair
// what verification found. When the release server is unreachable an
// installed payload is only verified.
func (l *Launcher) Sync(ctx context.Context, sink progress.Sink) (*SyncResult, error) {
	res := &SyncResult{}

	update, latest, checkErr := l.checkForUpdate(ctx)
	if checkErr != nil {
		l.logger.Warn("update check failed, continuing offline", "error", checkErr)
		res.Offline = true
	}
	res.Update = update

	report, err := l.Inspect(ctx)
	if err != nil {
		return res, err
	}

	if (update != nil && update.Available) || report.Status.NeedsInstall() {
		if latest == nil {
			return res, fmt.Errorf("%w: %s: %v", ErrNoUpdate, report.Status, checkErr)
		}
		inst, err := l.DownloadAndInstall(ctx, latest.DownloadURL, latest.Version, sink)
		if err != nil {
			return res, err
		}
		res.Install = inst
		if report, err = l.Inspect(ctx); err != nil {
			return res, err
		}
	}

	if report.Status == payload.StatusDamaged {
		url := ""
		if latest != nil {
			url = latest.DownloadURL
		}
		if url == "" {
			res.Report = report
			return res, fmt.Errorf("repair %d files: %w", len(report.Result.Damaged()), errors.Join(ErrNoUpdate, checkErr))
		}
		rep, err := l.RepairFiles(ctx, url, report.Result.Damaged(), sink)
		if err != nil {
			res.Report = report
			return res, err
		}
		res.Repair = rep
		if report, err = l.Inspect(ctx); err != nil {
			return res, err
		}
	}

	res.Report = report
	return res, nil
}
