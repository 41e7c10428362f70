// Package install replaces an installed payload with a freshly downloaded
// release while leaving the player's preserved folders untouched.
//
// An install moves strictly through Downloading, Saving, Extracting, Merging,
// Finalizing and Complete. The version marker and the manifest are written
// last, so a run that fails part way leaves the payload reporting that it
// still needs an update.
package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/archive"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/fetch"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/fsmerge"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/logging"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/manifest"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/progress"
)

const (
	// ArchiveName is the temporary archive written into the payload root.
	ArchiveName = "client.zip"
	// scratchPattern names the extraction directory.
	scratchPattern = "clientsync-extract-*"
	// spaceFactor is how many times the archive size must be free on disk:
	// once for the archive and once for its extracted contents.
	spaceFactor = 2
)

// Downloader fetches an archive to a local file. *fetch.Fetcher implements it.
type Downloader interface {
	DownloadToFile(ctx context.Context, rawURL, destPath string, onProgress fetch.ProgressFunc) (int64, error)
	Stat(ctx context.Context, rawURL string) (int64, error)
}

// FreeSpaceFunc reports the free bytes on the filesystem holding path.
type FreeSpaceFunc func(ctx context.Context, path string) (uint64, error)

// DiskFree reads free space with gopsutil.
func DiskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Options configures an Installer.
type Options struct {
	Downloader Downloader
	Extractor  *archive.Extractor
	Builder    *manifest.Builder
	// FreeSpace defaults to DiskFree. Preflight is skipped when the archive
	// size is unknown or free space cannot be read.
	FreeSpace FreeSpaceFunc
	// ScratchDir is the parent of the extraction directory; empty means the
	// OS temp directory.
	ScratchDir string
	Logger     logging.Logger
}

// Installer performs full installs.
type Installer struct {
	downloader Downloader
	extractor  *archive.Extractor
	builder    *manifest.Builder
	freeSpace  FreeSpaceFunc
	scratchDir string
	logger     logging.Logger
}

// New creates an installer
func New(opts Options) (*Installer, error) {
	if opts.Downloader == nil {
		return nil, fmt.Errorf("Downloader is required")
	}
	logger := logging.OrNop(opts.Logger)
	if opts.Extractor == nil {
		opts.Extractor = archive.NewExtractor(logger)
	}
	if opts.Builder == nil {
		opts.Builder = manifest.NewBuilder(manifest.BuilderOptions{Logger: logger})
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = DiskFree
	}
	return &Installer{
		downloader: opts.Downloader,
		extractor:  opts.Extractor,
		builder:    opts.Builder,
		freeSpace:  opts.FreeSpace,
		scratchDir: opts.ScratchDir,
		logger:     logger,
	}, nil
}

// Request describes one install.
type Request struct {
	Root    string
	URL     string
	Version string
	Sink    progress.Sink
	// OnStage, when set, is called on entry to every stage. The launcher uses
	// it to journal how far a run got.
	OnStage func(progress.Stage)
}

// Result summarizes a completed install.
type Result struct {
	Version      string
	ArchiveBytes int64
	Removed      []string // top-level entries removed from the root
	Copied       []string // top-level entries copied from the archive
	Files        int      // files recorded in the new manifest
	Duration     time.Duration
}

// run carries the state of one install between steps.
type run struct {
	*Installer
	req         Request
	tracker     *progress.Tracker
	archivePath string
	scratch     string
}

func (r *run) enter(stage progress.Stage, percent int, format string, args ...interface{}) {
	if r.req.OnStage != nil {
		r.req.OnStage(stage)
	}
	r.tracker.Reportf(stage, percent, format, args...)
}

// cleanup removes the temporary archive and scratch directory. Safe to call
// more than once.
func (r *run) cleanup() {
	if r.scratch != "" {
		if err := os.RemoveAll(r.scratch); err != nil {
			r.logger.Warn("failed to remove scratch directory", "path", r.scratch, "error", err)
		}
		r.scratch = ""
	}
	if err := os.Remove(r.archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("failed to remove temporary archive", "path", r.archivePath, "error", err)
	}
}

// Install downloads req.URL and replaces the payload under req.Root.
func (i *Installer) Install(ctx context.Context, req Request) (*Result, error) {
	if req.Root == "" {
		return nil, fmt.Errorf("payload root is required")
	}
	if req.URL == "" {
		return nil, fmt.Errorf("download url is required")
	}
	if req.Version == "" {
		return nil, fmt.Errorf("version is required")
	}
	if i.scratchDir != "" && payload.Within(req.Root, i.scratchDir) {
		return nil, fmt.Errorf("scratch directory %s must not be inside payload root %s", i.scratchDir, req.Root)
	}

	start := time.Now()
	r := &run{
		Installer:   i,
		req:         req,
		tracker:     progress.NewTracker(req.Sink),
		archivePath: filepath.Join(req.Root, ArchiveName),
	}
	defer r.cleanup()

	i.logger.Info("install started", "root", req.Root, "version", req.Version, "url", req.URL)

	if err := os.MkdirAll(req.Root, 0755); err != nil {
		return nil, payload.IOError("create payload root", req.Root, err)
	}

	// A leftover archive from an earlier failed run must not be mistaken
	// for this run's bytes.
	if err := os.Remove(r.archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, payload.IOError("remove stale archive", r.archivePath, err)
	}

	size, err := r.download(ctx)
	if err != nil {
		return nil, err
	}

	if err := r.extract(); err != nil {
		return nil, err
	}

	removed, copied, err := r.merge()
	if err != nil {
		return nil, err
	}

	r.cleanup()

	files, err := r.finalize(ctx)
	if err != nil {
		return nil, err
	}

	r.enter(progress.StageComplete, 100, "client %s installed", req.Version)

	res := &Result{
		Version:      req.Version,
		ArchiveBytes: size,
		Removed:      removed,
		Copied:       copied,
		Files:        files,
		Duration:     time.Since(start),
	}
	i.logger.Info("install finished",
		"root", req.Root,
		"version", req.Version,
		"files", files,
		"duration", res.Duration.String())
	return res, nil
}

func (r *run) download(ctx context.Context) (int64, error) {
	r.enter(progress.StageDownloading, 0, "downloading client %s", r.req.Version)

	if err := r.preflight(ctx); err != nil {
		return 0, err
	}

	lastPct := -1
	size, err := r.downloader.DownloadToFile(ctx, r.req.URL, r.archivePath, func(p fetch.Progress) {
		pct := progress.Percent(p.BytesTransferred, p.BytesTotal)
		if pct == lastPct {
			return
		}
		lastPct = pct
		r.tracker.Reportf(progress.StageDownloading, pct, "downloading client %s: %s of %s",
			r.req.Version, formatBytes(p.BytesTransferred), formatBytes(p.BytesTotal))
	})
	if err != nil {
		return 0, err
	}

	r.enter(progress.StageSaving, 0, "checking downloaded archive")
	info, err := os.Stat(r.archivePath)
	if err != nil {
		return 0, payload.IOError("stat archive", r.archivePath, err)
	}
	if info.Size() == 0 {
		return 0, payload.EmptyPayloadError(r.archivePath)
	}
	r.tracker.Reportf(progress.StageSaving, 100, "archive saved (%s)", formatBytes(size))
	r.logger.Debug("archive saved", "path", r.archivePath, "bytes", size)
	return size, nil
}

// preflight fails early when the disk cannot hold the archive and its
// extracted contents.
func (r *run) preflight(ctx context.Context) error {
	size, err := r.downloader.Stat(ctx, r.req.URL)
	if err != nil {
		r.logger.Debug("archive size unavailable, skipping free space check", "url", r.req.URL, "error", err)
		return nil
	}
	if size <= 0 {
		return nil
	}
	free, err := r.freeSpace(ctx, r.req.Root)
	if err != nil {
		r.logger.Debug("free space unavailable, skipping check", "root", r.req.Root, "error", err)
		return nil
	}
	need := uint64(size) * spaceFactor
	if free < need {
		return payload.IOError("check free space", r.req.Root,
			fmt.Errorf("need %s, only %s available", formatBytes(int64(need)), formatBytes(int64(free))))
	}
	return nil
}

func (r *run) extract() error {
	r.enter(progress.StageExtracting, 0, "extracting archive")

	scratch, err := os.MkdirTemp(r.scratchDir, scratchPattern)
	if err != nil {
		return payload.IOError("create scratch directory", r.scratchDir, err)
	}
	r.scratch = scratch

	n, err := r.extractor.Extract(r.archivePath, scratch, func(done, total int) {
		if total > 0 {
			r.tracker.Reportf(progress.StageExtracting, progress.Percent(int64(done), int64(total)),
				"extracting archive: %d/%d entries", done, total)
		}
	})
	if err != nil {
		return err
	}

	r.tracker.Reportf(progress.StageExtracting, 100, "extracted %d files", n)
	return nil
}

// copyExcept is replaced in tests to fail part way through a merge.
var copyExcept = fsmerge.CopyExcept

func (r *run) merge() (removed, copied []string, err error) {
	r.enter(progress.StageMerging, 0, "removing old client files")

	// The archive has been fully consumed; drop it before the sweep so it is
	// not reported as a removed entry.
	if err := os.Remove(r.archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, payload.IOError("remove archive", r.archivePath, err)
	}

	removed, err = fsmerge.RemoveExcept(r.req.Root, payload.PreservedFolders)
	if err != nil {
		return nil, nil, err
	}
	r.logger.Debug("removed old entries", "root", r.req.Root, "entries", removed)
	r.tracker.Report(progress.StageMerging, 10, "copying new client files")

	copied, err = copyExcept(r.scratch, r.req.Root, payload.PreservedFolders, func(done, total int) {
		r.tracker.Reportf(progress.StageMerging, 10+90*done/total, "copying new client files: %d/%d", done, total)
	})
	if err != nil {
		return removed, copied, err
	}
	r.logger.Debug("copied new entries", "root", r.req.Root, "entries", copied)
	return removed, copied, nil
}

func (r *run) finalize(ctx context.Context) (int, error) {
	r.enter(progress.StageFinalizing, 0, "writing version marker")

	if err := manifest.WriteVersion(r.req.Root, r.req.Version); err != nil {
		return 0, err
	}

	r.tracker.Report(progress.StageFinalizing, 50, "generating checksums")
	m, err := r.builder.Regenerate(ctx, r.req.Root, r.req.Version)
	if err != nil {
		return 0, err
	}
	r.tracker.Report(progress.StageFinalizing, 100, "checksums written")
	return len(m.Files), nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
