// Package repair restores individual payload files from a freshly downloaded
// release archive without touching anything else under the payload root.
package repair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/archive"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/fetch"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/fsmerge"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/logging"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/progress"
)

const (
	// ArchiveName is the temporary archive written into the payload root.
	ArchiveName    = "temp-repair.zip"
	scratchPattern = "clientsync-repair-*"
)

// Downloader fetches an archive to a local file. *fetch.Fetcher implements it.
type Downloader interface {
	DownloadToFile(ctx context.Context, rawURL, destPath string, onProgress fetch.ProgressFunc) (int64, error)
}

// Options configures a Repairer.
type Options struct {
	Downloader Downloader
	Extractor  *archive.Extractor
	ScratchDir string // parent of the extraction directory; empty means the OS temp dir
	Logger     logging.Logger
}

// Repairer restores damaged files.
type Repairer struct {
	downloader Downloader
	extractor  *archive.Extractor
	scratchDir string
	logger     logging.Logger
}

// New creates a repairer
func New(opts Options) (*Repairer, error) {
	if opts.Downloader == nil {
		return nil, fmt.Errorf("Downloader is required")
	}
	logger := logging.OrNop(opts.Logger)
	if opts.Extractor == nil {
		opts.Extractor = archive.NewExtractor(logger)
	}
	return &Repairer{
		downloader: opts.Downloader,
		extractor:  opts.Extractor,
		scratchDir: opts.ScratchDir,
		logger:     logger,
	}, nil
}

// Request describes one repair.
type Request struct {
	Root  string
	URL   string
	Paths []string // forward-slash paths relative to Root
	Sink  progress.Sink
	// OnStage, when set, is called on entry to every stage.
	OnStage func(progress.Stage)
}

// Result lists what a repair did.
type Result struct {
	Requested int
	Repaired  []string
	// Skipped holds requested paths that were not restored: absent from the
	// archive, outside the root, or inside a preserved folder.
	Skipped []string
}

// Repair downloads req.URL and overwrites each requested path with its copy
// from the archive. An empty path list returns immediately without any
// network or filesystem access.
func (r *Repairer) Repair(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Requested: len(req.Paths)}
	if len(req.Paths) == 0 {
		return res, nil
	}
	if req.Root == "" {
		return nil, fmt.Errorf("payload root is required")
	}
	if req.URL == "" {
		return nil, fmt.Errorf("download url is required")
	}
	if r.scratchDir != "" && payload.Within(req.Root, r.scratchDir) {
		return nil, fmt.Errorf("scratch directory %s must not be inside payload root %s", r.scratchDir, req.Root)
	}

	tracker := progress.NewTracker(req.Sink)
	enter := func(stage progress.Stage, percent int, format string, args ...interface{}) {
		if req.OnStage != nil {
			req.OnStage(stage)
		}
		tracker.Reportf(stage, percent, format, args...)
	}

	archivePath := filepath.Join(req.Root, ArchiveName)
	var scratch string
	defer func() {
		if scratch != "" {
			if err := os.RemoveAll(scratch); err != nil {
				r.logger.Warn("failed to remove scratch directory", "path", scratch, "error", err)
			}
		}
		if err := os.Remove(archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("failed to remove temporary archive", "path", archivePath, "error", err)
		}
	}()

	r.logger.Info("repair started", "root", req.Root, "files", len(req.Paths))

	if err := os.MkdirAll(req.Root, 0755); err != nil {
		return nil, payload.IOError("create payload root", req.Root, err)
	}

	enter(progress.StageDownloading, 0, "downloading repair archive")
	lastPct := -1
	if _, err := r.downloader.DownloadToFile(ctx, req.URL, archivePath, func(p fetch.Progress) {
		pct := progress.Percent(p.BytesTransferred, p.BytesTotal)
		if pct != lastPct {
			lastPct = pct
			tracker.Reportf(progress.StageDownloading, pct, "downloading repair archive: %d%%", pct)
		}
	}); err != nil {
		return nil, err
	}
	enter(progress.StageSaving, 100, "repair archive saved")

	enter(progress.StageExtracting, 0, "extracting repair archive")
	dir, err := os.MkdirTemp(r.scratchDir, scratchPattern)
	if err != nil {
		return nil, payload.IOError("create scratch directory", r.scratchDir, err)
	}
	scratch = dir
	if _, err := r.extractor.Extract(archivePath, scratch, nil); err != nil {
		return nil, err
	}

	enter(progress.StageMerging, 0, "repairing files")
	total := len(req.Paths)
	for i, raw := range req.Paths {
		rel, ok := payload.CleanRel(raw)
		switch {
		case !ok:
			r.logger.Warn("skipping unsafe repair path", "path", raw)
			res.Skipped = append(res.Skipped, raw)
		case isInPreserved(rel):
			r.logger.Warn("skipping repair path inside a preserved folder", "path", rel)
			res.Skipped = append(res.Skipped, raw)
		default:
			restored, err := restore(scratch, req.Root, rel)
			if err != nil {
				return res, err
			}
			if restored {
				res.Repaired = append(res.Repaired, rel)
			} else {
				r.logger.Debug("repair path not in archive, skipping", "path", rel)
				res.Skipped = append(res.Skipped, rel)
			}
		}
		tracker.Reportf(progress.StageMerging, progress.Percent(int64(i+1), int64(total)),
			"repaired %d/%d files", i+1, total)
	}

	enter(progress.StageComplete, 100, "repaired %d of %d files", len(res.Repaired), total)
	r.logger.Info("repair finished",
		"root", req.Root,
		"repaired", len(res.Repaired),
		"skipped", len(res.Skipped))
	return res, nil
}

// restore copies scratch/rel over root/rel. It reports false when the
// archive has no regular file at rel.
func restore(scratch, root, rel string) (bool, error) {
	src := filepath.Join(scratch, filepath.FromSlash(rel))
	info, err := os.Lstat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, payload.IOError("stat archive entry", src, err)
	}
	if !info.Mode().IsRegular() {
		return false, nil
	}
	if err := fsmerge.CopyFile(src, filepath.Join(root, filepath.FromSlash(rel))); err != nil {
		return false, err
	}
	return true, nil
}

func isInPreserved(rel string) bool {
	top, _, _ := strings.Cut(rel, "/")
	return payload.IsPreserved(top)
}
