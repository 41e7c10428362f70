// Package integrity compares an installed payload against its manifest.
//
// Only files under the verified prefixes (bin/ and assets/) are checked.
// Missing and corrupted files are reported as data in the result; only an
// unreadable manifest or a filesystem fault fails the check itself.
package integrity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/hasher"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/logging"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/manifest"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
)

// DefaultBatchSize is how many files are checked in parallel per batch.
const DefaultBatchSize = 10

// Verifier checks payload roots against their manifests.
type Verifier struct {
	batch  int
	logger logging.Logger
}

// Options configures a Verifier. Zero values select defaults.
type Options struct {
	BatchSize int
	Logger    logging.Logger
}

// NewVerifier creates a verifier
func NewVerifier(opts Options) *Verifier {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Verifier{batch: opts.BatchSize, logger: logging.OrNop(opts.Logger)}
}

// Report folds every outcome of a check into one status.
type Report struct {
	Status payload.Status          `json:"status"`
	Result payload.IntegrityResult `json:"result"`
}

// Check verifies root. A root that does not exist yields an invalid result
// with both sets empty. An absent or unparsable manifest fails with
// payload.ErrManifestNotFound or payload.ErrManifestCorrupt.
func (v *Verifier) Check(ctx context.Context, root string) (payload.IntegrityResult, error) {
	exists, err := rootExists(root)
	if err != nil {
		return payload.IntegrityResult{}, err
	}
	if !exists {
		return payload.UnverifiedResult(), nil
	}

	m, err := manifest.Load(root)
	if err != nil {
		return payload.IntegrityResult{}, err
	}

	var candidates []string
	for _, rel := range m.Paths() {
		if payload.IsVerified(rel) {
			candidates = append(candidates, rel)
		}
	}

	start := time.Now()
	var (
		mu        sync.Mutex
		corrupted []string
		missing   []string
	)
	for i := 0; i < len(candidates); i += v.batch {
		end := i + v.batch
		if end > len(candidates) {
			end = len(candidates)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, rel := range candidates[i:end] {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				state := v.checkFile(root, rel, m.Files[rel])
				if state == fileOK {
					return nil
				}
				mu.Lock()
				if state == fileMissing {
					missing = append(missing, rel)
				} else {
					corrupted = append(corrupted, rel)
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return payload.IntegrityResult{}, err
		}
	}

	result := payload.NewIntegrityResult(corrupted, missing)
	v.logger.Debug("integrity checked",
		"root", root,
		"checked", len(candidates),
		"corrupted", len(result.Corrupted),
		"missing", len(result.Missing),
		"duration", time.Since(start).String())
	return result, nil
}

// Inspect runs Check and maps every outcome onto a payload.Status. Only
// filesystem faults are returned as errors.
func (v *Verifier) Inspect(ctx context.Context, root string) (Report, error) {
	exists, err := rootExists(root)
	if err != nil {
		return Report{}, err
	}
	if !exists {
		return Report{Status: payload.StatusNotInstalled, Result: payload.UnverifiedResult()}, nil
	}

	result, err := v.Check(ctx, root)
	switch {
	case errors.Is(err, payload.ErrManifestNotFound):
		return Report{Status: payload.StatusManifestMissing, Result: payload.UnverifiedResult()}, nil
	case errors.Is(err, payload.ErrManifestCorrupt):
		return Report{Status: payload.StatusManifestCorrupt, Result: payload.UnverifiedResult()}, nil
	case err != nil:
		return Report{}, err
	}

	if result.IsValid {
		return Report{Status: payload.StatusReady, Result: result}, nil
	}
	return Report{Status: payload.StatusDamaged, Result: result}, nil
}

type fileState int

const (
	fileOK fileState = iota
	fileMissing
	fileCorrupted
)

func (v *Verifier) checkFile(root, rel, want string) fileState {
	path := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileMissing
		}
		v.logger.Warn("cannot stat payload file", "path", rel, "error", err)
		return fileCorrupted
	}
	if !info.Mode().IsRegular() {
		return fileCorrupted
	}

	got, err := hasher.File(path)
	if err != nil {
		v.logger.Warn("cannot hash payload file", "path", rel, "error", err)
		return fileCorrupted
	}
	if got != want {
		return fileCorrupted
	}
	return fileOK
}

func rootExists(root string) (bool, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, payload.IOError("stat payload root", root, err)
	}
	if !info.IsDir() {
		return false, payload.IOError("stat payload root", root, errors.New("not a directory"))
	}
	return true, nil
}
