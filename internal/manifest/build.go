package manifest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/clock"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/hasher"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/logging"
	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
)

// DefaultConcurrency bounds how many files are hashed at once.
const DefaultConcurrency = 16

// Builder hashes a payload tree into a Manifest.
type Builder struct {
	concurrency int
	clock       clock.Clock
	logger      logging.Logger
}

// BuilderOptions configures a Builder. Zero values select defaults.
type BuilderOptions struct {
	Concurrency int
	Clock       clock.Clock
	Logger      logging.Logger
}

// NewBuilder creates a manifest builder
func NewBuilder(opts BuilderOptions) *Builder {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Builder{
		concurrency: opts.Concurrency,
		clock:       clock.OrSystem(opts.Clock),
		logger:      logging.OrNop(opts.Logger),
	}
}

// PreservedExcludes returns exclude patterns covering every preserved folder.
func PreservedExcludes() []string {
	out := make([]string, 0, len(payload.PreservedFolders))
	for _, name := range payload.PreservedFolders {
		out = append(out, name+"/**")
	}
	return out
}

// Build walks root and hashes every regular file except the manifest, the
// version marker and anything matching one of the doublestar exclude patterns
// (matched against the forward-slash relative path).
func (b *Builder) Build(ctx context.Context, root, version string, exclude []string) (*Manifest, error) {
	for _, pattern := range exclude {
		if !doublestar.ValidatePattern(pattern) {
			return nil, payload.IOError("validate exclude pattern", pattern, doublestar.ErrBadPattern)
		}
	}

	start := time.Now()
	paths, err := collect(root, exclude)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	files := make(map[string]string, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, rel := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			digest, err := hasher.File(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			mu.Lock()
			files[rel] = digest
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	b.logger.Debug("manifest built",
		"root", root,
		"files", len(files),
		"duration", time.Since(start).String())

	return &Manifest{
		Version:     version,
		Files:       files,
		GeneratedAt: b.clock.Now().UTC(),
	}, nil
}

// Regenerate builds the manifest for root, excluding preserved folders, and
// persists it. The manifest on disk is only replaced once hashing has fully
// succeeded.
func (b *Builder) Regenerate(ctx context.Context, root, version string) (*Manifest, error) {
	m, err := b.Build(ctx, root, version, PreservedExcludes())
	if err != nil {
		return nil, err
	}
	if err := m.Save(root); err != nil {
		return nil, err
	}
	return m, nil
}

// collect lists the forward-slash relative paths of the files to hash.
func collect(root string, exclude []string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, payload.IOError("stat payload root", root, err)
	}
	if !info.IsDir() {
		return nil, payload.IOError("stat payload root", root, errors.New("not a directory"))
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return payload.IOError("walk payload", path, err)
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return payload.IOError("relativize path", path, err)
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if matchesAny(exclude, rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if rel == payload.ManifestFile || rel == payload.VersionFile {
			return nil
		}
		if isScratchFile(rel) || matchesAny(exclude, rel) {
			return nil
		}

		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// isScratchFile skips the temporary files this package and the installer
// leave next to the payload while they work.
func isScratchFile(rel string) bool {
	switch rel {
	case payload.ManifestFile + ".tmp", payload.VersionFile + ".tmp":
		return true
	}
	return false
}

func matchesAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}
