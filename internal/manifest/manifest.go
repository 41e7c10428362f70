// Package manifest reads, writes and builds checksums.json, the persisted
// mapping of relative payload path to content digest, together with the
// version.txt marker that records the installed payload version.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
)

// Manifest is the persisted integrity record of an installed payload.
type Manifest struct {
	Version     string            `json:"version"`
	Files       map[string]string `json:"files"` // relative path -> hex digest
	GeneratedAt time.Time         `json:"generated_at"`
}

// wireManifest distinguishes an absent "files" object from an empty one.
type wireManifest struct {
	Version     *string            `json:"version"`
	Files       *map[string]string `json:"files"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Paths returns the manifest keys in sorted order.
func (m *Manifest) Paths() []string {
	out := make([]string, 0, len(m.Files))
	for p := range m.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Path returns the location of checksums.json inside root.
func Path(root string) string {
	return filepath.Join(root, payload.ManifestFile)
}

// Load reads checksums.json from root.
// It fails with payload.ErrManifestNotFound when the file is absent and with
// payload.ErrManifestCorrupt when it does not have the expected structure.
func Load(root string) (*Manifest, error) {
	path := Path(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &payload.Error{Kind: payload.KindManifestNotFound, Op: "read manifest", Path: path}
		}
		return nil, payload.IOError("read manifest", path, err)
	}

	var w wireManifest
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, corrupt(path, err)
	}
	if w.Version == nil {
		return nil, corrupt(path, errors.New("missing version"))
	}
	if w.Files == nil {
		return nil, corrupt(path, errors.New("missing files"))
	}

	files := make(map[string]string, len(*w.Files))
	for rel, digest := range *w.Files {
		clean, ok := payload.CleanRel(rel)
		if !ok || clean != rel {
			return nil, corrupt(path, fmt.Errorf("invalid file key %q", rel))
		}
		if !isHexDigest(digest) {
			return nil, corrupt(path, fmt.Errorf("invalid digest for %q", rel))
		}
		files[rel] = strings.ToLower(digest)
	}

	return &Manifest{
		Version:     *w.Version,
		Files:       files,
		GeneratedAt: w.GeneratedAt,
	}, nil
}

// Save writes the manifest to root atomically.
// Uses write-then-rename so a crash never leaves a truncated checksums.json.
func (m *Manifest) Save(root string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return payload.IOError("marshal manifest", "", err)
	}
	return writeAtomic(root, payload.ManifestFile, data)
}

// ReadVersion returns the trimmed content of version.txt, or
// payload.UnknownVersion when the marker does not exist.
func ReadVersion(root string) (string, error) {
	path := filepath.Join(root, payload.VersionFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return payload.UnknownVersion, nil
		}
		return "", payload.IOError("read version marker", path, err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return payload.UnknownVersion, nil
	}
	return v, nil
}

// WriteVersion replaces version.txt atomically.
func WriteVersion(root, version string) error {
	return writeAtomic(root, payload.VersionFile, []byte(strings.TrimSpace(version)))
}

// writeAtomic writes data to root/name through a temporary sibling and a rename,
// then syncs the directory for durability.
func writeAtomic(root, name string, data []byte) error {
	finalPath := filepath.Join(root, name)
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return payload.IOError("create temporary file", tmpPath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return payload.IOError("write temporary file", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return payload.IOError("sync temporary file", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return payload.IOError("close temporary file", tmpPath, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return payload.IOError("rename temporary file", finalPath, err)
	}

	// Directory sync is best effort; not every platform supports it.
	if df, err := os.Open(root); err == nil {
		_ = df.Sync()
		df.Close()
	}
	return nil
}

func corrupt(path string, err error) error {
	return &payload.Error{Kind: payload.KindManifestCorrupt, Op: "parse manifest", Path: path, Err: err}
}

func isHexDigest(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
