// Package payload holds the vocabulary shared by every part of the update and
// integrity engine: the on-disk layout of an installed client, the preserved
// folder set, the integrity result model and the typed failure taxonomy.
package payload

import (
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// VersionFile is the plain-text version marker kept in the payload root.
	VersionFile = "version.txt"
	// ManifestFile is the JSON checksum manifest kept in the payload root.
	ManifestFile = "checksums.json"
	// UnknownVersion is reported when no version marker exists yet.
	UnknownVersion = "0.0.0"
)

// PreservedFolders are top-level directories owned by the player. Install and
// repair never remove or overwrite them, and they are never tracked in the
// manifest.
var PreservedFolders = []string{
	"characterdata",
	"conf",
	"minimap",
	"screenshots",
}

// VerifiedPrefixes are the top-level directories whose files are compared
// against the manifest during an integrity check.
var VerifiedPrefixes = []string{
	"bin/",
	"assets/",
}

// IsPreserved reports whether a top-level entry name belongs to the preserved set.
func IsPreserved(name string) bool {
	for _, p := range PreservedFolders {
		if p == name {
			return true
		}
	}
	return false
}

// IsVerified reports whether a manifest path falls under one of the verified prefixes.
func IsVerified(rel string) bool {
	rel = strings.ReplaceAll(rel, "\\", "/")
	for _, p := range VerifiedPrefixes {
		if strings.HasPrefix(rel, p) {
			return true
		}
	}
	return false
}

// CleanRel normalizes a relative path to the manifest key form: forward
// slashes, no leading "./" or "/", no ".." segments. ok is false when the
// path would escape the root or is empty.
func CleanRel(rel string) (string, bool) {
	rel = strings.ReplaceAll(rel, "\\", "/")
	if rel == "" || strings.HasPrefix(rel, "/") {
		return "", false
	}
	// Drive letters ("C:/...") are absolute on windows.
	if len(rel) >= 2 && rel[1] == ':' {
		return "", false
	}
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// Within reports whether dir is root itself or lies below it, comparing
// cleaned native paths without touching the filesystem.
func Within(root, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(dir))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// IntegrityResult is the outcome of comparing the live payload against its manifest.
// Corrupted and Missing are sorted relative paths.
type IntegrityResult struct {
	IsValid   bool     `json:"is_valid"`
	Corrupted []string `json:"corrupted_files"`
	Missing   []string `json:"missing_files"`
}

// NewIntegrityResult builds a result from the accumulated sets, keeping
// IsValid consistent with them.
func NewIntegrityResult(corrupted, missing []string) IntegrityResult {
	c := append([]string{}, corrupted...)
	m := append([]string{}, missing...)
	sort.Strings(c)
	sort.Strings(m)
	return IntegrityResult{
		IsValid:   len(c) == 0 && len(m) == 0,
		Corrupted: c,
		Missing:   m,
	}
}

// Damaged returns every path that needs repair, corrupted first.
func (r IntegrityResult) Damaged() []string {
	out := make([]string, 0, len(r.Corrupted)+len(r.Missing))
	out = append(out, r.Corrupted...)
	out = append(out, r.Missing...)
	return out
}

// Status is the single caller-visible answer to "can the client be started?".
type Status int

const (
	// StatusReady means the manifest loaded and every verified file matched.
	StatusReady Status = iota
	// StatusNotInstalled means the payload root does not exist.
	StatusNotInstalled
	// StatusManifestMissing means the root exists but checksums.json does not.
	StatusManifestMissing
	// StatusManifestCorrupt means checksums.json exists but cannot be parsed.
	StatusManifestCorrupt
	// StatusDamaged means at least one verified file is corrupted or missing.
	StatusDamaged
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusNotInstalled:
		return "not_installed"
	case StatusManifestMissing:
		return "manifest_missing"
	case StatusManifestCorrupt:
		return "manifest_corrupt"
	case StatusDamaged:
		return "damaged"
	default:
		return "unknown"
	}
}

// NeedsInstall reports whether the status can only be fixed by a full install.
func (s Status) NeedsInstall() bool {
	return s == StatusNotInstalled || s == StatusManifestMissing || s == StatusManifestCorrupt
}

// UnverifiedResult is the result reported when no comparison could be made:
// not valid, with nothing listed as corrupted or missing.
func UnverifiedResult() IntegrityResult {
	return IntegrityResult{IsValid: false, Corrupted: []string{}, Missing: []string{}}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
