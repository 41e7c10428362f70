// Package platform detects the host the launcher runs on and exposes it to
// the Lua configuration as a read-only `platform` table, so a single
// clientsync.lua can choose per-OS directories and executable names.
//
// Detection uses gopsutil. When host details cannot be read the package
// falls back to runtime.GOOS/GOARCH only.
package platform

import "context"

// Linux distribution family constants.
const (
	FamilyDebian  = "debian"
	FamilyRHEL    = "rhel"
	FamilyFedora  = "fedora"
	FamilySUSE    = "suse"
	FamilyArch    = "arch"
	FamilyAlpine  = "alpine"
	FamilyUnknown = "unknown"
)

// Info describes the host.
type Info struct {
	OS       string // "linux", "darwin", "windows"
	Arch     string // normalized, e.g. "amd64", "arm64", "386"
	Hostname string
	Platform string // distro or product id, e.g. "ubuntu", "microsoft windows 11 pro"
	Family   string // canonical Linux family; empty elsewhere
	Version  string
}

// IsLinux reports whether the host runs Linux.
func (i *Info) IsLinux() bool { return i.OS == "linux" }

// IsMacOS reports whether the host runs macOS.
func (i *Info) IsMacOS() bool { return i.OS == "darwin" }

// IsWindows reports whether the host runs Windows.
func (i *Info) IsWindows() bool { return i.OS == "windows" }

// ExeSuffix is appended to executable names on this host.
func (i *Info) ExeSuffix() string {
	if i.IsWindows() {
		return ".exe"
	}
	return ""
}

// DefaultExecutable is the client executable path, relative to the payload
// root, used when the configuration does not name one.
func (i *Info) DefaultExecutable() string {
	return "bin/client" + i.ExeSuffix()
}

// Detector detects the host platform.
type Detector interface {
	Detect(ctx context.Context) (*Info, error)
}

// Static is a Detector that always returns the same Info.
type Static struct {
	Info Info
}

// Detect returns a copy of s.Info.
func (s Static) Detect(ctx context.Context) (*Info, error) {
	info := s.Info
	return &info, nil
}
