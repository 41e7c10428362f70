package platform

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/host"
)

// RealDetector reads the running host.
type RealDetector struct{}

// NewDetector returns a Detector for the running host.
func NewDetector() Detector {
	return &RealDetector{}
}

// Detect returns the host platform. OS and architecture always come from
// the Go runtime. Hostname and distribution details come from gopsutil; if
// those cannot be read the remaining fields are left empty. Only context
// cancellation is an error.
func (d *RealDetector) Detect(ctx context.Context) (*Info, error) {
	info := &Info{
		OS:   runtime.GOOS,
		Arch: normalizeArch(runtime.GOARCH),
	}

	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("platform detection cancelled: %w", ctx.Err())
		}
		return info, nil
	}

	info.Hostname = hi.Hostname
	info.Platform = normalize(hi.Platform)
	info.Version = normalize(hi.PlatformVersion)
	if info.IsLinux() && info.Platform != "" {
		info.Family = mapFamily(hi.PlatformFamily)
	}
	return info, nil
}
