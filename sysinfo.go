package modkit

import (
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// Version is the runtime's own semantic version, checked by manifest
// compatibility constraints under the "modkit" key.
const Version = "1.0.0"

// SystemInfo describes the host a manifest's compatibility gate is
// checked against.
type SystemInfo struct {
	Platform      string            `json:"platform"` // GOOS
	Arch          string            `json:"arch"`
	Hostname      string            `json:"hostname,omitempty"`
	OS            string            `json:"os,omitempty"` // distribution, e.g. "ubuntu"
	KernelVersion string            `json:"kernelVersion,omitempty"`
	Versions      map[string]string `json:"versions"` // runtime name -> version
}

// CollectSystemInfo gathers host details once at loader construction.
// The gopsutil probe is best-effort; platform and runtime versions are
// always populated.
func CollectSystemInfo() SystemInfo {
	info := SystemInfo{
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		Versions: map[string]string{
			"modkit": Version,
			"go":     strings.TrimPrefix(runtime.Version(), "go"),
		},
	}
	if hi, err := host.Info(); err == nil {
		info.Hostname = hi.Hostname
		info.OS = hi.Platform
		info.KernelVersion = hi.KernelVersion
	}
	return info
}
