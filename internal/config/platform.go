package config

import (
	"fmt"
	"os"
	"runtime"
)

// Platform describes the host ignitiond is running on. internal/vmm
// talks to /dev/kvm directly and boots x86_64 long-mode guests only, so
// unlike the cross-platform backends this grew out of, there is a
// single supported combination rather than a set of them to choose
// between.
type Platform struct {
	OS   string
	Arch string
}

// DetectPlatform validates the host can actually run ignitiond's vmm
// backend: Linux/amd64 with a usable /dev/kvm.
func DetectPlatform() (*Platform, error) {
	p := &Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}

	if p.OS != "linux" || p.Arch != "amd64" {
		return nil, fmt.Errorf("unsupported platform: %s/%s, ignitiond requires linux/amd64 with kvm", p.OS, p.Arch)
	}

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("/dev/kvm unavailable: %w", err)
	}
	f.Close()

	return p, nil
}
