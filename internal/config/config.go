package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds ignitiond's runtime configuration: the data layout, the
// KVM boot assets every Machine shares, the host network plane
// internal/netpool manages, the proxy plane's listen surface, and the
// platform-wide admission defaults spec.md §4.10 describes.
type Config struct {
	// DataDir is the base directory for all persisted runtime state.
	DataDir string

	// SocketPath is the unix socket the control API listens on.
	SocketPath string

	// StorePath is the keyed store's database file (internal/store).
	StorePath string

	// ImagesDir and VolumesDir root internal/image's layer/scratch
	// trees and internal/volume's ext4 images respectively.
	ImagesDir  string
	VolumesDir string

	// ConsoleLogDir holds one log file per machine's serial console
	// output (MachineControllerConfig.ConsoleLogDir).
	ConsoleLogDir string

	// KernelPath and InitrdPath are the vmlinux/initrd images every
	// Machine boots (internal/vmm.Config.KernelPath/InitrdPath).
	KernelPath string
	InitrdPath string

	// Cmdline is the base kernel command line; MachineController
	// appends the per-machine static ip= assignment to it.
	Cmdline string

	// BridgeName is the host bridge internal/netpool attaches tap
	// devices to.
	BridgeName string

	// VMCIDR and ServiceCIDR are the two disjoint IPv4 pools
	// internal/netpool draws machine and service addresses from.
	VMCIDR      string
	ServiceCIDR string

	// RegionDomain is the platform's own DNS suffix; an External
	// service bind under it must belong to the requesting tenant
	// (spec.md §4.10.2).
	RegionDomain string

	// TCPPortMin and TCPPortMax bound the dynamic TCP port allocator
	// Bind.Tcp services draw from, and the range External bind's
	// explicit ports may not collide with.
	TCPPortMin int
	TCPPortMax int

	// ProxyListenAddr is the external address the proxy's Tcp/HTTP/TLS
	// listeners bind to. Internal bindings listen on their own service
	// IP instead.
	ProxyListenAddr string
	HTTPPort        int
	HTTPSPort       int

	// CertDir holds per-host PEM pairs plus a default fallback pair for
	// TLSSNI termination.
	CertDir string

	// ProxyInactivityTimeout closes a flash-lock-gated connection (and
	// releases its lock) after this long without activity; zero
	// disables it.
	ProxyInactivityTimeout time.Duration

	// DefaultMemoryMB and DefaultCPUCount seed a MachineSpec that
	// doesn't set them explicitly.
	DefaultMemoryMB int
	DefaultCPUCount int

	// PlatformMinMemoryMB is the floor MachineSpec.Validate enforces.
	PlatformMinMemoryMB int

	// DefaultSuspendTimeout seeds a Flash-mode machine's
	// FlashMode.SuspendTimeout when its spec leaves it unset.
	DefaultSuspendTimeout time.Duration
}

// DefaultConfig returns ignitiond's default configuration, rooted under
// /var/lib/ignitiond.
func DefaultConfig() *Config {
	dataDir := "/var/lib/ignitiond"

	return &Config{
		DataDir:       dataDir,
		SocketPath:    "/run/ignitiond.sock",
		StorePath:     filepath.Join(dataDir, "store.db"),
		ImagesDir:     filepath.Join(dataDir, "images"),
		VolumesDir:    filepath.Join(dataDir, "volumes"),
		ConsoleLogDir: filepath.Join(dataDir, "console"),

		KernelPath: filepath.Join(dataDir, "boot", "vmlinux"),
		InitrdPath: filepath.Join(dataDir, "boot", "initrd"),
		Cmdline:    "console=ttyS0 reboot=k panic=1 pci=off",

		BridgeName:  "ignbr0",
		VMCIDR:      "10.200.0.0/16",
		ServiceCIDR: "10.201.0.0/16",

		RegionDomain: "apps.lttle.cloud",
		TCPPortMin:   30000,
		TCPPortMax:   40000,

		ProxyListenAddr: "0.0.0.0",
		HTTPPort:        80,
		HTTPSPort:       443,
		CertDir:         filepath.Join(dataDir, "certs"),

		ProxyInactivityTimeout: 10 * time.Minute,

		DefaultMemoryMB:       256,
		DefaultCPUCount:       1,
		PlatformMinMemoryMB:   64,
		DefaultSuspendTimeout: 30 * time.Second,
	}
}

// EnsureDirs creates every directory the config names.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.SocketPath),
		filepath.Dir(c.StorePath),
		c.ImagesDir,
		c.VolumesDir,
		c.ConsoleLogDir,
		filepath.Dir(c.KernelPath),
		c.CertDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// Validate checks the invariants a running daemon needs, beyond what
// any single package already validates for itself (CIDR syntax is
// internal/netpool.ParseCIDR's job, not this one).
func (c *Config) Validate() error {
	if c.TCPPortMin <= 0 || c.TCPPortMax <= c.TCPPortMin {
		return fmt.Errorf("config: tcp port range [%d,%d] is empty or invalid", c.TCPPortMin, c.TCPPortMax)
	}
	if c.PlatformMinMemoryMB <= 0 {
		return fmt.Errorf("config: platform minimum memory must be positive, got %d", c.PlatformMinMemoryMB)
	}
	if _, err := os.Stat(c.KernelPath); err != nil {
		return fmt.Errorf("config: kernel path %s: %w", c.KernelPath, err)
	}
	return nil
}
