package resource

import (
	"fmt"
	"time"
)

// SnapshotStrategy selects when a Flash-mode machine suspends itself after
// becoming useful (spec.md §4.5.1, §9).
type SnapshotStrategy struct {
	// Kind selects the trigger. One of the constants below.
	Kind SnapshotStrategyKind `json:"kind"`
	// N is used only by WaitForNthListen.
	N uint32 `json:"n,omitempty"`
	// Port is used only by WaitForListenOnPort.
	Port uint16 `json:"port,omitempty"`
}

type SnapshotStrategyKind string

const (
	StrategyManual               SnapshotStrategyKind = "manual"
	StrategyWaitForUserSpaceReady SnapshotStrategyKind = "wait_for_user_space_ready"
	StrategyWaitForFirstListen    SnapshotStrategyKind = "wait_for_first_listen"
	StrategyWaitForNthListen      SnapshotStrategyKind = "wait_for_nth_listen"
	StrategyWaitForListenOnPort   SnapshotStrategyKind = "wait_for_listen_on_port"
)

// MachineMode is either Regular (no suspend) or Flash (suspend to RAM once
// ready, resume on demand).
type MachineMode struct {
	Flash *FlashMode `json:"flash,omitempty"`
}

type FlashMode struct {
	Strategy       SnapshotStrategy `json:"strategy"`
	SuspendTimeout time.Duration    `json:"suspend_timeout"`
}

func (m MachineMode) IsFlash() bool { return m.Flash != nil }

// RestartPolicy governs what the MachineController does when a machine's
// vCPUs stop unexpectedly.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on_failure"
	RestartAlways    RestartPolicy = "always"
)

// VolumeMount attaches a named volume into the guest.
type VolumeMount struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	ReadOnly bool   `json:"read_only"`
}

// MachineSpec is the declarative description of a microVM (spec.md §3).
type MachineSpec struct {
	Meta Meta `json:"meta"`

	Image          string            `json:"image"`
	CPUCount       int               `json:"cpu_count"`
	MemoryMB       int               `json:"memory_mb"`
	Mode           MachineMode       `json:"mode"`
	RestartPolicy  RestartPolicy     `json:"restart_policy"`
	Env            map[string]string `json:"env,omitempty"`
	Command        []string          `json:"command,omitempty"`
	Volumes        []VolumeMount     `json:"volumes,omitempty"`
	NetworkTag     string            `json:"network_tag,omitempty"`
	DependsOn      []string          `json:"depends_on,omitempty"`
}

// Validate checks the invariants spec.md §3 lists for MachineSpec.
func (s MachineSpec) Validate(platformMinMemoryMB int) error {
	if s.Image == "" {
		return fmt.Errorf("machine %s: image reference must not be empty", s.Meta)
	}
	if s.MemoryMB < platformMinMemoryMB {
		return fmt.Errorf("machine %s: memory %dMiB below platform minimum %dMiB", s.Meta, s.MemoryMB, platformMinMemoryMB)
	}
	roots := 0
	seenEnv := map[string]struct{}{}
	for _, v := range s.Volumes {
		if v.Path == "/" {
			roots++
		}
	}
	if roots > 1 {
		return fmt.Errorf("machine %s: at most one root volume allowed, got %d", s.Meta, roots)
	}
	for name := range s.Env {
		if _, dup := seenEnv[name]; dup {
			return fmt.Errorf("machine %s: duplicate environment variable %q", s.Meta, name)
		}
		seenEnv[name] = struct{}{}
	}
	return nil
}

// Phase is the machine's observed lifecycle phase, written only by
// MachineController (spec.md §3: "status is never authored by clients").
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhasePullingImage Phase = "pulling_image"
	PhaseCreating     Phase = "creating"
	PhaseBooting      Phase = "booting"
	PhaseReady        Phase = "ready"
	PhaseSuspending   Phase = "suspending"
	PhaseSuspended    Phase = "suspended"
	PhaseStopping     Phase = "stopping"
	PhaseStopped      Phase = "stopped"
	PhaseError        Phase = "error"
)

// MachineStatus is the controller-owned observed state of a Machine.
type MachineStatus struct {
	Meta Meta `json:"meta"`

	Phase      Phase  `json:"phase"`
	ErrorMsg   string `json:"error_msg,omitempty"`
	ImageID    string `json:"image_id,omitempty"`
	ImageDigest string `json:"image_digest,omitempty"`

	MachineID            string `json:"machine_id,omitempty"`
	MachineIP             string `json:"machine_ip,omitempty"`
	MachineMAC            string `json:"machine_mac,omitempty"`
	MachineTap            string `json:"machine_tap,omitempty"`
	MachineImageVolumeID  string `json:"machine_image_volume_id,omitempty"`

	FirstBootDurationUs int64 `json:"first_boot_duration_us,omitempty"`
	LastBootDurationUs  int64 `json:"last_boot_duration_us,omitempty"`
	LastExitCode        int   `json:"last_exit_code,omitempty"`
	RestartCount        int   `json:"restart_count,omitempty"`
}
