package machine

import (
	"context"
	"time"
)

// VCPUController is the subset of a machine's vmm-backed vCPU set the
// state machine drives: start every vCPU thread on boot, stop them all
// on suspend or shutdown. internal/vmm's Vcpu pool implements this.
type VCPUController interface {
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
}

// GuestManagerDevice is the subset of the guest-manager MMIO device
// (spec.md §4.6) the state machine updates: which trigger should cause
// suspension, and how long the last boot took, both readable by the
// guest.
type GuestManagerDevice interface {
	SetSnapshotStrategy(strategy *SnapshotStrategy)
	SetBootDuration(d time.Duration)
}
