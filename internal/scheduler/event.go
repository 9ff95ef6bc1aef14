// Package scheduler is the controller/reconciler's keyed work queue
// (spec.md §4.10): per-tenant FIFO queues of ControllerKey work items,
// with a global active-key set that guarantees at most one in-flight
// reconcile per key at any time, drained by a worker pool that calls
// into registered Controllers.
package scheduler

import "github.com/lttle-cloud/ignitiond/internal/machine"

// ControllerKey identifies one reconcile unit: {tenant, kind,
// namespace?, name}. It is internal/machine's own type — every machine
// already carries one to tag its state transitions, and reusing it here
// means MachineController's reconcile key and its state machine's
// notify key are the same value with no translation.
type ControllerKey = machine.ControllerKey

// EventKind distinguishes the four event shapes spec.md §4.10 names.
type EventKind int

const (
	// ResourceChange fires when a spec or status write lands in the store.
	ResourceChange EventKind = iota
	// BringUp fires once at startup for every resource a controller owns,
	// so a restarted daemon re-reconciles everything it was tracking.
	BringUp
	// AsyncWorkChange fires when a job (internal/job) reports a result
	// for work a controller submitted, e.g. an image pull completing.
	AsyncWorkChange
	// ResourceStatusChange fires when a controller's own reconcile writes
	// a new status, letting a dependent controller (ServiceController on
	// MachineController's status) react without polling.
	ResourceStatusChange
)

func (k EventKind) String() string {
	switch k {
	case ResourceChange:
		return "resource_change"
	case BringUp:
		return "bring_up"
	case AsyncWorkChange:
		return "async_work_change"
	case ResourceStatusChange:
		return "resource_status_change"
	default:
		return "unknown"
	}
}

// Event is pushed into the scheduler with a tenant scope; Controller
// implementations map it to a ControllerKey in Schedule.
type Event struct {
	Kind EventKind

	// Tenant, Resource and Name identify the changed resource for
	// ResourceChange/BringUp/ResourceStatusChange events.
	Tenant   string
	Resource string // resource kind, e.g. "machine", "service", "app"
	Name     string

	// Key is already resolved for AsyncWorkChange events: the job
	// runner's notify callback knows exactly which controller key
	// submitted the work.
	Key ControllerKey

	// Payload carries event-specific data: a job result for
	// AsyncWorkChange, the new status for ResourceStatusChange.
	Payload interface{}
}
