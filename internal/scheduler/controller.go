package scheduler

import (
	"context"
	"time"
)

// ReconcileNext is a controller's convergence instruction, returned
// from Reconcile/HandleError (spec.md §4.10).
type ReconcileNext struct {
	// Done means nothing more to do until another event arrives.
	Done bool
	// After, when non-zero and Done is false, requeues the key after
	// this duration instead of immediately.
	After time.Duration
}

// Immediate requeues the key right away.
var Immediate = ReconcileNext{}

// Done signals convergence: no further reconcile until a new event.
var Done = ReconcileNext{Done: true}

// After requeues the key after d.
func After(d time.Duration) ReconcileNext { return ReconcileNext{After: d} }

// Controller is the interface every resource-kind controller
// (MachineController, ServiceController, AppController) implements;
// Scheduler drives their reconcile loops (spec.md §4.10).
type Controller interface {
	// Kind is the ControllerKey.Kind this controller owns, e.g. "machine".
	Kind() string

	// Schedule maps an event to the key whose reconcile loop should see
	// it. ok is false when this controller has nothing to do with ev.
	Schedule(ctx context.Context, ev Event) (key ControllerKey, ok bool)

	// ShouldReconcile filters a key after Schedule resolves it, in case
	// the event only matters for some keys of this controller's kind.
	ShouldReconcile(ctx context.Context, key ControllerKey) bool

	// Reconcile is the convergence step for key.
	Reconcile(ctx context.Context, key ControllerKey) (ReconcileNext, error)

	// HandleError runs instead of the ReconcileNext Reconcile would have
	// returned, when Reconcile itself errors. The default policy (set
	// status to Error, return Done) lives in each controller, not here.
	HandleError(ctx context.Context, key ControllerKey, err error) ReconcileNext
}
