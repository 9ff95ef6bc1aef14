package machine

import (
	"sync"
	"time"
)

// flashLockTracker counts in-flight flash locks and owns the single
// cancellable suspend timeout that fires when the count returns to zero
// (spec.md §4.7's flash-lock semantics).
type flashLockTracker struct {
	mu          sync.Mutex
	activeCount uint32
	timer       *time.Timer
}

func newFlashLockTracker() *flashLockTracker {
	return &flashLockTracker{}
}

// add increments the lock count and cancels any pending suspend timeout.
func (t *flashLockTracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeCount++
	t.cancelLocked()
}

// remove decrements the lock count and reports whether it just reached
// zero.
func (t *flashLockTracker) remove() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeCount > 0 {
		t.activeCount--
	}
	return t.activeCount == 0
}

func (t *flashLockTracker) hasActiveLocks() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeCount > 0
}

// startTimeout arms a single-fire timer that posts CmdSuspendTimeout to
// commandCh after timeout elapses, cancelling any timer already running.
func (t *flashLockTracker) startTimeout(commandCh chan<- Command, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
	t.timer = time.AfterFunc(timeout, func() {
		select {
		case commandCh <- Command{Kind: CmdSuspendTimeout}:
		default:
		}
	})
}

func (t *flashLockTracker) cancelTimeout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
}

func (t *flashLockTracker) cancelLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
