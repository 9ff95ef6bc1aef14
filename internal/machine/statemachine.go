package machine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// commandQueueDepth bounds the otherwise-unbounded inbox spec.md §4.7
// describes; a machine's own system events are posted far slower than
// this drains, so the bound only exists to make a stuck StateMachine
// fail loud (a full send blocks the caller) instead of growing forever.
const commandQueueDepth = 256

// NotifyFunc reports a state transition to whatever owns the machine's
// reconcile status — normally the scheduler that feeds MachineController
// (spec.md §4.9's AsyncWorkChange).
type NotifyFunc func(key ControllerKey, snap Snapshot, firstBootDuration, lastBootDuration *time.Duration)

// StateMachine is the single-writer actor owning one machine's lifecycle
// (spec.md §4.7). All state reads and writes happen on the goroutine
// running Run; Push is the only method safe to call concurrently with it.
type StateMachine struct {
	name          string
	mode          Mode
	controllerKey ControllerKey

	commandCh chan Command
	broadcast *broadcaster

	vcpus        VCPUController
	guestManager GuestManagerDevice
	flashLocks   *flashLockTracker
	notify       NotifyFunc

	mu                sync.RWMutex
	current           State
	errMessage        string
	firstBootDuration *time.Duration
	lastStartTime     *time.Time
	lastReadyTime     *time.Time
}

// New constructs a StateMachine in the Idle state. Call Run in its own
// goroutine to start processing commands.
func New(cfg Config, vcpus VCPUController, guestManager GuestManagerDevice, notify NotifyFunc) *StateMachine {
	return &StateMachine{
		name:          cfg.Name,
		mode:          cfg.Mode,
		controllerKey: cfg.ControllerKey,
		commandCh:     make(chan Command, commandQueueDepth),
		broadcast:     newBroadcaster(),
		vcpus:         vcpus,
		guestManager:  guestManager,
		flashLocks:    newFlashLockTracker(),
		notify:        notify,
		current:       StateIdle,
	}
}

// Push enqueues a command for the actor goroutine. It blocks only if the
// inbox is saturated (commandQueueDepth in flight), which should never
// happen in practice.
func (m *StateMachine) Push(cmd Command) {
	m.commandCh <- cmd
}

// Subscribe returns a channel that receives every subsequent state
// transition, and a cancel func to stop receiving.
func (m *StateMachine) Subscribe() (<-chan Snapshot, func()) {
	return m.broadcast.subscribe()
}

// Current returns the machine's current snapshot.
func (m *StateMachine) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.current, Message: m.errMessage}
}

// BootDurations returns the first-ever boot duration and the most recent
// one, both nil until a Ready transition has completed at least once.
func (m *StateMachine) BootDurations() (first, last *time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstBootDuration, m.lastBootDurationLocked()
}

// Start, Stop and Suspend push the corresponding user command and block
// until the actor goroutine has processed it.
func (m *StateMachine) Start(ctx context.Context) error { return m.pushUser(ctx, CmdUserStart) }
func (m *StateMachine) Stop(ctx context.Context) error  { return m.pushUser(ctx, CmdUserStop) }
func (m *StateMachine) Suspend(ctx context.Context) error {
	return m.pushUser(ctx, CmdUserSuspend)
}

func (m *StateMachine) pushUser(ctx context.Context, kind CommandKind) error {
	cmd, reply := userCommand(kind)
	m.Push(cmd)
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the command inbox until ctx is cancelled.
func (m *StateMachine) Run(ctx context.Context) {
	log.Printf("machine %s: state machine started", m.name)
	for {
		select {
		case <-ctx.Done():
			log.Printf("machine %s: state machine stopped", m.name)
			return
		case cmd := <-m.commandCh:
			m.handleCommand(ctx, cmd)
		}
	}
}

func (m *StateMachine) handleCommand(ctx context.Context, cmd Command) {
	var err error
	switch cmd.Kind {
	case CmdUserStart:
		err = m.handleUserStart(ctx)
	case CmdUserStop:
		err = m.handleUserStop(ctx)
	case CmdUserSuspend:
		err = m.handleUserSuspend(ctx)
	case CmdDeviceReady:
		m.handleDeviceReady()
	case CmdStopRequested:
		err = m.handleStopRequested(ctx)
	case CmdVcpuError:
		m.transitionToError(cmd.Message)
	case CmdVcpuStopped:
		m.handleVcpuStopped(ctx)
	case CmdVcpuSuspended:
		m.handleVcpuSuspended(ctx)
	case CmdVcpuRestarted:
		m.handleVcpuRestarted()
	case CmdSuspendTimeout:
		m.handleSuspendTimeout(ctx)
	case CmdFlashLock:
		m.handleFlashLock(ctx)
	case CmdFlashUnlock:
		m.handleFlashUnlock()
	}

	if cmd.Reply != nil {
		cmd.Reply <- err
	} else if err != nil {
		log.Printf("machine %s: state machine error: %v", m.name, err)
		m.transitionToError(err.Error())
	}
}

func (m *StateMachine) handleUserStart(ctx context.Context) error {
	current := m.Current().State
	isFirstStart := current == StateIdle

	switch current {
	case StateIdle, StateStopped, StateSuspended:
		if !isFirstStart {
			m.guestManager.SetSnapshotStrategy(nil)
		}
		m.setState(StateBooting, "")
		return m.vcpus.StartAll(ctx)
	case StateBooting, StateReady:
		return nil
	default:
		return fmt.Errorf("can't start from %s", current)
	}
}

func (m *StateMachine) handleUserStop(ctx context.Context) error {
	switch m.Current().State {
	case StateReady, StateBooting:
		m.setState(StateStopping, "")
		if err := m.vcpus.StopAll(ctx); err != nil {
			return err
		}
		m.setState(StateStopped, "")
		return nil
	case StateSuspended:
		m.setState(StateStopped, "")
		return nil
	case StateStopped:
		return nil
	default:
		return fmt.Errorf("can't stop from %s", m.Current().State)
	}
}

func (m *StateMachine) handleUserSuspend(ctx context.Context) error {
	switch m.Current().State {
	case StateReady, StateBooting:
		m.setState(StateSuspending, "")
		if err := m.vcpus.StopAll(ctx); err != nil {
			return err
		}
		m.setState(StateSuspended, "")
		return nil
	case StateSuspended:
		return nil
	default:
		return fmt.Errorf("can't suspend from %s", m.Current().State)
	}
}

func (m *StateMachine) handleDeviceReady() {
	if m.Current().State == StateBooting {
		m.setState(StateReady, "")
	}
}

func (m *StateMachine) handleStopRequested(ctx context.Context) error {
	if m.mode.Flash {
		return m.handleUserSuspend(ctx)
	}
	return m.handleUserStop(ctx)
}

// handleVcpuStopped and handleVcpuSuspended intentionally preserve an
// asymmetry from the source implementation: a stop while already
// suspending/suspended is silently ignored, but a suspend signal in any
// other state unconditionally forces a suspend. This is called out as an
// open question in spec.md §9 ("do not guess") and is kept as-is.
func (m *StateMachine) handleVcpuStopped(ctx context.Context) {
	switch m.Current().State {
	case StateSuspending, StateSuspended:
		return
	default:
		_ = m.handleUserStop(ctx)
	}
}

func (m *StateMachine) handleVcpuSuspended(ctx context.Context) {
	switch m.Current().State {
	case StateSuspending, StateSuspended:
		return
	default:
		_ = m.handleUserSuspend(ctx)
	}
}

func (m *StateMachine) handleVcpuRestarted() {
	if m.Current().State == StateBooting {
		m.setState(StateReady, "")
	}
}

func (m *StateMachine) handleFlashLock(ctx context.Context) {
	m.flashLocks.add()
	if m.Current().State == StateSuspended {
		log.Printf("machine %s: suspended but has active flash locks, waking it up", m.name)
		_ = m.handleUserStart(ctx)
	}
}

func (m *StateMachine) handleFlashUnlock() {
	if !m.flashLocks.remove() {
		return
	}
	if !m.mode.Flash {
		return
	}
	log.Printf("machine %s: last flash lock removed, starting suspend timeout", m.name)
	m.flashLocks.startTimeout(m.commandCh, time.Duration(m.mode.SuspendTimeout)*time.Second)
}

func (m *StateMachine) handleSuspendTimeout(ctx context.Context) {
	if m.flashLocks.hasActiveLocks() {
		log.Printf("machine %s: suspend timeout expired but has active flash locks, not suspending", m.name)
		return
	}
	log.Printf("machine %s: suspend timeout expired, suspending", m.name)
	_ = m.handleUserSuspend(ctx)
}

func (m *StateMachine) transitionToError(message string) {
	m.setState(StateError, message)
}

func (m *StateMachine) setState(newState State, message string) {
	m.mu.Lock()
	if m.current == newState && m.errMessage == message {
		m.mu.Unlock()
		return
	}
	old := m.current
	m.updateTimingMetricsLocked(newState)
	m.current = newState
	m.errMessage = message
	snap := Snapshot{State: newState, Message: message}
	first := m.firstBootDuration
	last := m.lastBootDurationLocked()
	m.mu.Unlock()

	m.broadcast.publish(snap)
	if m.notify != nil {
		m.notify(m.controllerKey, snap, first, last)
	}
	log.Printf("machine %s: state transition: %s -> %s", m.name, old, newState)
}

// updateTimingMetricsLocked must be called with mu held.
func (m *StateMachine) updateTimingMetricsLocked(newState State) {
	switch newState {
	case StateBooting:
		now := time.Now()
		m.lastStartTime = &now
	case StateReady:
		readyTime := time.Now()
		m.lastReadyTime = &readyTime
		if m.lastStartTime != nil {
			bootDuration := readyTime.Sub(*m.lastStartTime)
			m.guestManager.SetBootDuration(bootDuration)
			if m.firstBootDuration == nil {
				m.firstBootDuration = &bootDuration
			}
		}
	}
}

// lastBootDurationLocked must be called with mu held (read or write).
func (m *StateMachine) lastBootDurationLocked() *time.Duration {
	if m.lastStartTime == nil || m.lastReadyTime == nil {
		return nil
	}
	d := m.lastReadyTime.Sub(*m.lastStartTime)
	return &d
}
