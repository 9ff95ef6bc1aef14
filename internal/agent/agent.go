// Package agent is the machine catalog (spec.md §4.7): a concurrent map
// from machine name to a running microVM's handle. It owns the wiring
// between internal/vmm's device events and internal/machine's state
// machine commands, and exposes the per-machine operations the proxy
// plane (spec.md §4.8) and the controller runtime (spec.md §4.10) drive.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
	"github.com/lttle-cloud/ignitiond/internal/machine"
	"github.com/lttle-cloud/ignitiond/internal/vmm"
)

// Config describes one machine to create: its vmm boot configuration,
// its lifecycle mode, and the controller key its state transitions are
// reported against.
type Config struct {
	Name          string
	ControllerKey machine.ControllerKey
	Mode          machine.Mode
	VM            vmm.Config
	MachineIP     string

	// ReleaseTap and ReleaseIP are invoked by DeleteMachine after the
	// live machine has been stopped, so the manager doesn't need to
	// import internal/netpool directly — the caller (MachineController)
	// already holds the reservations it made when the machine was
	// created.
	ReleaseTap func() error
	ReleaseIP  func() error
}

// Manager is the concurrent machine catalog. Its zero value is not
// usable; construct with New.
type Manager struct {
	notify machine.NotifyFunc

	mu       sync.RWMutex
	machines map[string]*Handle
}

// New constructs an empty Manager. notify is forwarded to every
// machine's state machine and is how machine state transitions reach
// the scheduler that drives MachineController (spec.md §4.9/§4.10).
func New(notify machine.NotifyFunc) *Manager {
	return &Manager{
		notify:   notify,
		machines: make(map[string]*Handle),
	}
}

// CreateMachine builds the microVM, wires its device-event stream into
// the state machine's command queue, and starts the state machine
// actor. The machine's vCPUs are not started — call Handle.Start.
func (m *Manager) CreateMachine(cfg Config) (*Handle, error) {
	m.mu.Lock()
	if _, exists := m.machines[cfg.Name]; exists {
		m.mu.Unlock()
		return nil, ignerr.New(ignerr.Conflict, "machine %q already exists", cfg.Name)
	}
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	h := &Handle{
		name:      cfg.Name,
		machineIP: cfg.MachineIP,
		cancel:    cancel,
		release: func() error {
			var errs []error
			if cfg.ReleaseTap != nil {
				if err := cfg.ReleaseTap(); err != nil {
					errs = append(errs, err)
				}
			}
			if cfg.ReleaseIP != nil {
				if err := cfg.ReleaseIP(); err != nil {
					errs = append(errs, err)
				}
			}
			if len(errs) > 0 {
				return ignerr.Wrap(ignerr.Os, errs[0], "release machine %s resources", cfg.Name)
			}
			return nil
		},
	}

	vmCfg := cfg.VM
	vmCfg.OnDeviceEvent = h.translateDeviceEvent
	vm, err := vmm.Build(vmCfg)
	if err != nil {
		cancel()
		return nil, ignerr.Wrap(ignerr.Kvm, err, "build machine %s", cfg.Name)
	}
	h.vm = vm

	sm := machine.New(machine.Config{Name: cfg.Name, Mode: cfg.Mode, ControllerKey: cfg.ControllerKey},
		vm.Vcpus, vm.GuestManager(), m.notify)
	h.sm = sm

	if cfg.Mode.Flash {
		vm.GuestManager().SetSnapshotStrategy(&cfg.Mode.Strategy)
	}

	go sm.Run(runCtx)

	m.mu.Lock()
	m.machines[cfg.Name] = h
	m.mu.Unlock()

	return h, nil
}

// GetMachine returns the named machine's handle, if it exists.
func (m *Manager) GetMachine(name string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.machines[name]
	return h, ok
}

// DeleteMachine stops the machine, releases its tap and IP reservations
// through the hooks supplied at creation, and removes it from the
// catalog (spec.md §4.7).
func (m *Manager) DeleteMachine(ctx context.Context, name string) error {
	m.mu.Lock()
	h, ok := m.machines[name]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.machines, name)
	m.mu.Unlock()

	if err := h.Stop(ctx); err != nil {
		return err
	}
	h.cancel()
	if err := h.vm.Close(); err != nil {
		return err
	}
	if h.release != nil {
		return h.release()
	}
	return nil
}

// Handle is one running machine's operational surface (spec.md §4.7):
// start/stop/suspend, observed state, boot timing, and flash-lock-gated
// connections for the proxy plane.
type Handle struct {
	name      string
	machineIP string

	sm  *machine.StateMachine
	vm  *vmm.VM
	cancel context.CancelFunc
	release func() error
}

func (h *Handle) Start(ctx context.Context) error   { return h.sm.Start(ctx) }
func (h *Handle) Stop(ctx context.Context) error    { return h.sm.Stop(ctx) }
func (h *Handle) Suspend(ctx context.Context) error { return h.sm.Suspend(ctx) }
func (h *Handle) GetState() machine.Snapshot        { return h.sm.Current() }

func (h *Handle) GetFirstBootDuration() *time.Duration {
	first, _ := h.sm.BootDurations()
	return first
}

func (h *Handle) GetLastBootDuration() *time.Duration {
	_, last := h.sm.BootDurations()
	return last
}

// translateDeviceEvent turns a guest-manager MMIO event into a state
// machine command, the wiring spec.md §4.7 describes between the
// device-event stream and the per-machine command queue.
func (h *Handle) translateDeviceEvent(event vmm.DeviceEvent, _ vmm.ListenInfo) {
	switch event {
	case vmm.DeviceEventUserSpaceReady:
		h.sm.Push(machine.Command{Kind: machine.CmdDeviceReady})
	case vmm.DeviceEventFlashLock:
		h.sm.Push(machine.Command{Kind: machine.CmdFlashLock})
	case vmm.DeviceEventFlashUnlock:
		h.sm.Push(machine.Command{Kind: machine.CmdFlashUnlock})
	case vmm.DeviceEventListen:
		// Listen triggers only drive the guest-manager device's own
		// snapshot-strategy evaluation (vmm.GuestManagerDevice); they
		// don't translate into a distinct state machine command.
	}
}

// GetConnection acquires a flash-lock, waits for the machine to reach
// Ready, dials (machineIP, port), and returns a stream that releases
// the lock when closed (spec.md §4.8). If inactivityTimeout is
// positive, the connection is closed and the lock released after that
// long without read or write activity.
func (h *Handle) GetConnection(ctx context.Context, port uint16, inactivityTimeout time.Duration) (*Conn, error) {
	sub, cancelSub := h.sm.Subscribe()
	defer cancelSub()

	h.sm.Push(machine.Command{Kind: machine.CmdFlashLock})

	if err := h.waitReady(ctx, sub); err != nil {
		h.sm.Push(machine.Command{Kind: machine.CmdFlashUnlock})
		return nil, err
	}

	conn, err := dialTCP(ctx, h.machineIP, port)
	if err != nil {
		h.sm.Push(machine.Command{Kind: machine.CmdFlashUnlock})
		return nil, ignerr.Wrap(ignerr.External, err, "connect to machine %s port %d", h.name, port)
	}

	c := newConn(conn, inactivityTimeout, func() {
		h.sm.Push(machine.Command{Kind: machine.CmdFlashUnlock})
	})
	return c, nil
}

func (h *Handle) waitReady(ctx context.Context, sub <-chan machine.Snapshot) error {
	if h.sm.Current().State == machine.StateReady {
		return nil
	}
	for {
		select {
		case snap := <-sub:
			if snap.State == machine.StateReady {
				return nil
			}
			if snap.State == machine.StateError {
				return ignerr.New(ignerr.Internal, "machine %s entered error state while waiting for ready: %s", h.name, snap.Message)
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for machine %s to become ready: %w", h.name, ctx.Err())
		}
	}
}
