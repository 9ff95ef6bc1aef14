package controller

import (
	"context"
	"fmt"

	"github.com/lttle-cloud/ignitiond/internal/agent"
	"github.com/lttle-cloud/ignitiond/internal/image"
	"github.com/lttle-cloud/ignitiond/internal/job"
	"github.com/lttle-cloud/ignitiond/internal/machine"
	"github.com/lttle-cloud/ignitiond/internal/netpool"
	"github.com/lttle-cloud/ignitiond/internal/resource"
	"github.com/lttle-cloud/ignitiond/internal/scheduler"
	"github.com/lttle-cloud/ignitiond/internal/store"
	"github.com/lttle-cloud/ignitiond/internal/vmm"
	"github.com/lttle-cloud/ignitiond/internal/volume"
)

// MachineControllerConfig carries the platform defaults MachineController
// needs to turn a MachineSpec into a bootable vmm.Config.
type MachineControllerConfig struct {
	KernelPath          string
	InitrdPath          string
	Cmdline             string
	ConsoleLogDir       string
	PlatformMinMemoryMB int
}

// MachineController drives a Machine through
// Idle -> PullingImage -> Creating -> Booting/Ready/Suspending/Suspended/Stopping/Stopped/Error,
// reconciling the running x stored truth table spec.md §4.10.1 describes.
type MachineController struct {
	Store   *store.Store
	Images  *image.Pool
	Volumes *volume.Pool
	Net     *netpool.Pool
	Agents  *agent.Manager
	Jobs    *job.Runner
	Sched   *scheduler.Scheduler
	Cfg     MachineControllerConfig
}

func (c *MachineController) Kind() string { return string(resource.KindMachine) }

func (c *MachineController) Schedule(ctx context.Context, ev scheduler.Event) (scheduler.ControllerKey, bool) {
	switch ev.Kind {
	case scheduler.AsyncWorkChange:
		if ev.Key.Kind != c.Kind() {
			return scheduler.ControllerKey{}, false
		}
		return ev.Key, true
	default:
		if ev.Resource != c.Kind() {
			return scheduler.ControllerKey{}, false
		}
		return scheduler.ControllerKey{Tenant: ev.Tenant, Kind: c.Kind(), Name: ev.Name}, true
	}
}

func (c *MachineController) ShouldReconcile(ctx context.Context, key scheduler.ControllerKey) bool {
	return true
}

// HandleError is the default error policy: record the failure on the
// machine's status and stop requeuing until something else changes.
func (c *MachineController) HandleError(ctx context.Context, key scheduler.ControllerKey, err error) scheduler.ReconcileNext {
	status, _, loadErr := c.loadStatus(key)
	if loadErr == nil {
		status.Phase = resource.PhaseError
		status.ErrorMsg = err.Error()
		_ = c.saveStatus(key, status)
	}
	return scheduler.Done
}

func (c *MachineController) loadSpec(key scheduler.ControllerKey) (resource.MachineSpec, bool, error) {
	return store.Get[resource.MachineSpec](c.Store, specKey(resource.KindMachine, key.Tenant, key.Name))
}

func (c *MachineController) loadStatus(key scheduler.ControllerKey) (resource.MachineStatus, bool, error) {
	return store.Get[resource.MachineStatus](c.Store, statusKey(resource.KindMachine, key.Tenant, key.Name))
}

func (c *MachineController) saveStatus(key scheduler.ControllerKey, status resource.MachineStatus) error {
	status.Meta = resource.Meta{Tenant: key.Tenant, Name: key.Name}
	return store.Put(c.Store, statusKey(resource.KindMachine, key.Tenant, key.Name), status)
}

func (c *MachineController) deleteStatus(key scheduler.ControllerKey) error {
	return store.Delete(c.Store, statusKey(resource.KindMachine, key.Tenant, key.Name))
}

// Reconcile implements the four-quadrant running x stored truth table
// spec.md §4.10.1 lays out for every resource controller.
func (c *MachineController) Reconcile(ctx context.Context, key scheduler.ControllerKey) (scheduler.ReconcileNext, error) {
	spec, stored, err := c.loadSpec(key)
	if err != nil {
		return scheduler.ReconcileNext{}, err
	}
	h, running := c.Agents.GetMachine(catalogName(key))

	switch {
	case running && stored:
		return c.syncRunning(key, h)
	case !running && stored:
		return c.driveForward(ctx, key, spec)
	case running && !stored:
		return c.stopAndCleanup(ctx, key, h)
	default:
		return c.deleteStray(key)
	}
}

// syncRunning copies the live state machine's snapshot onto the
// machine's status document; it never drives the machine itself,
// since spec changes to an already-running machine are out of scope
// for this reconcile pass (spec.md §3 treats MachineSpec as
// create-time only once Stored).
func (c *MachineController) syncRunning(key scheduler.ControllerKey, h *agent.Handle) (scheduler.ReconcileNext, error) {
	status, _, err := c.loadStatus(key)
	if err != nil {
		return scheduler.ReconcileNext{}, err
	}
	snap := h.GetState()
	status.Phase = phaseFromState(snap.State)
	if snap.State == machine.StateError {
		status.ErrorMsg = snap.Message
	}
	if first := h.GetFirstBootDuration(); first != nil {
		status.FirstBootDurationUs = first.Microseconds()
	}
	if last := h.GetLastBootDuration(); last != nil {
		status.LastBootDurationUs = last.Microseconds()
	}
	if err := c.saveStatus(key, status); err != nil {
		return scheduler.ReconcileNext{}, err
	}
	return scheduler.Done, nil
}

func phaseFromState(state machine.State) resource.Phase {
	switch state {
	case machine.StateIdle:
		return resource.PhaseCreating
	case machine.StateBooting:
		return resource.PhaseBooting
	case machine.StateReady:
		return resource.PhaseReady
	case machine.StateSuspending:
		return resource.PhaseSuspending
	case machine.StateSuspended:
		return resource.PhaseSuspended
	case machine.StateStopping:
		return resource.PhaseStopping
	case machine.StateStopped:
		return resource.PhaseStopped
	default:
		return resource.PhaseError
	}
}

// stopAndCleanup handles a machine whose spec was deleted while it was
// still running: stop it, release its tap/IP/volume, drop its status.
func (c *MachineController) stopAndCleanup(ctx context.Context, key scheduler.ControllerKey, h *agent.Handle) (scheduler.ReconcileNext, error) {
	status, _, err := c.loadStatus(key)
	if err != nil {
		return scheduler.ReconcileNext{}, err
	}
	if err := c.Agents.DeleteMachine(ctx, catalogName(key)); err != nil {
		return scheduler.ReconcileNext{}, err
	}
	if status.MachineImageVolumeID != "" {
		if err := c.Volumes.Delete(status.MachineImageVolumeID); err != nil {
			return scheduler.ReconcileNext{}, err
		}
	}
	if err := c.deleteStatus(key); err != nil {
		return scheduler.ReconcileNext{}, err
	}
	return scheduler.Done, nil
}

// deleteStray drops a status document left behind with no matching
// spec and no live machine — e.g. a crash between stopAndCleanup's
// steps on a prior run.
func (c *MachineController) deleteStray(key scheduler.ControllerKey) (scheduler.ReconcileNext, error) {
	if err := c.deleteStatus(key); err != nil {
		return scheduler.ReconcileNext{}, err
	}
	return scheduler.Done, nil
}

// driveForward advances a stored-but-not-running machine through its
// phase machine one step at a time, from Idle through PullingImage and
// Creating up to the point agent.Manager.CreateMachine hands off to
// the state machine (after which syncRunning takes over).
func (c *MachineController) driveForward(ctx context.Context, key scheduler.ControllerKey, spec resource.MachineSpec) (scheduler.ReconcileNext, error) {
	if err := spec.Validate(c.Cfg.PlatformMinMemoryMB); err != nil {
		return scheduler.ReconcileNext{}, err
	}

	status, _, err := c.loadStatus(key)
	if err != nil {
		return scheduler.ReconcileNext{}, err
	}
	if status.Phase == "" {
		status.Phase = resource.PhaseIdle
	}

	switch status.Phase {
	case resource.PhaseIdle:
		return c.startImagePull(key, spec, status)
	case resource.PhasePullingImage:
		return c.awaitImagePull(key, spec, status)
	case resource.PhaseCreating:
		return c.createAndBoot(ctx, key, spec, status)
	case resource.PhaseError:
		return scheduler.Done, nil
	default:
		// Booting/Ready/Suspending/Suspended/Stopping/Stopped with no
		// live machine means the daemon restarted and lost the
		// in-memory catalog entry; re-enter from Idle rather than get
		// stuck waiting for a state transition that will never come.
		status.Phase = resource.PhaseIdle
		if err := c.saveStatus(key, status); err != nil {
			return scheduler.ReconcileNext{}, err
		}
		return scheduler.Immediate, nil
	}
}

func pullJobKey(reference string) job.Key {
	return job.Key("pull-image-" + reference)
}

func (c *MachineController) submitImagePull(key scheduler.ControllerKey, spec resource.MachineSpec) {
	c.Jobs.RunWithNotify(ownerKey(key), pullJobKey(spec.Image), func(ctx context.Context) (interface{}, error) {
		return c.Images.PullIfNeeded(ctx, spec.Image, image.PullIfNotPresent)
	}, func(ownerKey string, jobKey job.Key, result interface{}, err error) {
		c.Sched.Push(context.Background(), scheduler.Event{Kind: scheduler.AsyncWorkChange, Key: key})
	})
}

func (c *MachineController) startImagePull(key scheduler.ControllerKey, spec resource.MachineSpec, status resource.MachineStatus) (scheduler.ReconcileNext, error) {
	c.submitImagePull(key, spec)
	status.Phase = resource.PhasePullingImage
	if err := c.saveStatus(key, status); err != nil {
		return scheduler.ReconcileNext{}, err
	}
	return scheduler.Done, nil
}

func (c *MachineController) awaitImagePull(key scheduler.ControllerKey, spec resource.MachineSpec, status resource.MachineStatus) (scheduler.ReconcileNext, error) {
	jobKey := pullJobKey(spec.Image)
	result, jobErr, ok := c.Jobs.GetResult(jobKey, ownerKey(key))
	if !ok {
		if !c.Jobs.Running(jobKey) {
			// Daemon restarted mid-pull and lost the in-flight job;
			// resubmit it rather than wait for a notify that's never coming.
			c.submitImagePull(key, spec)
		}
		return scheduler.Done, nil
	}
	if jobErr != nil {
		return scheduler.ReconcileNext{}, jobErr
	}
	row, ok := result.(resource.ImageRow)
	if !ok {
		return scheduler.ReconcileNext{}, fmt.Errorf("machine %s: pull-image job returned unexpected type %T", key.Name, result)
	}
	status.ImageID = row.ID
	status.ImageDigest = row.Digest
	status.Phase = resource.PhaseCreating
	if err := c.saveStatus(key, status); err != nil {
		return scheduler.ReconcileNext{}, err
	}
	return scheduler.Immediate, nil
}

// createAndBoot reserves the machine's IP/tap/overlay root volume (each
// step idempotent against a status already carrying it, so a reconcile
// interrupted midway resumes rather than leaking a second reservation),
// then hands the assembled vmm.Config to agent.Manager and starts it.
func (c *MachineController) createAndBoot(ctx context.Context, key scheduler.ControllerKey, spec resource.MachineSpec, status resource.MachineStatus) (scheduler.ReconcileNext, error) {
	if status.MachineIP == "" {
		res, err := c.Net.ReserveIP(resource.IPReservationVM, catalogName(key))
		if err != nil {
			return scheduler.ReconcileNext{}, err
		}
		status.MachineIP = res.IP
		status.MachineMAC = macFromIP(res.IP)
		if err := c.saveStatus(key, status); err != nil {
			return scheduler.ReconcileNext{}, err
		}
	}

	if status.MachineTap == "" {
		tap, err := c.Net.TapCreate()
		if err != nil {
			return scheduler.ReconcileNext{}, err
		}
		status.MachineTap = tap.Name
		if err := c.saveStatus(key, status); err != nil {
			return scheduler.ReconcileNext{}, err
		}
	}

	if status.MachineImageVolumeID == "" {
		imgRow, ok, err := c.Images.Get(spec.Image)
		if err != nil {
			return scheduler.ReconcileNext{}, err
		}
		if !ok {
			return scheduler.ReconcileNext{}, fmt.Errorf("machine %s: image %q not found after pull", key.Name, spec.Image)
		}
		overlay, err := c.Volumes.CreateOverlay(imgRow.VolumeID)
		if err != nil {
			return scheduler.ReconcileNext{}, err
		}
		status.MachineImageVolumeID = overlay.ID
		if err := c.saveStatus(key, status); err != nil {
			return scheduler.ReconcileNext{}, err
		}
	}

	rootBackend, err := c.Volumes.OpenBackend(status.MachineImageVolumeID)
	if err != nil {
		return scheduler.ReconcileNext{}, err
	}
	extraBackends, err := c.openExtraVolumes(spec)
	if err != nil {
		return scheduler.ReconcileNext{}, err
	}

	gateway, err := c.Net.Gateway(resource.IPReservationVM)
	if err != nil {
		return scheduler.ReconcileNext{}, err
	}
	netmask, err := c.Net.Netmask(resource.IPReservationVM)
	if err != nil {
		return scheduler.ReconcileNext{}, err
	}

	tap := status.MachineTap
	ip := status.MachineIP
	releaseTap := func() error {
		d, err := c.Net.Tap(tap)
		if err != nil {
			return err
		}
		return c.Net.TapDelete(d)
	}
	releaseIP := func() error {
		return c.Net.ReleaseIP(resource.IPReservationVM, ip)
	}

	h, err := c.Agents.CreateMachine(agent.Config{
		Name:          catalogName(key),
		ControllerKey: machine.ControllerKey{Tenant: key.Tenant, Kind: key.Kind, Namespace: key.Namespace, Name: key.Name},
		Mode:          toMachineMode(spec.Mode),
		MachineIP:     status.MachineIP,
		VM: vmm.Config{
			MemoryMiB:      uint64(spec.MemoryMB),
			VCPUCount:      spec.CPUCount,
			KernelPath:     c.Cfg.KernelPath,
			InitrdPath:     c.Cfg.InitrdPath,
			Cmdline:        bootCmdline(c.Cfg.Cmdline, status.MachineIP, gateway, netmask),
			RootBackend:    rootBackend,
			ExtraBackends:  extraBackends,
			TapName:        status.MachineTap,
			GuestMAC:       status.MachineMAC,
			ConsoleLogPath: fmt.Sprintf("%s/%s.log", c.Cfg.ConsoleLogDir, key.Name),
		},
		ReleaseTap: releaseTap,
		ReleaseIP:  releaseIP,
	})
	if err != nil {
		return scheduler.ReconcileNext{}, err
	}
	if err := h.Start(ctx); err != nil {
		return scheduler.ReconcileNext{}, err
	}

	status.Phase = resource.PhaseBooting
	if err := c.saveStatus(key, status); err != nil {
		return scheduler.ReconcileNext{}, err
	}
	return scheduler.Immediate, nil
}

func (c *MachineController) openExtraVolumes(spec resource.MachineSpec) ([]*volume.Backend, error) {
	var backends []*volume.Backend
	for _, mount := range spec.Volumes {
		if mount.Path == "/" {
			continue // the root mount is the image overlay, already opened
		}
		row, ok, err := c.Volumes.Get(mount.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("volume %q: not found", mount.Name)
		}
		backend, err := c.Volumes.OpenBackend(row.ID)
		if err != nil {
			return nil, err
		}
		backends = append(backends, backend)
	}
	return backends, nil
}

func toMachineMode(mode resource.MachineMode) machine.Mode {
	if !mode.IsFlash() {
		return machine.Mode{}
	}
	return machine.Mode{
		Flash: true,
		Strategy: machine.SnapshotStrategy{
			Kind: machine.WaitKind(mode.Flash.Strategy.Kind),
			N:    mode.Flash.Strategy.N,
			Port: mode.Flash.Strategy.Port,
		},
		SuspendTimeout: uint32(mode.Flash.SuspendTimeout.Seconds()),
	}
}

// bootCmdline appends the static network configuration the guest
// kernel needs (spec.md §4.5): with no DHCP server on the data-plane
// bridge, the assigned IP/gateway/netmask are passed on the command
// line the same way Firecracker-style microVMs do it.
func bootCmdline(base, ip, gateway, netmask string) string {
	if ip == "" {
		return base
	}
	return fmt.Sprintf("%s ip=%s::%s:%s::eth0:off", base, ip, gateway, netmask)
}
