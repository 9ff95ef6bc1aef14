package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lttle-cloud/ignitiond/internal/image"
	"github.com/lttle-cloud/ignitiond/internal/job"
	"github.com/lttle-cloud/ignitiond/internal/resource"
	"github.com/lttle-cloud/ignitiond/internal/scheduler"
	"github.com/lttle-cloud/ignitiond/internal/store"
)

// MachineController's running-branch reconcile paths (syncRunning,
// stopAndCleanup) need a live *agent.Handle, which only comes from
// agent.Manager.CreateMachine's real vmm.Build call into /dev/kvm —
// the same boundary internal/vmm's own tests stop short of crossing.
// These tests cover everything else: the not-running x stored/!stored
// quadrants and the Idle/PullingImage phase steps.

func newTestController(t *testing.T) (*MachineController, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	imgs, err := image.Open(t.TempDir(), s, nil)
	if err != nil {
		t.Fatal(err)
	}

	return &MachineController{
		Store:  s,
		Images: imgs,
		Jobs:   job.New(),
		Sched:  scheduler.New(),
		Cfg:    MachineControllerConfig{PlatformMinMemoryMB: 128},
	}, s
}

func testKey(name string) scheduler.ControllerKey {
	return scheduler.ControllerKey{Tenant: "acme", Kind: string(resource.KindMachine), Name: name}
}

func TestMachineControllerDeleteStrayRemovesOrphanStatus(t *testing.T) {
	c, s := newTestController(t)
	key := testKey("web")

	if err := store.Put(s, statusKey(resource.KindMachine, key.Tenant, key.Name), resource.MachineStatus{Phase: resource.PhaseStopped}); err != nil {
		t.Fatal(err)
	}

	next, err := c.Reconcile(context.Background(), key)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !next.Done {
		t.Fatalf("expected Done, got %+v", next)
	}

	if _, ok, err := c.loadStatus(key); err != nil || ok {
		t.Fatalf("expected status deleted, ok=%v err=%v", ok, err)
	}
}

func TestMachineControllerDriveForwardRejectsInvalidSpec(t *testing.T) {
	c, s := newTestController(t)
	key := testKey("web")

	spec := resource.MachineSpec{Meta: resource.Meta{Tenant: key.Tenant, Name: key.Name}, Image: ""}
	if err := store.Put(s, specKey(resource.KindMachine, key.Tenant, key.Name), spec); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Reconcile(context.Background(), key); err == nil {
		t.Fatal("expected validation error for empty image reference")
	}
}

func TestMachineControllerIdleStartsImagePull(t *testing.T) {
	c, s := newTestController(t)
	key := testKey("web")

	spec := resource.MachineSpec{
		Meta:     resource.Meta{Tenant: key.Tenant, Name: key.Name},
		Image:    "!!!unresolvable-reference!!!",
		MemoryMB: 256,
		CPUCount: 1,
	}
	if err := store.Put(s, specKey(resource.KindMachine, key.Tenant, key.Name), spec); err != nil {
		t.Fatal(err)
	}

	next, err := c.Reconcile(context.Background(), key)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !next.Done {
		t.Fatalf("expected Done, got %+v", next)
	}

	status, ok, err := c.loadStatus(key)
	if err != nil || !ok {
		t.Fatalf("status: ok=%v err=%v", ok, err)
	}
	if status.Phase != resource.PhasePullingImage {
		t.Fatalf("phase = %s, want %s", status.Phase, resource.PhasePullingImage)
	}
	if !c.Jobs.Running(pullJobKey(spec.Image)) {
		t.Fatal("expected pull-image job to be submitted")
	}
}

// TestMachineControllerPullFailureMovesToError drives an invalid image
// reference through the real image.Pool.PullIfNeeded path: manifest
// resolution fails on the malformed reference before any registry is
// ever contacted, giving a fast, network-free job error to observe.
func TestMachineControllerPullFailureMovesToError(t *testing.T) {
	c, s := newTestController(t)
	key := testKey("web")

	spec := resource.MachineSpec{
		Meta:     resource.Meta{Tenant: key.Tenant, Name: key.Name},
		Image:    "!!!not-a-valid-reference!!!",
		MemoryMB: 256,
		CPUCount: 1,
	}
	if err := store.Put(s, specKey(resource.KindMachine, key.Tenant, key.Name), spec); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Reconcile(context.Background(), key); err != nil {
		t.Fatalf("idle->pulling reconcile: %v", err)
	}

	// Poll Reconcile itself (the only path that consumes the job's
	// result via GetResult) until the failed pull surfaces as a
	// reconcile error, or time out.
	var err error
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		var next scheduler.ReconcileNext
		next, err = c.Reconcile(context.Background(), key)
		if err != nil {
			break
		}
		if !next.Done {
			continue
		}
		time.Sleep(time.Millisecond)
	}
	if err == nil {
		t.Fatal("expected error from malformed image reference, got none before deadline")
	}

	errNext := c.HandleError(context.Background(), key, err)
	if !errNext.Done {
		t.Fatalf("expected Done from HandleError, got %+v", errNext)
	}
	status, ok, loadErr := c.loadStatus(key)
	if loadErr != nil || !ok {
		t.Fatalf("status: ok=%v err=%v", ok, loadErr)
	}
	if status.Phase != resource.PhaseError {
		t.Fatalf("phase = %s, want %s", status.Phase, resource.PhaseError)
	}
	if status.ErrorMsg == "" {
		t.Fatal("expected error message to be recorded")
	}
}

func TestMacFromIP(t *testing.T) {
	got := macFromIP("10.0.0.5")
	want := "06:00:0a:00:00:05"
	if got != want {
		t.Fatalf("macFromIP = %s, want %s", got, want)
	}
	if macFromIP("not-an-ip") != "" {
		t.Fatal("expected empty mac for unparsable ip")
	}
}

func TestBootCmdlineAppendsStaticNetworkConfig(t *testing.T) {
	got := bootCmdline("console=ttyS0", "10.0.0.5", "10.0.0.1", "255.255.255.0")
	want := "console=ttyS0 ip=10.0.0.5::10.0.0.1:255.255.255.0::eth0:off"
	if got != want {
		t.Fatalf("bootCmdline = %q, want %q", got, want)
	}
	if got := bootCmdline("console=ttyS0", "", "", ""); got != "console=ttyS0" {
		t.Fatalf("bootCmdline with no ip = %q, want base unchanged", got)
	}
}
