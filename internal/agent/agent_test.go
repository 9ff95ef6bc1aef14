package agent

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/lttle-cloud/ignitiond/internal/machine"
	"github.com/lttle-cloud/ignitiond/internal/vmm"
)

// fakeVcpus and fakeGuestManager mirror internal/machine's own test
// doubles; agent only needs enough of a live StateMachine to exercise
// its own wiring, not machine's transition table (that's covered by
// internal/machine's tests).
type fakeVcpus struct{}

func (fakeVcpus) StartAll(ctx context.Context) error { return nil }
func (fakeVcpus) StopAll(ctx context.Context) error  { return nil }

type fakeGuestManager struct{}

func (fakeGuestManager) SetSnapshotStrategy(*machine.SnapshotStrategy) {}
func (fakeGuestManager) SetBootDuration(time.Duration)                {}

func newTestHandle(t *testing.T, name, ip string) *Handle {
	t.Helper()
	sm := machine.New(machine.Config{Name: name}, fakeVcpus{}, fakeGuestManager{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sm.Run(ctx)
	return &Handle{name: name, machineIP: ip, sm: sm}
}

func waitForState(t *testing.T, h *Handle, want machine.State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.GetState().State == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("machine %s: timed out waiting for state %s, last seen %s", h.name, want, h.GetState().State)
}

func TestTranslateDeviceEventMapsToStateMachineCommands(t *testing.T) {
	h := newTestHandle(t, "m1", "127.0.0.1")

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, h, machine.StateBooting)

	h.translateDeviceEvent(vmm.DeviceEventUserSpaceReady, vmm.ListenInfo{})
	waitForState(t, h, machine.StateReady)
}

func mustParsePort(t *testing.T, addr string) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", addr, err)
	}
	n, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi(%q): %v", portStr, err)
	}
	return uint16(n)
}

func TestGetConnectionWaitsForReadyThenDials(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	portNum := mustParsePort(t, ln.Addr().String())

	h := newTestHandle(t, "m2", "127.0.0.1")
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, h, machine.StateBooting)

	// Reach Ready concurrently with the GetConnection call below, the
	// same way a real guest's device event races the proxy's connect.
	go func() {
		time.Sleep(20 * time.Millisecond)
		h.translateDeviceEvent(vmm.DeviceEventUserSpaceReady, vmm.ListenInfo{})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := h.GetConnection(ctx, portNum, 0)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("backend listener never accepted a connection")
	}
}

func TestGetConnectionFailsWhenBackendUnreachable(t *testing.T) {
	h := newTestHandle(t, "m3", "127.0.0.1")
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, h, machine.StateBooting)
	h.translateDeviceEvent(vmm.DeviceEventUserSpaceReady, vmm.ListenInfo{})
	waitForState(t, h, machine.StateReady)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if _, err := h.GetConnection(ctx, 1, 0); err == nil {
		t.Fatal("expected dial failure on an unused port, got nil error")
	}
}

func TestWaitReadyTimesOutWhenMachineNeverBoots(t *testing.T) {
	h := newTestHandle(t, "m4", "127.0.0.1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sub, cancelSub := h.sm.Subscribe()
	defer cancelSub()
	if err := h.waitReady(ctx, sub); err == nil {
		t.Fatal("expected waitReady to time out while machine stays idle")
	}
}
