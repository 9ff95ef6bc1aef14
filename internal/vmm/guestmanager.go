package vmm

import (
	"encoding/binary"
	"log"
	"sync"
	"time"

	"github.com/lttle-cloud/ignitiond/internal/machine"
)

// DeviceEvent is what the guest-manager device reports up to
// internal/agent, which translates it into machine.Command values
// (spec.md §4.6's trigger protocol feeding spec.md §4.7's state
// machine). Mirrors the teacher's vm/devices/mod.rs DeviceEvent enum.
type DeviceEvent int

const (
	DeviceEventUserSpaceReady DeviceEvent = iota
	DeviceEventFlashLock
	DeviceEventFlashUnlock
	DeviceEventListen
)

// ListenInfo carries the port a BeforeListen/AfterListen trigger named,
// and whether it was the After variant, when the event is
// DeviceEventListen.
type ListenInfo struct {
	Port  uint16
	After bool
}

// trigger and cmd byte codes written by the guest's trigger library
// (triggers at MMIO offset 0, cmds at offset 8), taken verbatim from the
// teacher's guest_manager.rs so
// the wire protocol matches exactly.
const (
	triggerAfterOffset     = 127
	cmdOffset              = 64
	triggerSysListen       = 1
	triggerSysBind         = 2
	triggerUserSpaceReady  = 3
	triggerManual          = 10
	triggerSysListenAfter  = triggerAfterOffset + triggerSysListen
	triggerSysBindAfter    = triggerAfterOffset + triggerSysBind

	cmdFlashLock   = cmdOffset + 0
	cmdFlashUnlock = cmdOffset + 1

	readOffsetLastBootTime  = 0
	readOffsetFirstBootTime = 8

	writeOffsetTrigger = 0
	writeOffsetCmd     = 8
)

// GuestManagerDevice is the meta MMIO device every guest harness talks
// to: it reports boot-timing, accepts flash-lock/unlock commands from
// the guest's socket proxy, and tells the vCPU run loop when to
// immediately exit so the state machine can observe a snapshot trigger
// (spec.md §4.6). It implements machine.GuestManagerDevice.
type GuestManagerDevice struct {
	mu sync.Mutex

	listenTriggerCount uint32
	firstBootDuration  *time.Duration
	lastBootDuration   *time.Duration
	strategy           *machine.SnapshotStrategy

	onEvent func(DeviceEvent, ListenInfo)

	exitRequested bool
}

// NewGuestManagerDevice constructs a device with no active snapshot
// strategy (Regular-mode machines never request an exit from a
// trigger). onEvent is called synchronously from the vCPU goroutine
// handling the MMIO exit — it must not block.
func NewGuestManagerDevice(onEvent func(DeviceEvent, ListenInfo)) *GuestManagerDevice {
	return &GuestManagerDevice{onEvent: onEvent}
}

// SetSnapshotStrategy implements machine.GuestManagerDevice.
func (g *GuestManagerDevice) SetSnapshotStrategy(strategy *machine.SnapshotStrategy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.strategy = strategy
}

// SetBootDuration implements machine.GuestManagerDevice.
func (g *GuestManagerDevice) SetBootDuration(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.firstBootDuration == nil {
		g.firstBootDuration = &d
	}
	g.lastBootDuration = &d
}

// ShouldHandle reports whether addr falls in the reserved
// guest-manager MMIO window (the first mmioLen bytes of the MMIO
// window, per mmioStart/mmioLen).
func ShouldHandle(addr uint64) bool {
	return addr >= mmioStart && addr < mmioStart+mmioLen
}

// MMIORead implements MMIODevice.
func (g *GuestManagerDevice) MMIORead(offset uint64, data []byte) {
	if len(data) != 8 {
		log.Printf("vmm: guest manager: invalid read length %d", len(data))
		return
	}

	g.mu.Lock()
	var value uint64
	switch offset {
	case readOffsetLastBootTime:
		if g.lastBootDuration != nil {
			value = uint64(g.lastBootDuration.Microseconds())
		}
	case readOffsetFirstBootTime:
		if g.firstBootDuration != nil {
			value = uint64(g.firstBootDuration.Microseconds())
		}
	default:
		log.Printf("vmm: guest manager: unhandled read offset %d", offset)
	}
	g.mu.Unlock()

	binary.LittleEndian.PutUint64(data, value)
}

// MMIOWrite implements MMIODevice. Returns nothing (the vCPU run loop
// checks ShouldExitImmediately after every write instead).
func (g *GuestManagerDevice) MMIOWrite(offset uint64, data []byte) {
	switch offset {
	case writeOffsetTrigger:
		g.processTrigger(data)
	case writeOffsetCmd:
		g.processCmd(data)
	default:
		log.Printf("vmm: guest manager: unhandled write offset %d", offset)
	}
}

// ShouldExitImmediately reports and clears whether the last trigger
// satisfied the active snapshot strategy, so the vCPU run loop can
// break out of KVM_RUN and let the state machine see a snapshot point.
func (g *GuestManagerDevice) ShouldExitImmediately() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.exitRequested
	g.exitRequested = false
	return v
}

func (g *GuestManagerDevice) processTrigger(data []byte) {
	if len(data) != 8 {
		log.Printf("vmm: guest manager: invalid trigger payload length %d", len(data))
		return
	}
	code := data[0]

	switch code {
	case triggerSysListenAfter, triggerSysBindAfter, triggerSysListen, triggerSysBind:
		port := binary.LittleEndian.Uint16(data[1:3])
		after := code == triggerSysListenAfter || code == triggerSysBindAfter
		isListen := code == triggerSysListen || code == triggerSysListenAfter

		if after && isListen {
			g.mu.Lock()
			g.listenTriggerCount++
			count := g.listenTriggerCount
			strategy := g.strategy
			g.mu.Unlock()
			g.evaluateListenStrategy(strategy, port, count)
		}
		if g.onEvent != nil && isListen {
			g.onEvent(DeviceEventListen, ListenInfo{Port: port, After: after})
		}
	case triggerUserSpaceReady:
		g.mu.Lock()
		strategy := g.strategy
		g.mu.Unlock()
		if g.onEvent != nil {
			g.onEvent(DeviceEventUserSpaceReady, ListenInfo{})
		}
		if strategy != nil && strategy.Kind == machine.WaitForUserSpaceReady {
			g.requestExit()
		}
	case triggerManual:
		g.mu.Lock()
		strategy := g.strategy
		g.mu.Unlock()
		if strategy != nil && strategy.Kind == machine.WaitManual {
			g.requestExit()
		}
	default:
		log.Printf("vmm: guest manager: unknown trigger code %d", code)
	}
}

func (g *GuestManagerDevice) evaluateListenStrategy(strategy *machine.SnapshotStrategy, port uint16, count uint32) {
	if strategy == nil {
		return
	}
	switch strategy.Kind {
	case machine.WaitForFirstListen:
		g.requestExit()
	case machine.WaitForNthListen:
		if count >= strategy.N {
			g.requestExit()
		}
	case machine.WaitForListenOnPort:
		if port == strategy.Port {
			g.requestExit()
		}
	}
}

func (g *GuestManagerDevice) requestExit() {
	g.mu.Lock()
	g.exitRequested = true
	g.mu.Unlock()
}

func (g *GuestManagerDevice) processCmd(data []byte) {
	if len(data) < 1 {
		return
	}
	switch data[0] {
	case cmdFlashLock:
		if g.onEvent != nil {
			g.onEvent(DeviceEventFlashLock, ListenInfo{})
		}
	case cmdFlashUnlock:
		if g.onEvent != nil {
			g.onEvent(DeviceEventFlashUnlock, ListenInfo{})
		}
	default:
		log.Printf("vmm: guest manager: unknown cmd code %d", data[0])
	}
}
