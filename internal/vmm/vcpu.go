package vmm

import (
	"context"
	"encoding/binary"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

// KVM_EXIT_* reasons this run loop understands, from linux/kvm.h.
const (
	exitUnknown  = 0
	exitIO       = 2
	exitHlt      = 5
	exitMMIO     = 6
	exitShutdown = 8
	exitFailEntry = 9
	exitInternalError = 17
)

const (
	ioDirOut = 1
	ioDirIn  = 0
)

// i8042 and RTC port ranges handleIO recognizes, from the same
// legacy-peripheral layout the original vcpu.rs's run loop dispatches
// on (ports 0x060/0x061/0x064 for i8042, 0x070..=0x07f for the RTC).
const (
	i8042DataPort    = 0x060
	i8042OutputPort  = 0x061
	i8042CommandPort = 0x064
	rtcPortLow       = 0x070
	rtcPortHigh      = 0x07f
)

func isI8042Port(port uint16) bool {
	return port == i8042DataPort || port == i8042OutputPort || port == i8042CommandPort
}

func isRTCPort(port uint16) bool {
	return port >= rtcPortLow && port <= rtcPortHigh
}

// Boot MSR index numbers this package writes into every vCPU before its
// first KVM_RUN, mirroring cpu_ref::msrs::create_boot_msr_entries.
const (
	msrIA32SysenterCS  = 0x174
	msrIA32SysenterESP = 0x175
	msrIA32SysenterEIP = 0x176
	msrStar            = 0xC0000081
	msrLstar           = 0xC0000082
	msrCstar           = 0xC0000083
	msrSyscallMask     = 0xC0000084
	msrKernelGSBase    = 0xC0000102
	msrIA32TSC         = 0x10
	msrIA32MiscEnable  = 0x1A0

	miscEnableFastString = 1 << 0
)

const bootMsrCount = 10

// LAPIC LVT0/LVT1 register byte offsets within struct kvm_lapic_state,
// and the delivery-mode values this package installs into them
// (cpu_ref::interrupts::{APIC_LVT0_REG_OFFSET,APIC_LVT1_REG_OFFSET,DeliveryMode}).
const (
	apicLVT0Offset = 0x350
	apicLVT1Offset = 0x360

	deliveryModeExtINT = 0x7
	deliveryModeNMI    = 0x4

	deliveryModeMask  = 0x7
	deliveryModeShift = 8
)

// vcpuStopSignal is the signal a Vcpu's Stop sends to its run-loop
// thread to break it out of a blocked KVM_RUN. Go forwards signals it
// doesn't otherwise manage straight to the blocked syscall, so the
// ioctl returns EINTR the same way it would for a Rust vmm using
// vmm-sys-util's Killable.
const vcpuStopSignal = unix.SIGUSR1

// Vcpu owns one guest virtual CPU: its fd, its mmap'd kvm_run page, and
// the devices its exits are routed to. One goroutine per Vcpu runs Run
// pinned to its own OS thread via runtime.LockOSThread, mirroring the
// teacher's one-thread-per-vCPU model (vm/vcpu.rs).
type Vcpu struct {
	index int
	fd    uintptr
	file  *os.File
	run   []byte // mmap'd kvm_run

	mem   *GuestMemory
	pio   *Serial
	mmio  *MMIOBus
	guestManager *GuestManagerDevice

	tid     int32
	stopped atomic.Bool
	errCh   chan error
}

// CreateVcpu creates vCPU number index on vm, configures its initial
// architectural state for a 64-bit long-mode kernel entry at
// entryPoint, and wires its PIO/MMIO exits to the given devices.
func CreateVcpu(dev *Device, vm *vmContext, mem *GuestMemory, index int, entryPoint uint64, pio *Serial, mmio *MMIOBus, guestManager *GuestManagerDevice) (*Vcpu, error) {
	fd, err := ioctlPtr2(vm.fd, kvmCreateVcpu, uintptr(index))
	if err != nil {
		return nil, ignerr.Wrap(ignerr.Kvm, err, "create vcpu %d", index)
	}

	runMap, err := unix.Mmap(int(fd), 0, vm.vcpuMmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, ignerr.Wrap(ignerr.Kvm, err, "mmap kvm_run for vcpu %d", index)
	}

	v := &Vcpu{
		index:        index,
		fd:           fd,
		file:         os.NewFile(fd, "kvm-vcpu"),
		run:          runMap,
		mem:          mem,
		pio:          pio,
		mmio:         mmio,
		guestManager: guestManager,
		errCh:        make(chan error, 1),
	}

	if err := v.configureCPUID(dev); err != nil {
		return nil, err
	}
	if err := v.configureMSRs(); err != nil {
		return nil, err
	}
	if err := v.configureBoot(entryPoint); err != nil {
		return nil, err
	}
	if err := v.configureLAPIC(); err != nil {
		return nil, err
	}

	return v, nil
}

// configureCPUID fetches the host's supported CPUID leaves from dev,
// filters the topology and APIC-id-bearing leaves for this vCPU's
// index, and installs the result (cpu_ref::cpuid::filter_cpuid via
// vcpu_fd.set_cpuid2).
func (v *Vcpu) configureCPUID(dev *Device) error {
	var cp cpuid2
	cp.nent = kvmMaxCPUIDEntries
	if err := ioctlPtr(dev.file.Fd(), kvmGetSupportedCPUID, unsafe.Pointer(&cp)); err != nil {
		return ignerr.Wrap(ignerr.Kvm, err, "get supported cpuid for vcpu %d", v.index)
	}

	filterCPUID(&cp, v.index)

	if err := ioctlPtr(v.fd, kvmSetCPUID2, unsafe.Pointer(&cp)); err != nil {
		return ignerr.Wrap(ignerr.Kvm, err, "set cpuid2 for vcpu %d", v.index)
	}
	return nil
}

// filterCPUID rewrites the topology and local-APIC-id-bearing leaves of
// a host-supported CPUID snapshot so each vCPU reports itself correctly
// within a count-vCPU topology, mirroring cpu_ref::cpuid::filter_cpuid:
// leaf 0x1's initial APIC ID (EBX[31:24]) and leaf 0xB's extended
// topology enumeration (x2APIC id in EDX, one logical processor per
// core at the SMT level since this package never exposes SMT).
func filterCPUID(cp *cpuid2, index int) {
	for i := 0; i < int(cp.nent) && i < kvmMaxCPUIDEntries; i++ {
		e := &cp.entries[i]
		switch e.function {
		case 0x1:
			e.ebx = (e.ebx & 0x00ffffff) | (uint32(index) << 24)
		case 0xb:
			if e.index == 0 {
				e.ebx = 1
			}
			e.edx = uint32(index)
		}
	}
}

// configureMSRs writes the fixed boot MSR set every vCPU needs before
// its first KVM_RUN (cpu_ref::msrs::create_boot_msr_entries via
// vcpu_fd.set_msrs).
func (v *Vcpu) configureMSRs() error {
	entry := func(index uint32, data uint64) msrEntry {
		return msrEntry{index: index, data: data}
	}

	var m msrs
	m.nmsrs = bootMsrCount
	m.entries = [bootMsrCount]msrEntry{
		entry(msrIA32SysenterCS, 0),
		entry(msrIA32SysenterESP, 0),
		entry(msrIA32SysenterEIP, 0),
		entry(msrStar, 0),
		entry(msrCstar, 0),
		entry(msrKernelGSBase, 0),
		entry(msrSyscallMask, 0),
		entry(msrLstar, 0),
		entry(msrIA32TSC, 0),
		entry(msrIA32MiscEnable, miscEnableFastString),
	}

	if err := ioctlPtr(v.fd, kvmSetMSRs, unsafe.Pointer(&m)); err != nil {
		return ignerr.Wrap(ignerr.Kvm, err, "set msrs for vcpu %d", v.index)
	}
	return nil
}

// configureLAPIC sets the in-kernel LAPIC's LVT0/LVT1 delivery modes to
// ExtINT/NMI, matching cpu_ref::interrupts::set_klapic_delivery_mode's
// two calls in configure_lapic — without this the guest never sees the
// legacy PIC's interrupt line routed through the local APIC.
func (v *Vcpu) configureLAPIC() error {
	var lapic lapicState
	if err := ioctlPtr(v.fd, kvmGetLapic, unsafe.Pointer(&lapic)); err != nil {
		return ignerr.Wrap(ignerr.Kvm, err, "get lapic for vcpu %d", v.index)
	}

	setLVTDeliveryMode(&lapic, apicLVT0Offset, deliveryModeExtINT)
	setLVTDeliveryMode(&lapic, apicLVT1Offset, deliveryModeNMI)

	if err := ioctlPtr(v.fd, kvmSetLapic, unsafe.Pointer(&lapic)); err != nil {
		return ignerr.Wrap(ignerr.Kvm, err, "set lapic for vcpu %d", v.index)
	}
	return nil
}

// setLVTDeliveryMode rewrites bits 8-10 (the delivery mode field) of
// the 32-bit LVT register at the given byte offset into regs, leaving
// every other bit - vector, mask, trigger mode - untouched.
func setLVTDeliveryMode(lapic *lapicState, offset int, mode uint32) {
	reg := binary.LittleEndian.Uint32(lapic.regs[offset : offset+4])
	reg = (reg &^ (deliveryModeMask << deliveryModeShift)) | (mode << deliveryModeShift)
	binary.LittleEndian.PutUint32(lapic.regs[offset:offset+4], reg)
}

func (v *Vcpu) configureBoot(entryPoint uint64) error {
	cs, ds, tr, err := writeBootGDT(v.mem)
	if err != nil {
		return err
	}

	var sr sregs
	if err := ioctlPtr(v.fd, kvmGetSregs, unsafe.Pointer(&sr)); err != nil {
		return ignerr.Wrap(ignerr.Kvm, err, "get sregs for vcpu %d", v.index)
	}

	sr.gdt = dtable{base: bootGdtOffset, limit: 4*8 - 1}
	sr.cs, sr.ds, sr.es, sr.fs, sr.gs, sr.ss = cs, ds, ds, ds, ds, ds
	sr.tr = tr

	sr.cr0 |= x86CR0PE
	sr.efer = 0x500 // EFER_LME | EFER_LMA

	pml4 := uint64(pml4Start)
	pdpte := uint64(pdpteStart)
	pde := uint64(pdeStart)

	if err := v.mem.WriteUint64(pml4, pdpte|0x03); err != nil {
		return err
	}
	if err := v.mem.WriteUint64(pdpte, pde|0x03); err != nil {
		return err
	}
	for i := uint64(0); i < 512; i++ {
		if err := v.mem.WriteUint64(pde+i*8, (i<<21)+0x83); err != nil {
			return err
		}
	}

	sr.cr3 = pml4
	sr.cr4 |= x86CR4PAE
	sr.cr0 |= x86CR0PG

	if err := ioctlPtr(v.fd, kvmSetSregs, unsafe.Pointer(&sr)); err != nil {
		return ignerr.Wrap(ignerr.Kvm, err, "set sregs for vcpu %d", v.index)
	}

	r := regs{
		rip:    entryPoint,
		rflags: 0x2,
		rsp:    bootStackPointer,
		rbp:    bootStackPointer,
		rsi:    zeroPageStart,
	}
	if err := ioctlPtr(v.fd, kvmSetRegs, unsafe.Pointer(&r)); err != nil {
		return ignerr.Wrap(ignerr.Kvm, err, "set regs for vcpu %d", v.index)
	}

	f := fpu{fcw: 0x37f, mxcsr: 0x1f80}
	if err := ioctlPtr(v.fd, kvmSetFpu, unsafe.Pointer(&f)); err != nil {
		return ignerr.Wrap(ignerr.Kvm, err, "set fpu for vcpu %d", v.index)
	}

	return nil
}

// runDataHeader mirrors the fixed-size prefix of struct kvm_run before
// the per-exit-reason union.
type runDataHeader struct {
	requestInterruptWindow uint8
	_                      [7]uint8
	exitReason             uint32
	readyForInterruptInjection uint8
	ifFlag                 uint8
	_                      [2]uint8
	cr8                    uint64
	apicBase               uint64
}

const runDataUnionOffset = int(unsafe.Sizeof(runDataHeader{}))

func (v *Vcpu) header() *runDataHeader {
	return (*runDataHeader)(unsafe.Pointer(&v.run[0]))
}

func (v *Vcpu) union() []byte {
	return v.run[runDataUnionOffset:]
}

// Run enters the vCPU's KVM_RUN loop and blocks until the guest halts,
// shuts down, errors, or Stop is called. It must run on a goroutine
// that has called runtime.LockOSThread, since the stop signal targets
// this specific OS thread.
func (v *Vcpu) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	atomic.StoreInt32(&v.tid, int32(unix.Gettid()))

	for {
		if v.stopped.Load() || ctx.Err() != nil {
			return nil
		}

		_, _, errno := unix.Syscall(unix.SYS_IOCTL, v.fd, kvmRun, 0)
		if errno != 0 {
			if errno == unix.EINTR {
				continue
			}
			if errno == unix.EAGAIN {
				continue
			}
			return ignerr.Wrap(ignerr.Kvm, errno, "vcpu %d run", v.index)
		}

		exit := v.header().exitReason
		switch exit {
		case exitHlt, exitShutdown:
			log.Printf("vmm: vcpu %d guest halted (exit reason %d)", v.index, exit)
			return nil
		case exitIO:
			v.handleIO()
		case exitMMIO:
			v.handleMMIO()
			if v.guestManager != nil && v.guestManager.ShouldExitImmediately() {
				return nil
			}
		case exitFailEntry, exitInternalError:
			return ignerr.New(ignerr.Kvm, "vcpu %d fatal exit reason %d", v.index, exit)
		case exitUnknown:
			// Spurious wakeups (e.g. after the stop signal clears
			// kvm_immediate_exit) surface as KVM_EXIT_UNKNOWN; loop
			// back around and re-check the stop flag.
		default:
			log.Printf("vmm: vcpu %d unhandled exit reason %d", v.index, exit)
		}
	}
}

// kvm_run's IO exit union: direction(u8) size(u8) port(u16) count(u32) data_offset(u64)
func (v *Vcpu) handleIO() {
	u := v.union()
	direction := u[0]
	size := u[1]
	port := binary.LittleEndian.Uint16(u[2:4])
	dataOffset := binary.LittleEndian.Uint64(u[8:16])
	data := v.run[dataOffset : dataOffset+uint64(size)]

	if v.pio != nil && v.pio.HandlesPort(port) {
		if direction == ioDirOut {
			v.pio.PioWrite(port, data)
		} else {
			v.pio.PioRead(port, data)
		}
		return
	}

	if direction == ioDirOut {
		switch {
		case isI8042Port(port):
			// No i8042 controller is emulated; a guest poking it (e.g.
			// to request a reset via port 0x64) has nowhere to land.
			log.Printf("vmm: vcpu %d failed to write to i8042 port 0x%x", v.index, port)
		case isRTCPort(port):
			log.Printf("vmm: vcpu %d unhandled rtc port write: 0x%x", v.index, port)
		default:
			log.Printf("vmm: vcpu %d unhandled io port write: 0x%x", v.index, port)
		}
		return
	}

	log.Printf("vmm: vcpu %d unhandled io port read: 0x%x", v.index, port)
	for i := range data {
		data[i] = 0
	}
}

// kvm_run's MMIO exit union: phys_addr(u64) data[8]byte len(u32) is_write(u8)
func (v *Vcpu) handleMMIO() {
	u := v.union()
	addr := binary.LittleEndian.Uint64(u[0:8])
	length := binary.LittleEndian.Uint32(u[16:20])
	isWrite := u[20] != 0
	data := u[8 : 8+length]

	if ShouldHandle(addr) && v.guestManager != nil {
		if isWrite {
			v.guestManager.MMIOWrite(addr-mmioStart, data)
		} else {
			v.guestManager.MMIORead(addr-mmioStart, data)
		}
		return
	}

	if v.mmio == nil {
		return
	}
	if isWrite {
		v.mmio.Write(addr, data)
	} else {
		v.mmio.Read(addr, data)
	}
}

// Stop signals the vCPU's run-loop thread to break out of KVM_RUN.
func (v *Vcpu) Stop() {
	v.stopped.Store(true)
	tid := atomic.LoadInt32(&v.tid)
	if tid != 0 {
		unix.Tgkill(unix.Getpid(), int(tid), vcpuStopSignal)
	}
}

func (v *Vcpu) Close() error {
	unix.Munmap(v.run)
	return v.file.Close()
}

func ioctlPtr2(fd uintptr, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// VcpuSet is the machine.VCPUController implementation: it starts and
// stops every vCPU belonging to one machine as a unit.
type VcpuSet struct {
	vcpus  []*Vcpu
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewVcpuSet(vcpus []*Vcpu) *VcpuSet {
	return &VcpuSet{vcpus: vcpus}
}

// StartAll implements machine.VCPUController: it launches one goroutine
// per vCPU and returns immediately. Errors from individual vCPUs are
// logged, not returned, since a run-loop error belongs to the state
// machine's VcpuError path (spec.md §4.7) rather than to the call that
// requested a start.
func (s *VcpuSet) StartAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, v := range s.vcpus {
		v.stopped.Store(false)
		s.wg.Add(1)
		go func(v *Vcpu) {
			defer s.wg.Done()
			if err := v.Run(runCtx); err != nil {
				log.Printf("vmm: vcpu %d exited with error: %v", v.index, err)
			}
		}(v)
	}
	return nil
}

// StopAll implements machine.VCPUController: it signals every vCPU to
// stop and waits for their run loops to return.
func (s *VcpuSet) StopAll(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	for _, v := range s.vcpus {
		v.Stop()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
