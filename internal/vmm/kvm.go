// Package vmm owns KVM directly: it opens /dev/kvm, builds one VM per
// flash machine, maps guest memory, loads a kernel, and runs one
// goroutine per vCPU. No cloud-hypervisor or libkrun process sits
// between ignitiond and the guest — spec.md §4.6 requires the control
// plane to be the hypervisor.
//
// There is no maintained Go KVM binding in the example corpus (the only
// KVM-adjacent reference is gvisor's raw-ioctl sentry/platform/kvm
// backend), so this package talks to /dev/kvm the same way that backend
// does: unix.Syscall(unix.SYS_IOCTL, ...) against the stable numeric
// ioctl codes from linux/kvm.h, with Go structs laid out to match the
// corresponding C structs field-for-field.
package vmm

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

// KVM ioctl codes, from linux/kvm.h. These are part of the kernel's
// stable uAPI and do not vary across kernel versions.
const (
	kvmGetAPIVersion     = 0xAE00
	kvmCreateVM          = 0xAE01
	kvmCreateVcpu        = 0xAE41
	kvmGetVcpuMmapSize   = 0xAE04
	kvmSetUserMemoryRegn = 0x4020AE46
	kvmCreateIrqChip     = 0xAE60
	kvmCreatePIT2        = 0x4040AE77
	kvmIRQFd             = 0x4020AE76
	kvmRun               = 0xAE80
	kvmGetRegs           = 0x8090AE81
	kvmSetRegs           = 0x4090AE82
	kvmGetSregs          = 0x8138AE83
	kvmSetSregs          = 0x4138AE84
	kvmGetFpu            = 0x8200AE8C
	kvmSetFpu            = 0x4200AE8D
	kvmSetTSSAddr        = 0xAE97
	kvmSetIdentityMapAddr = 0x4008AE48
	kvmGetSupportedCPUID = 0xC008AE05
	kvmSetCPUID2         = 0x4008AE90
	kvmSetMSRs           = 0x4008AE89
	kvmGetLapic          = 0x8400AE8E
	kvmSetLapic          = 0x4400AE8F
)

const kvmAPIVersion = 12

// kvmMaxCPUIDEntries bounds the entries array this package asks
// KVM_GET_SUPPORTED_CPUID to fill; comfortably above what any real host
// CPU reports (kvm-ioctls uses the same kind of fixed cap).
const kvmMaxCPUIDEntries = 100

// kvmAPICRegSize is struct kvm_lapic_state's fixed register-file size.
const kvmAPICRegSize = 0x400

// cpuidEntry2 mirrors struct kvm_cpuid_entry2.
type cpuidEntry2 struct {
	function uint32
	index    uint32
	flags    uint32
	eax, ebx, ecx, edx uint32
	padding  [3]uint32
}

// cpuid2 mirrors struct kvm_cpuid2 with its flexible entries array
// turned into a fixed-size one sized to kvmMaxCPUIDEntries.
type cpuid2 struct {
	nent    uint32
	padding uint32
	entries [kvmMaxCPUIDEntries]cpuidEntry2
}

// msrEntry mirrors struct kvm_msr_entry.
type msrEntry struct {
	index    uint32
	reserved uint32
	data     uint64
}

// msrs mirrors struct kvm_msrs with its flexible entries array turned
// into a fixed-size one sized to the boot MSR set this package writes.
type msrs struct {
	nmsrs   uint32
	pad     uint32
	entries [bootMsrCount]msrEntry
}

// lapicState mirrors struct kvm_lapic_state: a flat register file
// addressed by byte offset, each register occupying a 16-byte-aligned
// 4-byte slot.
type lapicState struct {
	regs [kvmAPICRegSize]byte
}

// userMemoryRegion mirrors struct kvm_userspace_memory_region.
type userMemoryRegion struct {
	slot          uint32
	flags         uint32
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
}

// irqfd mirrors struct kvm_irqfd.
type irqfd struct {
	fd     uint32
	gsi    uint32
	flags  uint32
	resamplefd uint32
	pad    [16]byte
}

// pitConfig mirrors struct kvm_pit_config.
type pitConfig struct {
	flags uint32
	pad   [15]uint32
}

const pitSpeakerDummy = 1 << 3

// regs mirrors struct kvm_regs (the general purpose register file).
type regs struct {
	rax, rbx, rcx, rdx    uint64
	rsi, rdi, rsp, rbp    uint64
	r8, r9, r10, r11      uint64
	r12, r13, r14, r15    uint64
	rip, rflags           uint64
}

// segment mirrors struct kvm_segment.
type segment struct {
	base                           uint64
	limit                          uint32
	selector                       uint16
	segType                        uint8
	present, dpl, db, s, l, g, avl uint8
	unusable                       uint8
	_pad                           uint8
}

// dtable mirrors struct kvm_dtable (gdt/idt).
type dtable struct {
	base  uint64
	limit uint16
	_pad  [3]uint16
}

// sregs mirrors the parts of struct kvm_sregs this package sets up:
// segment registers, descriptor tables, and control registers, in the
// same field order as the kernel struct up through efer.
type sregs struct {
	cs, ds, es, fs, gs, ss segment
	tr, ldt                segment
	gdt, idt               dtable
	cr0, cr2, cr3, cr4     uint64
	cr8                    uint64
	efer                   uint64
	apicBase               uint64
	interruptBitmap        [256 / 64]uint64
}

// fpu mirrors the leading fields of struct kvm_fpu this package cares
// about (fcw/mxcsr); the remaining reserved bytes are left zeroed by
// Go's zero value.
type fpu struct {
	fpr      [8][16]uint8
	fcw      uint16
	fsw      uint16
	ftwx     uint8
	pad1     uint8
	lastOpcode uint16
	lastIP   uint64
	lastDP   uint64
	xmm      [16][16]uint8
	mxcsr    uint32
	pad2     uint32
}

// Device wraps the open /dev/kvm file descriptor.
type Device struct {
	file *os.File
}

// OpenDevice opens /dev/kvm and verifies the host supports the KVM API
// version this package was written against.
func OpenDevice() (*Device, error) {
	f, err := os.OpenFile("/dev/kvm", unix.O_RDWR, 0)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.Kvm, err, "open /dev/kvm")
	}
	version, err := ioctlNoArg(f.Fd(), kvmGetAPIVersion)
	if err != nil {
		f.Close()
		return nil, ignerr.Wrap(ignerr.Kvm, err, "get kvm api version")
	}
	if version != kvmAPIVersion {
		f.Close()
		return nil, ignerr.New(ignerr.Kvm, "unsupported kvm api version %d, want %d", version, kvmAPIVersion)
	}
	return &Device{file: f}, nil
}

func (d *Device) Close() error { return d.file.Close() }

// vmContext is one KVM virtual machine context: its fd, the memory
// slots registered against it, and the vCPUs created on it. This is
// the raw KVM object; the package's exported VM type (vm.go) pairs one
// of these with the guest memory, devices, and vCPUs built on top.
type vmContext struct {
	fd           uintptr
	file         *os.File
	mu           sync.Mutex
	nextSlot     uint32
	vcpuMmapSize int
}

// CreateVM creates a new VM context on the given device.
func (d *Device) CreateVM() (*vmContext, error) {
	fd, err := ioctlNoArg(d.file.Fd(), kvmCreateVM)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.Kvm, err, "create vm")
	}
	mmapSize, err := ioctlNoArg(d.file.Fd(), kvmGetVcpuMmapSize)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.Kvm, err, "get vcpu mmap size")
	}
	return &vmContext{
		fd:           uintptr(fd),
		file:         os.NewFile(uintptr(fd), "/dev/kvm-vm"),
		vcpuMmapSize: mmapSize,
	}, nil
}

// SetUserMemoryRegion maps a host memory range into the guest's
// physical address space at the next free slot.
func (vm *vmContext) SetUserMemoryRegion(guestPhysAddr uint64, hostAddr uintptr, size uint64) error {
	vm.mu.Lock()
	slot := vm.nextSlot
	vm.nextSlot++
	vm.mu.Unlock()

	region := userMemoryRegion{
		slot:          slot,
		guestPhysAddr: guestPhysAddr,
		memorySize:    size,
		userspaceAddr: uint64(hostAddr),
	}
	if err := ioctlPtr(vm.fd, kvmSetUserMemoryRegn, unsafe.Pointer(&region)); err != nil {
		return ignerr.Wrap(ignerr.Kvm, err, "set user memory region slot %d", slot)
	}
	return nil
}

// CreateIrqChip installs an in-kernel IOAPIC/PIC pair and an in-kernel
// PIT with its speaker line disabled, matching the teacher's
// setup_irq_controller.
func (vm *vmContext) CreateIrqChip() error {
	if err := ioctlNoArgOnFd(vm.fd, kvmCreateIrqChip); err != nil {
		return ignerr.Wrap(ignerr.Kvm, err, "create irq chip")
	}
	cfg := pitConfig{flags: pitSpeakerDummy}
	if err := ioctlPtr(vm.fd, kvmCreatePIT2, unsafe.Pointer(&cfg)); err != nil {
		return ignerr.Wrap(ignerr.Kvm, err, "create pit2")
	}
	return nil
}

// RegisterIRQFd wires an eventfd so that writing to it raises the given
// guest IRQ line without a vCPU exit, used for serial and virtio
// interrupt injection.
func (vm *vmContext) RegisterIRQFd(fd int, irq uint32) error {
	req := irqfd{fd: uint32(fd), gsi: irq}
	if err := ioctlPtr(vm.fd, kvmIRQFd, unsafe.Pointer(&req)); err != nil {
		return ignerr.Wrap(ignerr.Kvm, err, "register irqfd for irq %d", irq)
	}
	return nil
}

// ioctlNoArg issues an argument-less ioctl against an arbitrary fd
// (used for /dev/kvm itself, before a VM fd exists).
func ioctlNoArg(fd uintptr, req uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func ioctlNoArgOnFd(fd uintptr, req uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlPtr(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func init() {
	// Guard against struct-layout mistakes: these sizes are fixed by
	// the kernel uAPI and a mismatch here means an ioctl will corrupt
	// adjacent memory instead of failing cleanly.
	if unsafe.Sizeof(regs{}) != 18*8 {
		panic(fmt.Sprintf("vmm: kvm_regs size mismatch: %d", unsafe.Sizeof(regs{})))
	}
}
