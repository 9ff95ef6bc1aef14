package vmm

// Layout constants for a directly-booted 64-bit Linux guest on x86_64,
// grounded on the x86 boot protocol and mirrored from the teacher's
// constants module (spec.md §4.6).
const (
	pageSize = 1 << 12

	// bootGdtOffset and the page-table region sit in low memory, below
	// where the kernel image itself is loaded.
	bootGdtOffset = 0x500
	pml4Start     = 0x9000
	pdpteStart    = 0xa000
	pdeStart      = 0xb000
	zeroPageStart = 0x7000

	bootStackPointer = 0x8ff0

	// highRamStart is where the 64-bit ELF kernel is loaded; everything
	// below it is reserved for boot structures (GDT, page tables, zero
	// page, command line).
	highRamStart = 0x0010_0000
	ebdaStart    = 0x0009_fc00
	cmdlineStart = 0x0002_0000
	cmdlineCap   = 4096

	x86CR0PE = 0x1
	x86CR0PG = 0x8000_0000
	x86CR4PAE = 0x20

	e820Ram = 1

	kernelBootFlagMagic       = 0xAA55
	kernelHdrMagic            = 0x53726448
	kernelLoaderOther         = 0xFF
	kernelMinAlignmentBytes   = 0x0100_0000
	maxE820Entries            = 128

	// maxIRQ bounds the legacy IOAPIC line space a guest's IRQ
	// allocator hands out for serial/virtio devices.
	maxIRQ    = 23
	serialIRQ = 4

	// mmioStart/mmioLen/mmioSize reserve the low end of the MMIO window
	// for the guest-manager meta device; everything above it is handed
	// out by the MMIO bump allocator to virtio devices.
	mmioStart = 0xd000_0000
	mmioLen   = 0x1000
	mmioSize  = 0x1000_0000

	mmioDeviceWindow = 0x1000
)
