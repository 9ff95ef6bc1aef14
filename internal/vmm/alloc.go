package vmm

import "github.com/lttle-cloud/ignitiond/internal/ignerr"

// IrqAllocator hands out legacy IOAPIC lines to devices in order,
// ported from the teacher's IrqAllocator (vm/devices/alloc.rs).
type IrqAllocator struct {
	initial uint32
	last    uint32
}

// NewIrqAllocator starts handing out IRQs after lastIRQ (the serial
// console's line is reserved below this).
func NewIrqAllocator(lastIRQ uint32) (*IrqAllocator, error) {
	if lastIRQ >= maxIRQ {
		return nil, ignerr.New(ignerr.Internal, "no irqs available starting from %d", lastIRQ)
	}
	return &IrqAllocator{initial: lastIRQ, last: lastIRQ}, nil
}

// Next returns the next unused IRQ line.
func (a *IrqAllocator) Next() (uint32, error) {
	if a.last >= maxIRQ {
		return 0, ignerr.New(ignerr.Internal, "no more irqs available")
	}
	a.last++
	return a.last, nil
}

// Reset rewinds the allocator, used when rebuilding devices for a
// restarted (non-first) boot.
func (a *IrqAllocator) Reset() { a.last = a.initial }

// mmioAllocator is a bump allocator over the MMIO address window
// reserved for virtio devices, mirroring vm_allocator::AddressAllocator
// as used by memory.rs's create_mmio_allocator (the first mmioLen bytes
// are reserved for the guest-manager meta device).
type mmioAllocator struct {
	next uint64
	end  uint64
}

func newMMIOAllocator() *mmioAllocator {
	start := uint64(mmioStart) + uint64(mmioLen)
	return &mmioAllocator{next: start, end: start + uint64(mmioSize)}
}

// Allocate reserves size bytes of MMIO address space for one device;
// a size below mmioDeviceWindow is raised to one full window, larger
// sizes are used as given.
func (a *mmioAllocator) Allocate(size uint64) (uint64, error) {
	if size < mmioDeviceWindow {
		size = mmioDeviceWindow
	}
	if a.next+size > a.end {
		return 0, ignerr.New(ignerr.Internal, "mmio address space exhausted")
	}
	addr := a.next
	a.next += size
	return addr, nil
}
