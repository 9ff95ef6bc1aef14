package vmm

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

// GuestMemory is a single anonymous, shared mmap backing a guest's
// entire physical address space starting at guest address 0. The
// teacher's original supports an on-disk-backed variant for state
// retention across restarts (memory.rs's MachineStateRetentionMode);
// flash machines don't need that here because suspend keeps the VM
// process alive rather than serializing memory to disk, so only the
// anonymous-mapping path is implemented.
type GuestMemory struct {
	data []byte
}

// NewGuestMemory mmaps sizeBytes of anonymous, zeroed memory for use as
// guest RAM.
func NewGuestMemory(sizeBytes uint64) (*GuestMemory, error) {
	data, err := unix.Mmap(-1, 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.Kvm, err, "mmap %d bytes of guest memory", sizeBytes)
	}
	return &GuestMemory{data: data}, nil
}

// Close unmaps the guest memory region.
func (m *GuestMemory) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Size returns the guest memory region's length in bytes.
func (m *GuestMemory) Size() uint64 { return uint64(len(m.data)) }

// HostAddr returns the host virtual address backing guest address 0,
// for handing to KVM_SET_USER_MEMORY_REGION.
func (m *GuestMemory) HostAddr() uintptr {
	return uintptr(unsafe.Pointer(&m.data[0]))
}

// Slice returns a byte slice over [addr, addr+length) of guest physical
// memory. Callers must keep addr+length within Size().
func (m *GuestMemory) Slice(addr, length uint64) ([]byte, error) {
	if addr+length > uint64(len(m.data)) {
		return nil, ignerr.New(ignerr.Validation, "guest memory access [%d,%d) out of range (size %d)", addr, addr+length, len(m.data))
	}
	return m.data[addr : addr+length], nil
}

// WriteAt copies data into guest memory starting at addr.
func (m *GuestMemory) WriteAt(addr uint64, data []byte) error {
	dst, err := m.Slice(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// WriteUint64 stores a little-endian u64 at addr, used for page table
// entries and other boot-time scalar writes.
func (m *GuestMemory) WriteUint64(addr, value uint64) error {
	dst, err := m.Slice(addr, 8)
	if err != nil {
		return err
	}
	for i := 0; i < 8; i++ {
		dst[i] = byte(value >> (8 * i))
	}
	return nil
}
