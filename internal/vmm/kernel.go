package vmm

import (
	"debug/elf"
	"encoding/binary"
	"os"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

// bootParams lays out the fields of the x86 Linux boot protocol's
// struct boot_params that this loader actually populates. The zero
// page is written at zeroPageStart and only needs the header fields
// and E820 table the kernel consults before it can reach the command
// line and initrd, so most of struct boot_params (APM, EDD, video...)
// is left as reserved padding here rather than modeled field-by-field.
//
// Offsets below are taken from the kernel boot protocol
// (Documentation/x86/boot.rst / asm/bootparam.h).
const (
	offE820Entries  = 0x1e8
	offE820Table    = 0x2d0
	e820EntrySize   = 20 // u64 addr, u64 size, u32 type

	offSetupSects   = 0x1f1
	offBootFlag     = 0x1fe
	offHeaderMagic  = 0x202
	offCmdlinePtr   = 0x228
	offRamdiskImage = 0x218
	offRamdiskSize  = 0x21c
	offKernelAlign  = 0x230
	offCmdlineSize  = 0x238
	offTypeOfLoader = 0x210
)

// KernelImage is the result of loading an ELF kernel: where its entry
// point is and what guest-physical range the initrd was placed at.
type KernelImage struct {
	EntryPoint  uint64
	InitrdAddr  uint64
	InitrdSize  uint64
	CmdlineSize uint32
}

// LoadKernel loads a bzImage-less, directly-bootable ELF kernel (e.g. a
// vmlinux built with CONFIG_RELOCATABLE) into guest memory, each
// loadable segment at its physical address, which must lie at or above
// highRamStart; it places the initrd just below the top of the first
// memory region, writes the E820 map and zero page, and returns the
// guest entry point. Grounded on the teacher's vm/kernel.rs, using
// Go's stdlib debug/elf in place of the Rust linux-loader crate, which
// has no Go equivalent in the example corpus.
func LoadKernel(mem *GuestMemory, kernelPath, initrdPath, cmdline string) (*KernelImage, error) {
	entry, err := loadELF(mem, kernelPath)
	if err != nil {
		return nil, err
	}

	initrdAddr, initrdSize, err := loadInitrd(mem, initrdPath)
	if err != nil {
		return nil, err
	}

	if err := writeCmdline(mem, cmdline); err != nil {
		return nil, err
	}

	if err := writeE820AndHeader(mem, initrdAddr, initrdSize, uint32(len(cmdline)+1)); err != nil {
		return nil, err
	}

	return &KernelImage{
		EntryPoint:  entry,
		InitrdAddr:  initrdAddr,
		InitrdSize:  initrdSize,
		CmdlineSize: uint32(len(cmdline) + 1),
	}, nil
}

func loadELF(mem *GuestMemory, path string) (uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, ignerr.Wrap(ignerr.IO, err, "open kernel elf %s", path)
	}
	defer f.Close()

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		if prog.Paddr < highRamStart {
			return 0, ignerr.New(ignerr.Validation, "kernel segment at %#x lies below high RAM start %#x", prog.Paddr, highRamStart)
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return 0, ignerr.Wrap(ignerr.IO, err, "read kernel segment at %#x", prog.Paddr)
		}
		if err := mem.WriteAt(prog.Paddr, data); err != nil {
			return 0, ignerr.Wrap(ignerr.IO, err, "write kernel segment at %#x", prog.Paddr)
		}
	}

	return f.Entry, nil
}

func loadInitrd(mem *GuestMemory, path string) (addr, size uint64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, ignerr.Wrap(ignerr.IO, err, "read initrd %s", path)
	}
	if len(data) == 0 {
		return 0, 0, ignerr.New(ignerr.Validation, "initrd image %s is empty", path)
	}

	// Place the initrd just below the end of the first memory region,
	// page-aligned, the same placement strategy as the teacher's
	// load_initrd (the kernel is loaded at the bottom of memory, the
	// initrd at the top, leaving the middle free for runtime use).
	top := mem.Size()
	if uint64(len(data)) > top {
		return 0, 0, ignerr.New(ignerr.Validation, "initrd larger than guest memory")
	}
	placement := (top - uint64(len(data))) &^ (pageSize - 1)

	if err := mem.WriteAt(placement, data); err != nil {
		return 0, 0, err
	}
	return placement, uint64(len(data)), nil
}

func writeCmdline(mem *GuestMemory, cmdline string) error {
	if len(cmdline)+1 > cmdlineCap {
		return ignerr.New(ignerr.Validation, "kernel cmdline exceeds %d bytes", cmdlineCap)
	}
	buf := make([]byte, len(cmdline)+1) // NUL-terminated
	copy(buf, cmdline)
	return mem.WriteAt(cmdlineStart, buf)
}

func writeE820AndHeader(mem *GuestMemory, initrdAddr, initrdSize uint64, cmdlineSize uint32) error {
	zero, err := mem.Slice(zeroPageStart, pageSize)
	if err != nil {
		return err
	}
	for i := range zero {
		zero[i] = 0
	}

	binary.LittleEndian.PutUint16(zero[offBootFlag:], kernelBootFlagMagic)
	binary.LittleEndian.PutUint32(zero[offHeaderMagic:], kernelHdrMagic)
	binary.LittleEndian.PutUint32(zero[offKernelAlign:], kernelMinAlignmentBytes)
	zero[offTypeOfLoader] = kernelLoaderOther

	binary.LittleEndian.PutUint32(zero[offRamdiskImage:], uint32(initrdAddr))
	binary.LittleEndian.PutUint32(zero[offRamdiskSize:], uint32(initrdSize))
	binary.LittleEndian.PutUint32(zero[offCmdlinePtr:], uint32(cmdlineStart))
	binary.LittleEndian.PutUint32(zero[offCmdlineSize:], cmdlineSize)

	entries := 0
	writeE820Entry(zero, entries, 0, ebdaStart, e820Ram)
	entries++
	writeE820Entry(zero, entries, highRamStart, mem.Size()-highRamStart, e820Ram)
	entries++
	zero[offE820Entries] = byte(entries)

	return nil
}

func writeE820Entry(zero []byte, index int, addr, size uint64, typ uint32) {
	off := offE820Table + index*e820EntrySize
	binary.LittleEndian.PutUint64(zero[off:], addr)
	binary.LittleEndian.PutUint64(zero[off+8:], size)
	binary.LittleEndian.PutUint32(zero[off+16:], typ)
}
