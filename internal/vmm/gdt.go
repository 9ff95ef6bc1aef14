package vmm

// gdtEntry builds one raw 64-bit GDT descriptor the same way the
// teacher's cpu_ref::gdt::Gdt does: flags packed into the high half,
// base/limit split across the low and high halves.
func gdtEntry(flags, base, limit uint32) uint64 {
	lowBase := uint64(base&0xFFFFFF) << 16
	highBase := uint64(base>>24) << 56
	lowLimit := uint64(limit & 0xFFFF)
	highLimit := uint64((limit>>16)&0xF) << 48
	return lowBase | highBase | lowLimit | highLimit | (uint64(flags) << 40)
}

// Segment descriptor flag bits (Intel SDM vol 3, figure 3-8).
const (
	gdtFlagPresent  = 1 << 7
	gdtFlagNotSys   = 1 << 4
	gdtFlagExec     = 1 << 3
	gdtFlagRW       = 1 << 1
	gdtFlagGran4K   = 1 << 7
	gdtFlagLongMode = 1 << 5
)

// bootGDT returns the four flat descriptors boot64 writes: null, a
// 64-bit code segment, a data segment, and a copy of the data descriptor
// in the TSS slot, identical in spirit to the
// teacher's Gdt::default() table written at bootGdtOffset.
func bootGDT() [4]uint64 {
	codeFlags := uint32(gdtFlagPresent|gdtFlagNotSys|gdtFlagExec|gdtFlagRW) | uint32(gdtFlagGran4K|gdtFlagLongMode)<<8
	dataFlags := uint32(gdtFlagPresent|gdtFlagNotSys|gdtFlagRW) | uint32(gdtFlagGran4K)<<8
	return [4]uint64{
		0,
		gdtEntry(codeFlags, 0, 0xFFFFF),
		gdtEntry(dataFlags, 0, 0xFFFFF),
		gdtEntry(dataFlags, 0, 0xFFFFF), // reused for TSS's flat data view
	}
}

// writeBootGDT writes the flat GDT into guest memory at bootGdtOffset
// and returns the kvm_segment values for cs/ds/tr the vCPU's sregs
// should be configured with.
func writeBootGDT(mem *GuestMemory) (cs, ds, tr segment, err error) {
	table := bootGDT()
	for i, entry := range table {
		if werr := mem.WriteUint64(uint64(bootGdtOffset+i*8), entry); werr != nil {
			return segment{}, segment{}, segment{}, werr
		}
	}

	flat := func(selector uint16, code bool) segment {
		s := segment{
			base:     0,
			limit:    0xFFFFFFFF,
			selector: selector,
			present:  1,
			dpl:      0,
			db:       0,
			s:        1,
			l:        1,
			g:        1,
		}
		if code {
			s.segType = 0xb // execute/read, accessed
		} else {
			s.segType = 0x3 // read/write, accessed
		}
		return s
	}

	cs = flat(1<<3, true)
	ds = flat(2<<3, false)
	tr = flat(3<<3, false)
	tr.s = 0
	tr.segType = 0xb // 64-bit TSS (busy)
	return cs, ds, tr, nil
}
