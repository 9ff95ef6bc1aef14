package vmm

import (
	stdnet "net"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
	"github.com/lttle-cloud/ignitiond/internal/machine"
	"github.com/lttle-cloud/ignitiond/internal/volume"
)

// Config describes everything needed to build one machine's VM: guest
// resources, boot artifacts, and the devices it attaches (spec.md
// §4.5's MachineSpec resources/volumes/network, narrowed to what the
// vmm layer needs after internal/controller has resolved images, IPs
// and taps).
type Config struct {
	MemoryMiB  uint64
	VCPUCount  int
	KernelPath string
	InitrdPath string
	Cmdline    string

	RootBackend   *volume.Backend
	ExtraBackends []*volume.Backend
	TapName       string
	GuestMAC      string // colon-hex; empty means let the guest pick its own

	ConsoleLogPath string

	OnDeviceEvent func(DeviceEvent, ListenInfo)
}

// VM is a fully constructed, not-yet-started KVM guest: memory is
// mapped, the kernel is loaded, and every device is attached. Starting
// and stopping its vCPUs is done through VcpuSet, which implements
// machine.VCPUController.
type VM struct {
	device *Device
	kvmVM  *vmContext
	mem    *GuestMemory

	serial *Serial
	mmio   *MMIOBus
	guestManager *GuestManagerDevice
	net    *NetDevice
	blocks []*BlockDevice

	Vcpus *VcpuSet
}

// Build constructs a complete, bootable VM from cfg but does not start
// any vCPUs — the caller (internal/machine's StateMachine, through
// VcpuSet) decides when to call Vcpus.StartAll.
func Build(cfg Config) (*VM, error) {
	dev, err := OpenDevice()
	if err != nil {
		return nil, err
	}

	kvmVM, err := dev.CreateVM()
	if err != nil {
		dev.Close()
		return nil, err
	}

	mem, err := NewGuestMemory(cfg.MemoryMiB << 20)
	if err != nil {
		return nil, err
	}
	if err := kvmVM.SetUserMemoryRegion(0, mem.HostAddr(), mem.Size()); err != nil {
		return nil, err
	}

	if err := kvmVM.CreateIrqChip(); err != nil {
		return nil, err
	}

	kernelImg, err := LoadKernel(mem, cfg.KernelPath, cfg.InitrdPath, cfg.Cmdline)
	if err != nil {
		return nil, err
	}

	serial, err := NewSerial(cfg.ConsoleLogPath)
	if err != nil {
		return nil, err
	}
	serialIRQFd, err := newEventFd()
	if err != nil {
		return nil, err
	}
	if err := kvmVM.RegisterIRQFd(serialIRQFd, serialIRQ); err != nil {
		return nil, err
	}

	guestManager := NewGuestManagerDevice(cfg.OnDeviceEvent)

	mmio := NewMMIOBus()
	irqAlloc, err := NewIrqAllocator(serialIRQ)
	if err != nil {
		return nil, err
	}
	mmioAlloc := newMMIOAllocator()

	var net *NetDevice
	if cfg.TapName != "" {
		tapFile, err := openTapFile(cfg.TapName)
		if err != nil {
			return nil, err
		}
		irq, err := attachDeviceIRQ(kvmVM, irqAlloc)
		if err != nil {
			return nil, err
		}
		var mac stdnet.HardwareAddr
		if cfg.GuestMAC != "" {
			mac, err = stdnet.ParseMAC(cfg.GuestMAC)
			if err != nil {
				return nil, ignerr.Wrap(ignerr.Validation, err, "parse guest mac %q", cfg.GuestMAC)
			}
		}
		net = NewNetDevice(mem, irq, tapFile, mac)
		base, err := mmioAlloc.Allocate(mmioDeviceWindow)
		if err != nil {
			return nil, err
		}
		mmio.Register(base, mmioDeviceWindow, net)
		go net.RXLoop()
	}

	var blocks []*BlockDevice
	rootBackends := append([]*volume.Backend{cfg.RootBackend}, cfg.ExtraBackends...)
	for _, backend := range rootBackends {
		if backend == nil {
			continue
		}
		irq, err := attachDeviceIRQ(kvmVM, irqAlloc)
		if err != nil {
			return nil, err
		}
		block := NewBlockDevice(mem, irq, backend)
		base, err := mmioAlloc.Allocate(mmioDeviceWindow)
		if err != nil {
			return nil, err
		}
		mmio.Register(base, mmioDeviceWindow, block)
		blocks = append(blocks, block)
	}

	vcpus := make([]*Vcpu, 0, cfg.VCPUCount)
	for i := 0; i < cfg.VCPUCount; i++ {
		v, err := CreateVcpu(dev, kvmVM, mem, i, kernelImg.EntryPoint, serial, mmio, guestManager)
		if err != nil {
			return nil, err
		}
		vcpus = append(vcpus, v)
	}

	return &VM{
		device:       dev,
		kvmVM:        kvmVM,
		mem:          mem,
		serial:       serial,
		mmio:         mmio,
		guestManager: guestManager,
		net:          net,
		blocks:       blocks,
		Vcpus:        NewVcpuSet(vcpus),
	}, nil
}

func attachDeviceIRQ(vm *vmContext, alloc *IrqAllocator) (*irqSink, error) {
	irq, err := alloc.Next()
	if err != nil {
		return nil, err
	}
	fd, err := newEventFd()
	if err != nil {
		return nil, err
	}
	if err := vm.RegisterIRQFd(fd, irq); err != nil {
		return nil, err
	}
	return &irqSink{eventFd: fd}, nil
}

// GuestManager exposes the attached meta device so the caller
// can feed it into machine.New as the machine.GuestManagerDevice.
func (v *VM) GuestManager() *GuestManagerDevice { return v.guestManager }

var _ machine.GuestManagerDevice = (*GuestManagerDevice)(nil)
var _ machine.VCPUController = (*VcpuSet)(nil)

// Close tears down every device and releases the VM's host resources.
// Vcpus.StopAll must be called first if vCPUs are running.
func (v *VM) Close() error {
	var firstErr error
	capture := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if v.net != nil {
		capture(v.net.Close())
	}
	for _, b := range v.blocks {
		capture(b.backend.Close())
	}
	capture(v.serial.Close())
	capture(v.mem.Close())
	if firstErr != nil {
		return ignerr.Wrap(ignerr.IO, firstErr, "close vm")
	}
	return nil
}
