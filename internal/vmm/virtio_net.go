package vmm

import (
	"encoding/binary"
	"log"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

// virtio-net queue indices and the legacy (no VIRTIO_NET_F_MRG_RXBUF,
// no offload) packet header this device advertises, matching the
// teacher's minimal tap-backed Net device (vm/devices/virtio/net is
// referenced by name in devices/mod.rs but its source wasn't part of
// the retrieved pack; the virtqueue/tap wiring below follows the
// virtio 1.1 spec directly).
const (
	netQueueRX = 0
	netQueueTX = 1

	netHeaderLen = 10 // struct virtio_net_hdr without num_buffers
	maxFrameLen  = 65536

	netFeatMAC = 1 << 5 // VIRTIO_NET_F_MAC
)

// NetDevice is a virtio-net-over-MMIO device whose backend is a host
// tap file descriptor (internal/netpool.TapDevice opened as a raw
// file), spec.md §4.5's per-machine network attachment.
type NetDevice struct {
	*virtioMMIODevice
	tap    *os.File
	mac    [6]byte
	stopCh chan struct{}
}

// NewNetDevice wires tap (already created and attached to the bridge
// by internal/netpool) behind a two-queue virtio-net device; the caller
// runs RXLoop in its own goroutine to pump tap reads into the guest's RX
// queue. mac, if
// non-nil, is advertised through VIRTIO_NET_F_MAC so the guest's NIC
// comes up with a stable address instead of a randomly generated one
// (spec.md §4.10.1 derives it from the machine's assigned IP).
func NewNetDevice(mem *GuestMemory, irq *irqSink, tap *os.File, mac net.HardwareAddr) *NetDevice {
	n := &NetDevice{
		virtioMMIODevice: newVirtioMMIODevice(devIDNet, 2, mem, irq),
		tap:              tap,
		stopCh:           make(chan struct{}),
	}
	n.onNotify = n.handleNotify
	if len(mac) == 6 {
		copy(n.mac[:], mac)
		n.features |= netFeatMAC
		n.configRead = n.readConfig
	}
	return n
}

// readConfig serves struct virtio_net_config's mac and status fields;
// the rest (max_virtqueue_pairs, mtu) are left at zero, which a single
// RX/TX queue pair and no MTU hint are both valid defaults for.
func (n *NetDevice) readConfig(offset uint64, data []byte) {
	switch {
	case offset < 6:
		for i := range data {
			if idx := offset + uint64(i); idx < 6 {
				data[i] = n.mac[idx]
			}
		}
	case offset == 6 && len(data) == 2:
		binary.LittleEndian.PutUint16(data, 1) // VIRTIO_NET_S_LINK_UP
	}
}

func (n *NetDevice) handleNotify(qIdx int) {
	if qIdx == netQueueTX {
		n.processTX()
	}
	// netQueueRX notifications just mean the guest posted fresh
	// receive buffers; rxLoop picks them up lazily on its own cadence.
}

// processTX drains every guest-submitted transmit descriptor chain and
// writes the packet payload (skipping the virtio-net header) to the
// tap device.
func (n *NetDevice) processTX() {
	q := n.queue(netQueueTX)
	if q == nil || !q.ready {
		return
	}

	avail, err := q.availIdx(n.mem)
	if err != nil {
		log.Printf("vmm: net: read tx avail idx: %v", err)
		return
	}

	for q.lastAvailIdx != avail {
		head, err := q.availRing(n.mem, q.lastAvailIdx)
		if err != nil {
			log.Printf("vmm: net: read tx avail ring: %v", err)
			return
		}
		q.lastAvailIdx++

		if err := n.sendChain(q, head); err != nil {
			log.Printf("vmm: net: tx failed: %v", err)
		}
		if err := q.pushUsed(n.mem, head, 0); err != nil {
			log.Printf("vmm: net: tx push used: %v", err)
		}
	}
	n.irq.Raise()
}

func (n *NetDevice) sendChain(q *virtQueue, head uint16) error {
	frame := make([]byte, 0, maxFrameLen)
	desc, err := readDesc(n.mem, q.descAddr, head)
	if err != nil {
		return err
	}
	skipped := false
	for {
		buf, err := n.mem.Slice(desc.addr, uint64(desc.len))
		if err != nil {
			return err
		}
		if !skipped {
			// The first descriptor carries the virtio-net header;
			// drop its first netHeaderLen bytes before forwarding.
			if len(buf) > netHeaderLen {
				frame = append(frame, buf[netHeaderLen:]...)
			}
			skipped = true
		} else {
			frame = append(frame, buf...)
		}
		if desc.flags&vringDescFNext == 0 {
			break
		}
		desc, err = readDesc(n.mem, q.descAddr, desc.next)
		if err != nil {
			return err
		}
	}

	if len(frame) == 0 {
		return nil
	}
	_, err = n.tap.Write(frame)
	return err
}

// RXLoop reads frames off the tap device and delivers them into the
// guest's RX queue. It must run in its own goroutine for the lifetime
// of the VM; Close stops it.
func (n *NetDevice) RXLoop() {
	buf := make([]byte, maxFrameLen)
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		nr, err := n.tap.Read(buf)
		if err != nil {
			if err == os.ErrClosed {
				return
			}
			log.Printf("vmm: net: tap read: %v", err)
			return
		}
		n.deliverRX(buf[:nr])
	}
}

func (n *NetDevice) deliverRX(frame []byte) {
	q := n.queue(netQueueRX)
	if q == nil || !q.ready {
		return
	}

	avail, err := q.availIdx(n.mem)
	if err != nil {
		return
	}
	if q.lastAvailIdx == avail {
		// No guest-posted receive buffer available; the frame is
		// dropped, same as a physical NIC with a full ring.
		return
	}

	head, err := q.availRing(n.mem, q.lastAvailIdx)
	if err != nil {
		return
	}
	q.lastAvailIdx++

	desc, err := readDesc(n.mem, q.descAddr, head)
	if err != nil {
		return
	}
	dst, err := n.mem.Slice(desc.addr, uint64(desc.len))
	if err != nil {
		return
	}
	if len(dst) < netHeaderLen {
		return
	}
	for i := range dst[:netHeaderLen] {
		dst[i] = 0
	}
	copied := copy(dst[netHeaderLen:], frame)

	if err := q.pushUsed(n.mem, head, uint32(netHeaderLen+copied)); err != nil {
		return
	}
	n.irq.Raise()
}

// Close stops the RX loop and closes the tap fd.
func (n *NetDevice) Close() error {
	close(n.stopCh)
	return n.tap.Close()
}

func openTapFile(name string) (*os.File, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.Os, err, "open /dev/net/tun for %s", name)
	}
	req, err := unix.NewIfreq(name)
	if err != nil {
		f.Close()
		return nil, ignerr.Wrap(ignerr.Validation, err, "interface name")
	}
	req.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(int(f.Fd()), unix.TUNSETIFF, req); err != nil {
		f.Close()
		return nil, ignerr.Wrap(ignerr.Os, err, "attach to tap %s", name)
	}
	return f, nil
}
