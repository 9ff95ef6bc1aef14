package vmm

import (
	"encoding/binary"
	"log"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
	"github.com/lttle-cloud/ignitiond/internal/volume"
)

// virtio-blk request types (virtio spec §5.2.6).
const (
	blkTypeIn    = 0 // guest reads
	blkTypeOut   = 1 // guest writes
	blkTypeFlush = 4

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	blkSectorSize  = 512
	blkReqHeaderLen = 16 // type(u32) reserved(u32) sector(u64)
)

// BlockDevice is a virtio-blk-over-MMIO device backed by an
// internal/volume.Backend — either a shared read-only image or a
// private overlay (spec.md §4.5's VolumeMount). Grounded on the
// teacher's vm/devices/virtio/block/{device,handler}.rs, with the
// virtqueue walk reimplemented directly since vm-virtio has no Go
// equivalent in the example corpus.
type BlockDevice struct {
	*virtioMMIODevice
	backend  *volume.Backend
	readonly bool
}

// NewBlockDevice wires backend behind a single-queue virtio-blk device.
func NewBlockDevice(mem *GuestMemory, irq *irqSink, backend *volume.Backend) *BlockDevice {
	b := &BlockDevice{
		virtioMMIODevice: newVirtioMMIODevice(devIDBlock, 1, mem, irq),
		backend:          backend,
		readonly:         backend.IsReadonly(),
	}
	b.configRead = b.readConfig
	b.onNotify = b.processQueue
	if b.readonly {
		b.features |= 1 << 5 // VIRTIO_BLK_F_RO
	}
	return b
}

// readConfig serves struct virtio_blk_config's capacity field (the
// only field this device models; geometry/topology are left at zero,
// which every Linux virtio-blk driver treats as "use defaults").
func (b *BlockDevice) readConfig(offset uint64, data []byte) {
	if offset == 0 && len(data) == 8 {
		sectors := uint64(b.backend.Len()) / blkSectorSize
		binary.LittleEndian.PutUint64(data, sectors)
	}
}

func (b *BlockDevice) processQueue(qIdx int) {
	q := b.queue(qIdx)
	if q == nil || !q.ready {
		return
	}

	avail, err := q.availIdx(b.mem)
	if err != nil {
		log.Printf("vmm: block: read avail idx: %v", err)
		return
	}

	for q.lastAvailIdx != avail {
		head, err := q.availRing(b.mem, q.lastAvailIdx)
		if err != nil {
			log.Printf("vmm: block: read avail ring: %v", err)
			return
		}
		q.lastAvailIdx++

		written, err := b.handleRequest(q, head)
		if err != nil {
			log.Printf("vmm: block: request failed: %v", err)
			continue
		}
		if err := q.pushUsed(b.mem, head, written); err != nil {
			log.Printf("vmm: block: push used: %v", err)
		}
	}
	b.irq.Raise()
}

// handleRequest walks one descriptor chain: header, zero or more data
// descriptors, and a trailing one-byte status descriptor.
func (b *BlockDevice) handleRequest(q *virtQueue, head uint16) (uint32, error) {
	desc, err := readDesc(b.mem, q.descAddr, head)
	if err != nil {
		return 0, err
	}
	if desc.len < blkReqHeaderLen {
		return 0, ignerr.New(ignerr.Validation, "virtio-blk header descriptor too short")
	}
	header, err := b.mem.Slice(desc.addr, blkReqHeaderLen)
	if err != nil {
		return 0, err
	}
	reqType := binary.LittleEndian.Uint32(header[0:4])
	sector := binary.LittleEndian.Uint64(header[8:16])

	var written uint32
	status := byte(blkStatusOK)

	for desc.flags&vringDescFNext != 0 {
		next := desc.next
		desc, err = readDesc(b.mem, q.descAddr, next)
		if err != nil {
			return 0, err
		}

		// The final descriptor in every virtio-blk chain is the
		// one-byte, device-writable status byte.
		if desc.len == 1 && desc.flags&vringDescFNext == 0 {
			break
		}

		buf, err := b.mem.Slice(desc.addr, uint64(desc.len))
		if err != nil {
			return 0, err
		}

		switch reqType {
		case blkTypeIn:
			if _, err := b.backend.Seek(int64(sector)*blkSectorSize, 0); err != nil {
				status = blkStatusIOErr
				continue
			}
			n, rerr := b.backend.Read(buf)
			if rerr != nil && n == 0 {
				status = blkStatusIOErr
			}
			written += uint32(n)
			sector += uint64(n) / blkSectorSize
		case blkTypeOut:
			if b.readonly {
				status = blkStatusIOErr
				continue
			}
			if _, err := b.backend.Seek(int64(sector)*blkSectorSize, 0); err != nil {
				status = blkStatusIOErr
				continue
			}
			n, werr := b.backend.Write(buf)
			if werr != nil {
				status = blkStatusIOErr
			}
			sector += uint64(n) / blkSectorSize
		case blkTypeFlush:
			if err := b.backend.Fsync(); err != nil {
				status = blkStatusIOErr
			}
		default:
			status = blkStatusUnsupp
		}
	}

	statusBuf, err := b.mem.Slice(desc.addr, 1)
	if err == nil && len(statusBuf) == 1 {
		statusBuf[0] = status
	}

	return written + 1, nil
}
