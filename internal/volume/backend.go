// Package volume manages the file-backed disks a microVM's virtio-block
// device reads and writes: read-only base images shared across machines,
// and per-machine read-write overlays that keep the shared base untouched
// (overlay_backend.rs).
package volume

import (
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

// runKind distinguishes "the overlay actually holds bytes here" from
// "this range is a hole, fall through to the base file".
type runKind int

const (
	runData runKind = iota
	runHole
)

// nextRun asks the kernel whether ovFd has data or a hole at off, and how
// long that run extends, capped by fileEnd (overlay_backend.rs next_run).
func nextRun(ovFd int, off, fileEnd int64) (runKind, int64, error) {
	dataAt, err := unix.Seek(ovFd, off, unix.SEEK_DATA)
	if err == unix.ENXIO {
		// No more data after off: everything to fileEnd is a hole.
		return runHole, fileEnd - off, nil
	}
	if err != nil {
		return 0, 0, err
	}

	if dataAt == off {
		holeAt, err := unix.Seek(ovFd, off, unix.SEEK_HOLE)
		if err != nil {
			return 0, 0, err
		}
		return runData, holeAt - off, nil
	}

	runEnd := dataAt
	if runEnd > fileEnd {
		runEnd = fileEnd
	}
	return runHole, runEnd - off, nil
}

// Backend is a virtio-block device's storage: a plain read-only file, or a
// read-write overlay pairing a shared source with a private per-machine
// overlay file of identical length.
type Backend struct {
	srcFile *os.File
	ovFile  *os.File // nil for a read-only backend

	fileLen int64
	pos     int64
}

// OpenReadonly backs a device directly by src with no overlay — used for
// volumes mounted ReadOnly (spec.md VolumeMount.ReadOnly).
func OpenReadonly(src *os.File) (*Backend, error) {
	info, err := src.Stat()
	if err != nil {
		return nil, ignerr.Wrap(ignerr.IO, err, "stat readonly backend source")
	}
	return &Backend{srcFile: src, fileLen: info.Size()}, nil
}

// OpenReadwrite pairs src with an overlay of identical length. Writes land
// only in ov; reads consult ov's SEEK_DATA/SEEK_HOLE layout to pick which
// file actually has the bytes at a given offset (overlay_backend.rs
// new_readwrite, the len(source)==len(overlay) invariant).
func OpenReadwrite(src, ov *os.File) (*Backend, error) {
	srcInfo, err := src.Stat()
	if err != nil {
		return nil, ignerr.Wrap(ignerr.IO, err, "stat overlay backend source")
	}
	ovInfo, err := ov.Stat()
	if err != nil {
		return nil, ignerr.Wrap(ignerr.IO, err, "stat overlay backend overlay")
	}
	if srcInfo.Size() != ovInfo.Size() {
		return nil, ignerr.New(ignerr.Validation, "source (%d bytes) and overlay (%d bytes) length mismatch", srcInfo.Size(), ovInfo.Size())
	}

	return &Backend{srcFile: src, ovFile: ov, fileLen: ovInfo.Size()}, nil
}

// IsReadonly reports whether writes are rejected.
func (b *Backend) IsReadonly() bool { return b.ovFile == nil }

// Len returns the backend's current logical length.
func (b *Backend) Len() int64 { return b.fileLen }

// Seek repositions both files (the overlay mirrors the source's cursor so
// a subsequent ReadAt-style call can use either transparently).
func (b *Backend) Seek(offset int64, whence int) (int64, error) {
	abs, err := b.srcFile.Seek(offset, whence)
	if err != nil {
		return 0, ignerr.Wrap(ignerr.IO, err, "seek source")
	}
	if b.ovFile != nil {
		if _, err := b.ovFile.Seek(abs, io.SeekStart); err != nil {
			return 0, ignerr.Wrap(ignerr.IO, err, "seek overlay")
		}
	}
	b.pos = abs
	return abs, nil
}

// Read fills p starting at the current position, switching between the
// overlay and the source file run-by-run according to SEEK_DATA/SEEK_HOLE.
func (b *Backend) Read(p []byte) (int, error) {
	if b.ovFile == nil {
		n, err := b.srcFile.ReadAt(p, b.pos)
		b.pos += int64(n)
		return n, err
	}

	done := 0
	for done < len(p) && b.pos < b.fileLen {
		kind, runLen, err := nextRun(int(b.ovFile.Fd()), b.pos, b.fileLen)
		if err != nil {
			return done, ignerr.Wrap(ignerr.IO, err, "probe overlay run at offset %d", b.pos)
		}

		chunk := int64(len(p) - done)
		if runLen < chunk {
			chunk = runLen
		}
		if chunk <= 0 {
			break
		}

		var n int
		if kind == runData {
			n, err = b.ovFile.ReadAt(p[done:int64(done)+chunk], b.pos)
		} else {
			n, err = b.srcFile.ReadAt(p[done:int64(done)+chunk], b.pos)
		}
		done += n
		b.pos += int64(n)
		if err != nil && err != io.EOF {
			return done, ignerr.Wrap(ignerr.IO, err, "read overlay run")
		}
		if n == 0 {
			break
		}
	}
	return done, nil
}

// Write always lands in the overlay; the base image is never mutated.
func (b *Backend) Write(p []byte) (int, error) {
	if b.ovFile == nil {
		return 0, ignerr.New(ignerr.Validation, "write to read-only volume backend")
	}

	n, err := b.ovFile.WriteAt(p, b.pos)
	b.pos += int64(n)
	if b.pos > b.fileLen {
		b.fileLen = b.pos
	}
	if err != nil {
		return n, ignerr.Wrap(ignerr.IO, err, "write overlay")
	}
	return n, nil
}

// Fsync flushes the overlay to stable storage; a no-op for read-only backends.
func (b *Backend) Fsync() error {
	if b.ovFile == nil {
		return nil
	}
	if err := b.ovFile.Sync(); err != nil {
		return ignerr.Wrap(ignerr.IO, err, "fsync overlay")
	}
	return nil
}

// PunchHole de-allocates [off, off+length) in the overlay, turning it back
// into a hole so subsequent reads fall through to the source again.
func (b *Backend) PunchHole(off, length int64) error {
	if b.ovFile == nil {
		return ignerr.New(ignerr.Validation, "punch hole on read-only volume backend")
	}
	mode := unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE
	if err := unix.Fallocate(int(b.ovFile.Fd()), uint32(mode), off, length); err != nil {
		return ignerr.Wrap(ignerr.IO, err, "punch hole at offset %d len %d", off, length)
	}
	return nil
}

// WriteZeroesAt ensures [off, off+n) reads back as zero by writing zero
// bytes into the overlay, hiding whatever the source holds there.
func (b *Backend) WriteZeroesAt(off int64, n int) (int, error) {
	if b.ovFile == nil {
		return 0, ignerr.New(ignerr.Validation, "write zeroes on read-only volume backend")
	}
	zeroes := make([]byte, n)
	written, err := b.ovFile.WriteAt(zeroes, off)
	if err != nil {
		return written, ignerr.Wrap(ignerr.IO, err, "write zeroes at offset %d", off)
	}
	if end := off + int64(written); end > b.fileLen {
		b.fileLen = end
	}
	return written, nil
}

// Close releases both underlying file descriptors.
func (b *Backend) Close() error {
	var firstErr error
	if b.ovFile != nil {
		if err := b.ovFile.Close(); err != nil {
			firstErr = err
		}
	}
	if err := b.srcFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return ignerr.Wrap(ignerr.IO, firstErr, "close volume backend")
	}
	return nil
}
