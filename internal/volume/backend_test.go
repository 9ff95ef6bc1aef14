package volume

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func makeFile(t *testing.T, dir, name string, size int64, fill byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	buf := bytes.Repeat([]byte{fill}, int(size))
	if _, err := f.Write(buf); err != nil {
		t.Fatal(err)
	}
	return path
}

func makeSparseOverlay(t *testing.T, dir, name string, size int64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadonlyBackendPassthrough(t *testing.T) {
	dir := t.TempDir()
	srcPath := makeFile(t, dir, "src", 4096, 0xAB)

	src, err := os.Open(srcPath)
	if err != nil {
		t.Fatal(err)
	}
	b, err := OpenReadonly(src)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	buf := make([]byte, 4096)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4096 {
		t.Fatalf("read %d bytes, want 4096", n)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0xAB}, 4096)) {
		t.Fatalf("unexpected content")
	}

	if !b.IsReadonly() {
		t.Fatal("expected IsReadonly")
	}
	if _, err := b.Write(buf); err == nil {
		t.Fatal("expected write to readonly backend to fail")
	}
}

func TestReadwriteLengthMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	srcPath := makeFile(t, dir, "src", 4096, 0)
	ovPath := makeSparseOverlay(t, dir, "ov", 2048)

	src, _ := os.Open(srcPath)
	ov, _ := os.OpenFile(ovPath, os.O_RDWR, 0)
	defer src.Close()
	defer ov.Close()

	if _, err := OpenReadwrite(src, ov); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestOverlaySparseReadFallsThroughToSource(t *testing.T) {
	dir := t.TempDir()
	const size = 32 << 20 // 32 MiB, large enough to hold the 16 MiB write offset

	srcPath := makeFile(t, dir, "src", size, 0x11)
	ovPath := makeSparseOverlay(t, dir, "ov", size)

	src, err := os.Open(srcPath)
	if err != nil {
		t.Fatal(err)
	}
	ov, err := os.OpenFile(ovPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}

	b, err := OpenReadwrite(src, ov)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	// Write 4096 bytes of 0x22 into the overlay at 16 MiB.
	const writeOff = 16 << 20
	payload := bytes.Repeat([]byte{0x22}, 4096)
	if _, err := b.Seek(writeOff, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := b.Fsync(); err != nil {
		t.Fatal(err)
	}

	// Reads at offset 0 still come from the source.
	if _, err := b.Seek(0, 0); err != nil {
		t.Fatal(err)
	}
	head := make([]byte, 4096)
	if _, err := b.Read(head); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(head, bytes.Repeat([]byte{0x11}, 4096)) {
		t.Fatalf("expected source bytes at offset 0, got first byte %x", head[0])
	}

	// Reads at the written offset come from the overlay.
	if _, err := b.Seek(writeOff, 0); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4096)
	if _, err := b.Read(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected overlay bytes at offset %d, got first byte %x", writeOff, got[0])
	}
}

func TestWriteZeroesAtHidesSourceBytes(t *testing.T) {
	dir := t.TempDir()
	const size = 8192
	srcPath := makeFile(t, dir, "src", size, 0xFF)
	ovPath := makeSparseOverlay(t, dir, "ov", size)

	src, _ := os.Open(srcPath)
	ov, _ := os.OpenFile(ovPath, os.O_RDWR, 0)
	b, err := OpenReadwrite(src, ov)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, err := b.WriteZeroesAt(0, 4096); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Seek(0, 0); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4096)
	if _, err := b.Read(buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, make([]byte, 4096)) {
		t.Fatalf("expected zeroed overlay region to mask source bytes")
	}
}
