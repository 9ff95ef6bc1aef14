package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lttle-cloud/ignitiond/internal/resource"
	"github.com/lttle-cloud/ignitiond/internal/store"
)

func openTestPool(t *testing.T) *Pool {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	p, err := Open(t.TempDir(), s)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestMeasureDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a"), make([]byte, 1000), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 2000), 0o644); err != nil {
		t.Fatal(err)
	}

	total, err := measureDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3000 {
		t.Fatalf("measured %d bytes, want 3000", total)
	}
}

func TestCopyTreePreservesSymlinksAndStructure(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "file.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("file.txt", filepath.Join(src, "sub", "link")); err != nil {
		t.Fatal(err)
	}

	if err := copyTree(src, dst); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "sub", "file.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("copied content = %q, want hello", data)
	}

	target, err := os.Readlink(filepath.Join(dst, "sub", "link"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "file.txt" {
		t.Fatalf("symlink target = %q, want file.txt", target)
	}
}

func TestCreateOverlayMatchesSourceLength(t *testing.T) {
	p := openTestPool(t)

	baseRow := resource.VolumeRow{ID: "base", Path: filepath.Join(p.dataDir, "base.img"), SizeMiB: 4, ReadOnly: true}
	if err := createSparseFile(baseRow.Path, baseRow.SizeMiB*(1<<20)); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(p.store, volumeKey(baseRow.ID), baseRow); err != nil {
		t.Fatal(err)
	}

	overlay, err := p.CreateOverlay(baseRow.ID)
	if err != nil {
		t.Fatal(err)
	}
	if overlay.SourceID != baseRow.ID {
		t.Errorf("source id = %s, want %s", overlay.SourceID, baseRow.ID)
	}
	if overlay.SizeMiB != baseRow.SizeMiB {
		t.Errorf("overlay size = %d MiB, want %d", overlay.SizeMiB, baseRow.SizeMiB)
	}

	info, err := os.Stat(overlay.Path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != baseRow.SizeMiB*(1<<20) {
		t.Fatalf("overlay file size = %d, want %d", info.Size(), baseRow.SizeMiB*(1<<20))
	}
}

func TestCreateOverlayMissingSource(t *testing.T) {
	p := openTestPool(t)
	if _, err := p.CreateOverlay("missing"); err == nil {
		t.Fatal("expected error for missing source volume")
	}
}

func TestDeleteVolume(t *testing.T) {
	p := openTestPool(t)

	row := resource.VolumeRow{ID: "v1", Path: filepath.Join(p.dataDir, "v1.img"), SizeMiB: 1, ReadOnly: true}
	if err := createSparseFile(row.Path, row.SizeMiB*(1<<20)); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(p.store, volumeKey(row.ID), row); err != nil {
		t.Fatal(err)
	}

	if err := p.Delete(row.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(row.Path); !os.IsNotExist(err) {
		t.Fatalf("expected volume file removed, stat err = %v", err)
	}
	if _, found, err := p.Get(row.ID); err != nil || found {
		t.Fatalf("expected volume gone from store, found=%v err=%v", found, err)
	}
}
