package image

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

type tarEntry struct {
	typeflag byte
	name     string
	content  string
	linkname string
	mode     int64
}

// writeLayerFile gzip-compresses a tar stream built from entries and
// writes it to a fresh file under dir, returning its path — the on-disk
// shape fetchLayer would have produced.
func writeLayerFile(t *testing.T, dir, name string, entries []tarEntry) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: e.typeflag, Mode: e.mode, Linkname: e.linkname}
		if e.typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.content))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header for %s: %v", e.name, err)
		}
		if e.typeflag == tar.TypeReg && len(e.content) > 0 {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatalf("write tar content for %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write layer file: %v", err)
	}
	return path
}

func TestUnpackLayersRegularFilesAndDirs(t *testing.T) {
	dest := t.TempDir()
	layerDir := t.TempDir()

	path := writeLayerFile(t, layerDir, "l1.tar.gz", []tarEntry{
		{typeflag: tar.TypeDir, name: "etc/", mode: 0o755},
		{typeflag: tar.TypeReg, name: "etc/hostname", content: "lttle-vm", mode: 0o644},
		{typeflag: tar.TypeReg, name: "deep/nested/file.txt", content: "deep", mode: 0o644},
	})

	if err := unpackLayers([]string{path}, nil, dest); err != nil {
		t.Fatalf("unpackLayers: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "etc", "hostname"))
	if err != nil {
		t.Fatalf("read etc/hostname: %v", err)
	}
	if string(data) != "lttle-vm" {
		t.Errorf("etc/hostname = %q, want lttle-vm", data)
	}

	data, err = os.ReadFile(filepath.Join(dest, "deep", "nested", "file.txt"))
	if err != nil {
		t.Fatalf("read deep/nested/file.txt: %v", err)
	}
	if string(data) != "deep" {
		t.Errorf("deep/nested/file.txt = %q, want deep", data)
	}
}

func TestUnpackLayersSymlink(t *testing.T) {
	dest := t.TempDir()
	layerDir := t.TempDir()

	path := writeLayerFile(t, layerDir, "l1.tar.gz", []tarEntry{
		{typeflag: tar.TypeReg, name: "target.txt", content: "original", mode: 0o644},
		{typeflag: tar.TypeSymlink, name: "link.txt", linkname: "target.txt"},
	})

	if err := unpackLayers([]string{path}, nil, dest); err != nil {
		t.Fatalf("unpackLayers: %v", err)
	}

	target, err := os.Readlink(filepath.Join(dest, "link.txt"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "target.txt" {
		t.Errorf("symlink target = %q, want target.txt", target)
	}
}

func TestUnpackLayersWhiteoutRemovesFile(t *testing.T) {
	dest := t.TempDir()
	layerDir := t.TempDir()

	base := writeLayerFile(t, layerDir, "base.tar.gz", []tarEntry{
		{typeflag: tar.TypeReg, name: "keep.txt", content: "keep", mode: 0o644},
		{typeflag: tar.TypeReg, name: "gone.txt", content: "bye", mode: 0o644},
	})
	overlay := writeLayerFile(t, layerDir, "overlay.tar.gz", []tarEntry{
		{typeflag: tar.TypeReg, name: ".wh.gone.txt", content: "", mode: 0o644},
	})

	if err := unpackLayers([]string{base, overlay}, nil, dest); err != nil {
		t.Fatalf("unpackLayers: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "gone.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected gone.txt removed by whiteout, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "keep.txt")); err != nil {
		t.Fatalf("expected keep.txt to survive: %v", err)
	}
	// The whiteout marker itself must not remain in the final tree.
	if _, err := os.Stat(filepath.Join(dest, ".wh.gone.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected whiteout marker swept, stat err = %v", err)
	}
}

func TestUnpackLayersHardlinkWithinSameLayer(t *testing.T) {
	dest := t.TempDir()
	layerDir := t.TempDir()

	path := writeLayerFile(t, layerDir, "l1.tar.gz", []tarEntry{
		{typeflag: tar.TypeReg, name: "original.txt", content: "shared", mode: 0o644},
		{typeflag: tar.TypeLink, name: "hardlink.txt", linkname: "original.txt"},
	})

	if err := unpackLayers([]string{path}, nil, dest); err != nil {
		t.Fatalf("unpackLayers: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "hardlink.txt"))
	if err != nil {
		t.Fatalf("read hardlink.txt: %v", err)
	}
	if string(data) != "shared" {
		t.Errorf("hardlink.txt = %q, want shared", data)
	}
}

func TestUnpackLayersHardlinkResolvedAcrossRetryPass(t *testing.T) {
	dest := t.TempDir()
	layerDir := t.TempDir()

	// The hardlink appears before its target within the same tar stream,
	// so the first pass must defer it and a later pass must resolve it.
	path := writeLayerFile(t, layerDir, "l1.tar.gz", []tarEntry{
		{typeflag: tar.TypeLink, name: "hardlink.txt", linkname: "original.txt"},
		{typeflag: tar.TypeReg, name: "original.txt", content: "shared", mode: 0o644},
	})

	if err := unpackLayers([]string{path}, nil, dest); err != nil {
		t.Fatalf("unpackLayers: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "hardlink.txt"))
	if err != nil {
		t.Fatalf("read hardlink.txt: %v", err)
	}
	if string(data) != "shared" {
		t.Errorf("hardlink.txt = %q, want shared", data)
	}
}

func TestUnpackLayersHardlinkToSymlinkCopiesSymlink(t *testing.T) {
	dest := t.TempDir()
	layerDir := t.TempDir()

	path := writeLayerFile(t, layerDir, "l1.tar.gz", []tarEntry{
		{typeflag: tar.TypeReg, name: "real.txt", content: "real", mode: 0o644},
		{typeflag: tar.TypeSymlink, name: "sym.txt", linkname: "real.txt"},
		{typeflag: tar.TypeLink, name: "hardlink-to-sym.txt", linkname: "sym.txt"},
	})

	if err := unpackLayers([]string{path}, nil, dest); err != nil {
		t.Fatalf("unpackLayers: %v", err)
	}

	target, err := os.Readlink(filepath.Join(dest, "hardlink-to-sym.txt"))
	if err != nil {
		t.Fatalf("expected hardlink-to-sym.txt to be materialized as a symlink, readlink err: %v", err)
	}
	if target != "real.txt" {
		t.Errorf("hardlink-to-sym.txt target = %q, want real.txt", target)
	}
}

func TestUnpackLayersConfigSnapshot(t *testing.T) {
	dest := t.TempDir()
	layerDir := t.TempDir()

	path := writeLayerFile(t, layerDir, "l1.tar.gz", []tarEntry{
		{typeflag: tar.TypeReg, name: "a.txt", content: "a", mode: 0o644},
	})
	cfg := []byte(`{"config":{"Env":["PATH=/usr/bin"]}}`)

	if err := unpackLayers([]string{path}, cfg, dest); err != nil {
		t.Fatalf("unpackLayers: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, ociConfigSnapshotPath))
	if err != nil {
		t.Fatalf("read oci config snapshot: %v", err)
	}
	if string(data) != string(cfg) {
		t.Errorf("config snapshot = %q, want %q", data, cfg)
	}
}
