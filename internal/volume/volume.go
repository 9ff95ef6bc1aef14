package volume

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/lttle-cloud/ignitiond/internal/idgen"
	"github.com/lttle-cloud/ignitiond/internal/ignerr"
	"github.com/lttle-cloud/ignitiond/internal/resource"
	"github.com/lttle-cloud/ignitiond/internal/store"
)

// sizeMultiplier is the headroom applied over a measured directory's byte
// count when sizing the sparse ext4 image that will hold it (spec.md §4.3).
const sizeMultiplier = 1.15

// Pool creates and tracks file-backed ext4 volumes and their per-machine
// read-write overlays.
type Pool struct {
	dataDir string
	store   *store.Store
}

const volumeCollection = "volumes"

// Open returns a Pool rooted at dataDir, creating it if absent.
func Open(dataDir string, s *store.Store) (*Pool, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, ignerr.Wrap(ignerr.IO, err, "create volume data dir %s", dataDir)
	}
	return &Pool{dataDir: dataDir, store: s}, nil
}

func volumeKey(id string) store.Key {
	return store.FlatKey(store.CoreTenant, volumeCollection, id)
}

// Get returns a persisted volume's metadata.
func (p *Pool) Get(id string) (resource.VolumeRow, bool, error) {
	return store.Get[resource.VolumeRow](p.store, volumeKey(id))
}

// measureDir sums the apparent size of every regular file under root.
func measureDir(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// CreateFromDir measures sourceDir, allocates a sparse ext4-formatted file
// sized at sizeMultiplier times its content (rounded up to a whole MiB),
// and copies the tree into it.
// The resulting volume is persisted read-only — instances mount it through
// a CreateOverlay rather than writing to it directly (spec.md §4.3).
func (p *Pool) CreateFromDir(ctx context.Context, sourceDir string) (resource.VolumeRow, error) {
	measured, err := measureDir(sourceDir)
	if err != nil {
		return resource.VolumeRow{}, ignerr.Wrap(ignerr.IO, err, "measure directory %s", sourceDir)
	}

	sizeBytes := int64(float64(measured) * sizeMultiplier)
	const minSizeBytes = 16 << 20 // leave room for ext4 metadata on tiny trees
	if sizeBytes < minSizeBytes {
		sizeBytes = minSizeBytes
	}
	sizeBytes = (sizeBytes + (1 << 20) - 1) &^ ((1 << 20) - 1)

	id := idgen.Full()
	imgPath := filepath.Join(p.dataDir, id+".img")

	if err := createSparseFile(imgPath, sizeBytes); err != nil {
		os.Remove(imgPath)
		return resource.VolumeRow{}, err
	}

	if err := runCommand(ctx, "mkfs.ext4", "-q", "-F", imgPath); err != nil {
		os.Remove(imgPath)
		return resource.VolumeRow{}, ignerr.Wrap(ignerr.External, err, "mkfs.ext4 %s", imgPath)
	}

	mountDir, err := os.MkdirTemp(p.dataDir, "mnt-")
	if err != nil {
		os.Remove(imgPath)
		return resource.VolumeRow{}, ignerr.Wrap(ignerr.IO, err, "create mount point")
	}
	defer os.RemoveAll(mountDir)

	if err := runCommand(ctx, "mount", "-o", "loop", imgPath, mountDir); err != nil {
		os.Remove(imgPath)
		return resource.VolumeRow{}, ignerr.Wrap(ignerr.External, err, "mount %s", imgPath)
	}
	unmount := func() {
		if err := runCommand(context.Background(), "umount", mountDir); err != nil {
			log.Printf("volume: warning: umount %s: %v", mountDir, err)
		}
	}

	if err := copyTree(sourceDir, mountDir); err != nil {
		unmount()
		os.Remove(imgPath)
		return resource.VolumeRow{}, err
	}
	unmount()

	row := resource.VolumeRow{
		ID:       id,
		Path:     imgPath,
		SizeMiB:  sizeBytes / (1 << 20),
		ReadOnly: true,
	}
	if err := store.Put(p.store, volumeKey(id), row); err != nil {
		os.Remove(imgPath)
		return resource.VolumeRow{}, err
	}

	log.Printf("volume: created %s from %s (%d MiB, measured %d bytes)", id, sourceDir, row.SizeMiB, measured)
	return row, nil
}

// CreateOverlay allocates a fresh sparse overlay file matching sourceID's
// length and persists it as a new volume pointing back at the source. The
// overlay itself carries no content until the guest writes to it.
func (p *Pool) CreateOverlay(sourceID string) (resource.VolumeRow, error) {
	source, found, err := p.Get(sourceID)
	if err != nil {
		return resource.VolumeRow{}, err
	}
	if !found {
		return resource.VolumeRow{}, ignerr.New(ignerr.NotFound, "source volume %s not found", sourceID)
	}

	id := idgen.Full()
	ovPath := filepath.Join(p.dataDir, id+".overlay")
	sizeBytes := source.SizeMiB * (1 << 20)

	if err := createSparseFile(ovPath, sizeBytes); err != nil {
		return resource.VolumeRow{}, err
	}

	row := resource.VolumeRow{
		ID:       id,
		Path:     ovPath,
		SizeMiB:  source.SizeMiB,
		ReadOnly: false,
		SourceID: sourceID,
	}
	if err := store.Put(p.store, volumeKey(id), row); err != nil {
		os.Remove(ovPath)
		return resource.VolumeRow{}, err
	}

	return row, nil
}

// OpenBackend opens a volume's files as a Backend ready for the vmm layer's
// virtio-block device.
func (p *Pool) OpenBackend(id string) (*Backend, error) {
	row, found, err := p.Get(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ignerr.New(ignerr.NotFound, "volume %s not found", id)
	}

	if row.SourceID == "" {
		f, err := os.OpenFile(row.Path, os.O_RDONLY, 0)
		if err != nil {
			return nil, ignerr.Wrap(ignerr.IO, err, "open volume %s", id)
		}
		return OpenReadonly(f)
	}

	source, found, err := p.Get(row.SourceID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ignerr.New(ignerr.NotFound, "source volume %s for overlay %s not found", row.SourceID, id)
	}

	srcFile, err := os.OpenFile(source.Path, os.O_RDONLY, 0)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.IO, err, "open overlay source %s", source.Path)
	}
	ovFile, err := os.OpenFile(row.Path, os.O_RDWR, 0)
	if err != nil {
		srcFile.Close()
		return nil, ignerr.Wrap(ignerr.IO, err, "open overlay %s", row.Path)
	}

	backend, err := OpenReadwrite(srcFile, ovFile)
	if err != nil {
		srcFile.Close()
		ovFile.Close()
		return nil, err
	}
	return backend, nil
}

// Delete removes a volume's file and its store entry.
func (p *Pool) Delete(id string) error {
	row, found, err := p.Get(id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := os.Remove(row.Path); err != nil && !os.IsNotExist(err) {
		return ignerr.Wrap(ignerr.IO, err, "remove volume file %s", row.Path)
	}
	return store.Delete(p.store, volumeKey(id))
}

func createSparseFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return ignerr.Wrap(ignerr.IO, err, "create sparse file %s", path)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return ignerr.Wrap(ignerr.IO, err, "truncate %s to %d bytes", path, size)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}

// copyTree recursively copies src into dst, preserving symlinks, regular
// file modes and directory structure.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.Type()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
