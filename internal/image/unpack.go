package image

import (
	"archive/tar"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	gzip "github.com/klauspost/compress/gzip"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

// maxHardlinkPasses bounds retries for hardlinks whose target hasn't been
// materialised yet by an earlier tar entry (spec.md §4.4).
const maxHardlinkPasses = 8

// ociConfigSnapshotPath is where the unpacked image's config is recorded
// inside the destination tree, so a booted guest can introspect the image
// it was built from.
const ociConfigSnapshotPath = "etc/lttle/oci-config.json"

type pendingHardlink struct {
	target     string // absolute path of the link itself
	linkTarget string // absolute path the link should point at
	name       string // tar entry name, for logging
	linkname   string // tar header linkname, for logging
}

// unpackLayers applies each of layerPaths (already-fetched, content-addressed
// gzip tar files, in manifest order) into destDir, honoring OCI whiteouts
// and deferred hardlinks, then writes configJSON as an OCI config snapshot
// once every layer has landed (spec.md §4.4).
func unpackLayers(layerPaths []string, configJSON []byte, destDir string) error {
	var pending []pendingHardlink
	for i, path := range layerPaths {
		deferred, err := unpackLayer(path, destDir)
		if err != nil {
			return ignerr.Wrap(ignerr.IO, err, "unpack layer %d", i)
		}
		pending = append(pending, deferred...)
	}

	pending = resolveHardlinks(pending)
	for _, p := range pending {
		log.Printf("image: hardlink %s -> %s never resolved, skipping", p.name, p.linkname)
	}

	sweepWhiteouts(destDir)

	if len(configJSON) > 0 {
		snapshotPath := filepath.Join(destDir, ociConfigSnapshotPath)
		if err := os.MkdirAll(filepath.Dir(snapshotPath), 0o755); err != nil {
			return ignerr.Wrap(ignerr.IO, err, "create oci config snapshot dir")
		}
		if err := os.WriteFile(snapshotPath, configJSON, 0o644); err != nil {
			return ignerr.Wrap(ignerr.IO, err, "write oci config snapshot")
		}
	}

	return nil
}

// unpackLayer extracts one content-addressed layer file's gzip-compressed
// tar stream into destDir. Hardlinks whose target doesn't exist yet are
// returned for retry by the caller instead of failing the whole layer.
func unpackLayer(layerPath string, destDir string) ([]pendingHardlink, error) {
	rc, err := os.Open(layerPath)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.IO, err, "open layer file %s", layerPath)
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.IO, err, "create gzip reader")
	}
	defer gz.Close()

	var deferred []pendingHardlink

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ignerr.Wrap(ignerr.IO, err, "read tar stream")
		}

		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") {
			continue // path traversal, drop silently
		}
		target := filepath.Join(destDir, cleanName)
		base := filepath.Base(cleanName)
		dir := filepath.Dir(cleanName)

		if base == ".wh..wh..opq" {
			opqDir := filepath.Join(destDir, dir)
			entries, _ := os.ReadDir(opqDir)
			for _, e := range entries {
				os.RemoveAll(filepath.Join(opqDir, e.Name()))
			}
			continue
		}
		if strings.HasPrefix(base, ".wh.") {
			whiteoutTarget := filepath.Join(destDir, dir, strings.TrimPrefix(base, ".wh."))
			os.RemoveAll(whiteoutTarget)
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return nil, ignerr.Wrap(ignerr.IO, err, "mkdir %s", cleanName)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, ignerr.Wrap(ignerr.IO, err, "mkdir parent of %s", cleanName)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return nil, ignerr.Wrap(ignerr.IO, err, "create %s", cleanName)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return nil, ignerr.Wrap(ignerr.IO, err, "write %s", cleanName)
			}
			f.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, ignerr.Wrap(ignerr.IO, err, "mkdir parent of %s", cleanName)
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return nil, ignerr.Wrap(ignerr.IO, err, "symlink %s -> %s", cleanName, hdr.Linkname)
			}
		case tar.TypeLink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, ignerr.Wrap(ignerr.IO, err, "mkdir parent of %s", cleanName)
			}
			linkTarget := filepath.Join(destDir, filepath.Clean(hdr.Linkname))
			os.Remove(target)
			ok, err := materializeHardlink(linkTarget, target)
			if err != nil {
				return nil, ignerr.Wrap(ignerr.IO, err, "hardlink %s -> %s", cleanName, hdr.Linkname)
			}
			if !ok {
				deferred = append(deferred, pendingHardlink{
					target:     target,
					linkTarget: linkTarget,
					name:       cleanName,
					linkname:   hdr.Linkname,
				})
			}
		}
	}

	return deferred, nil
}

// materializeHardlink creates target as a hardlink to linkTarget. If
// linkTarget doesn't exist yet it returns (false, nil) so the caller can
// retry once more of the tree has landed. If linkTarget is itself a
// symlink, link(2) would just duplicate the symlink's inode, so the
// symlink is copied instead of hardlinked.
func materializeHardlink(linkTarget, target string) (bool, error) {
	info, err := os.Lstat(linkTarget)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(linkTarget)
		if err != nil {
			return false, err
		}
		if err := os.Symlink(dest, target); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := os.Link(linkTarget, target); err != nil {
		return false, err
	}
	return true, nil
}

// resolveHardlinks retries deferred hardlinks up to maxHardlinkPasses
// times, returning whatever is still unresolved at the end.
func resolveHardlinks(pending []pendingHardlink) []pendingHardlink {
	for pass := 0; pass < maxHardlinkPasses && len(pending) > 0; pass++ {
		var remaining []pendingHardlink
		progressed := false
		for _, p := range pending {
			ok, err := materializeHardlink(p.linkTarget, p.target)
			if err != nil {
				log.Printf("image: hardlink %s -> %s failed: %v", p.name, p.linkname, err)
				continue
			}
			if ok {
				progressed = true
				continue
			}
			remaining = append(remaining, p)
		}
		pending = remaining
		if !progressed {
			break
		}
	}
	return pending
}

// sweepWhiteouts removes any whiteout marker left in destDir after every
// layer has been applied.
func sweepWhiteouts(destDir string) {
	filepath.WalkDir(destDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".wh.") {
			os.Remove(path)
		}
		return nil
	})
}
