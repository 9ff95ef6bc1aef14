package image

import (
	"io"
	"os"
	"path/filepath"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
	"github.com/lttle-cloud/ignitiond/internal/resource"
	"github.com/lttle-cloud/ignitiond/internal/store"
)

// layerCollection holds one ImageLayerRow per fetched, content-addressed
// layer blob, keyed by its digest (spec.md §4.4).
const layerCollection = "image_layers"

func layerKey(digest string) store.Key {
	return store.FlatKey(store.CoreTenant, layerCollection, digest)
}

func layerPath(layerDir, digest string) string {
	return filepath.Join(layerDir, digestToFileName(digest))
}

// digestToFileName turns "sha256:abcd" into "sha256_abcd" so the digest
// can be used as a flat filename.
func digestToFileName(digest string) string {
	out := make([]byte, len(digest))
	for i := 0; i < len(digest); i++ {
		if digest[i] == ':' {
			out[i] = '_'
		} else {
			out[i] = digest[i]
		}
	}
	return string(out)
}

// fetchLayer ensures layer's compressed bytes are present at a
// content-addressed path under layerDir, persisting an ImageLayerRow and
// skipping the network round trip if it's already there (a dedup check
// keyed by the layer's digest).
func fetchLayer(s *store.Store, layerDir string, layer v1.Layer, now int64) (resource.ImageLayerRow, error) {
	digest, err := layer.Digest()
	if err != nil {
		return resource.ImageLayerRow{}, ignerr.Wrap(ignerr.External, err, "read layer digest")
	}
	key := digest.String()

	if row, found, err := store.Get[resource.ImageLayerRow](s, layerKey(key)); err != nil {
		return resource.ImageLayerRow{}, err
	} else if found {
		if _, statErr := os.Stat(row.Path); statErr == nil {
			return row, nil
		}
		// Row survived but the blob file didn't; fall through and refetch.
	}

	dest := layerPath(layerDir, key)
	if err := os.MkdirAll(layerDir, 0o755); err != nil {
		return resource.ImageLayerRow{}, ignerr.Wrap(ignerr.IO, err, "create layer dir %s", layerDir)
	}

	rc, err := layer.Compressed()
	if err != nil {
		return resource.ImageLayerRow{}, ignerr.Wrap(ignerr.External, err, "fetch layer %s", key)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(layerDir, ".tmp-layer-*")
	if err != nil {
		return resource.ImageLayerRow{}, ignerr.Wrap(ignerr.IO, err, "create temp layer file")
	}
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return resource.ImageLayerRow{}, ignerr.Wrap(ignerr.IO, err, "write layer %s", key)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return resource.ImageLayerRow{}, ignerr.Wrap(ignerr.IO, err, "rename layer %s into place", key)
	}

	row := resource.ImageLayerRow{Digest: key, Path: dest, TimestampMs: now}
	if err := store.Put(s, layerKey(key), row); err != nil {
		return resource.ImageLayerRow{}, err
	}
	return row, nil
}
