// Package image implements the OCI image pipeline: pulling a manifest,
// validating and fetching its layers into a content-addressed store,
// unpacking them in order into a scratch tree, and handing that tree to
// the volume pool to produce a mountable ext4 image (spec.md §4.4).
package image

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/lttle-cloud/ignitiond/internal/idgen"
	"github.com/lttle-cloud/ignitiond/internal/ignerr"
	"github.com/lttle-cloud/ignitiond/internal/resource"
	"github.com/lttle-cloud/ignitiond/internal/store"
	"github.com/lttle-cloud/ignitiond/internal/volume"
)

const imageCollection = "images"

func imageKey(reference string) store.Key {
	return store.FlatKey(store.CoreTenant, imageCollection, reference)
}

// Pool pulls OCI images and turns them into volume-backed, bootable
// rootfs trees, tracking what's already local so repeat pulls of an
// unchanged reference are free (spec.md §4.4).
type Pool struct {
	store      *store.Store
	volumes    *volume.Pool
	layerDir   string
	scratchDir string
}

// Open returns a Pool rooted at dataDir, creating its layer and scratch
// subdirectories if absent.
func Open(dataDir string, s *store.Store, volumes *volume.Pool) (*Pool, error) {
	layerDir := filepath.Join(dataDir, "layers")
	scratchDir := filepath.Join(dataDir, "scratch")
	if err := os.MkdirAll(layerDir, 0o755); err != nil {
		return nil, ignerr.Wrap(ignerr.IO, err, "create layer dir %s", layerDir)
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, ignerr.Wrap(ignerr.IO, err, "create scratch dir %s", scratchDir)
	}
	return &Pool{store: s, volumes: volumes, layerDir: layerDir, scratchDir: scratchDir}, nil
}

// Get returns a previously pulled image's metadata, keyed by the exact
// reference string it was pulled under.
func (p *Pool) Get(reference string) (resource.ImageRow, bool, error) {
	return store.Get[resource.ImageRow](p.store, imageKey(reference))
}

// PullIfNeeded resolves reference against the registry, fetches any
// layers not already present, unpacks them into a fresh volume, and
// persists the result. policy governs whether an already-pulled
// reference is re-resolved at all (spec.md §4.4):
//
//   - PullIfNotPresent skips the registry entirely when reference has
//     ever been pulled before, stale or not.
//   - PullIfChanged always resolves the manifest, but skips layer fetch
//     and unpack when the resolved digest matches what's already local.
//   - PullAlways resolves and re-unpacks unconditionally, producing a
//     fresh volume even when the digest is unchanged.
func (p *Pool) PullIfNeeded(ctx context.Context, reference string, policy PullPolicy) (resource.ImageRow, error) {
	existing, found, err := p.Get(reference)
	if err != nil {
		return resource.ImageRow{}, err
	}
	if found && policy == PullIfNotPresent {
		return existing, nil
	}

	result, err := pullManifest(ctx, reference)
	if err != nil {
		return resource.ImageRow{}, err
	}

	if found && policy == PullIfChanged && existing.Digest == result.digest {
		return existing, nil
	}

	now := time.Now().UnixMilli()

	layers, err := result.image.Layers()
	if err != nil {
		return resource.ImageRow{}, ignerr.Wrap(ignerr.External, err, "read layers for %s", reference)
	}

	layerIDs := make([]string, 0, len(layers))
	layerPaths := make([]string, 0, len(layers))
	for _, l := range layers {
		row, err := fetchLayer(p.store, p.layerDir, l, now)
		if err != nil {
			return resource.ImageRow{}, ignerr.Wrap(ignerr.External, err, "fetch layer for %s", reference)
		}
		layerIDs = append(layerIDs, row.Digest)
		layerPaths = append(layerPaths, row.Path)
	}

	configJSON, err := result.image.RawConfigFile()
	if err != nil {
		return resource.ImageRow{}, ignerr.Wrap(ignerr.External, err, "read config for %s", reference)
	}

	scratch := filepath.Join(p.scratchDir, idgen.Full())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return resource.ImageRow{}, ignerr.Wrap(ignerr.IO, err, "create scratch dir")
	}
	defer os.RemoveAll(scratch)

	if err := unpackLayers(layerPaths, configJSON, scratch); err != nil {
		return resource.ImageRow{}, err
	}

	volRow, err := p.volumes.CreateFromDir(ctx, scratch)
	if err != nil {
		return resource.ImageRow{}, ignerr.Wrap(ignerr.IO, err, "build volume from %s", reference)
	}

	row := resource.ImageRow{
		ID:          idgen.Full(),
		Reference:   reference,
		Digest:      result.digest,
		TimestampMs: now,
		VolumeID:    volRow.ID,
		LayerIDs:    layerIDs,
	}
	if err := store.Put(p.store, imageKey(reference), row); err != nil {
		return resource.ImageRow{}, err
	}
	return row, nil
}
