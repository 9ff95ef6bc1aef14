// Package image implements the OCI image pipeline: pulling a manifest,
// validating and fetching its layers into a content-addressed store,
// unpacking them in order into a scratch tree, and handing that tree to
// the volume pool to produce a mountable ext4 image (spec.md §4.4).
package image

import (
	"context"
	"runtime"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

// PullPolicy governs when Pool.PullIfNeeded re-fetches a reference that is
// already cached locally.
type PullPolicy string

const (
	PullAlways       PullPolicy = "always"
	PullIfNotPresent PullPolicy = "if_not_present"
	PullIfChanged    PullPolicy = "if_changed"
)

// supportedLayerMediaTypes is the allow-list spec.md §4.4 requires every
// layer's media type to fall into.
var supportedLayerMediaTypes = map[types.MediaType]bool{
	types.DockerLayer: true,
	types.OCILayer:    true,
}

// pullResult is a resolved, platform-matched manifest ready to unpack.
type pullResult struct {
	image  v1.Image
	digest string
}

func guestArch() string {
	return runtime.GOARCH
}

// pullManifest resolves reference against the registry and returns the
// linux/guestArch variant (spec.md §4.4 ManifestFetch).
func pullManifest(ctx context.Context, reference string) (*pullResult, error) {
	ref, err := name.ParseReference(reference)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.Validation, err, "parse image reference %q", reference)
	}

	arch := guestArch()
	platform := &v1.Platform{OS: "linux", Architecture: arch}

	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, ignerr.Wrap(ignerr.External, err, "pull manifest for %s", reference)
	}

	var img v1.Image
	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, ignerr.Wrap(ignerr.External, err, "read image index for %s", reference)
		}
		indexManifest, err := idx.IndexManifest()
		if err != nil {
			return nil, ignerr.Wrap(ignerr.External, err, "read index manifest for %s", reference)
		}
		for _, m := range indexManifest.Manifests {
			if m.Platform != nil && m.Platform.OS == "linux" && m.Platform.Architecture == arch {
				img, err = idx.Image(m.Digest)
				if err != nil {
					return nil, ignerr.Wrap(ignerr.External, err, "read linux/%s manifest for %s", arch, reference)
				}
				break
			}
		}
		if img == nil {
			return nil, ignerr.New(ignerr.External, "no linux/%s variant in image index for %s", arch, reference)
		}
	default:
		img, err = desc.Image()
		if err != nil {
			return nil, ignerr.Wrap(ignerr.External, err, "read image for %s", reference)
		}
		cfg, err := img.ConfigFile()
		if err != nil {
			return nil, ignerr.Wrap(ignerr.External, err, "read image config for %s", reference)
		}
		if cfg.OS != "linux" || cfg.Architecture != arch {
			return nil, ignerr.New(ignerr.Validation, "image %s is %s/%s, need linux/%s", reference, cfg.OS, cfg.Architecture, arch)
		}
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, ignerr.Wrap(ignerr.External, err, "compute digest for %s", reference)
	}

	if err := validateLayerMediaTypes(img); err != nil {
		return nil, err
	}

	return &pullResult{image: img, digest: digest.String()}, nil
}

func validateLayerMediaTypes(img v1.Image) error {
	layers, err := img.Layers()
	if err != nil {
		return ignerr.Wrap(ignerr.External, err, "read layers")
	}
	for _, l := range layers {
		mt, err := l.MediaType()
		if err != nil {
			return ignerr.Wrap(ignerr.External, err, "read layer media type")
		}
		if !supportedLayerMediaTypes[mt] {
			return ignerr.New(ignerr.Validation, "unsupported layer media type %q", mt)
		}
	}
	return nil
}
