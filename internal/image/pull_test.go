package image

import (
	"bytes"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

func buildTestImage(t *testing.T) v1.Image {
	t.Helper()
	layer, err := tarball.LayerFromReader(bytes.NewReader([]byte("layer bytes")), tarball.WithMediaType(types.OCILayer))
	if err != nil {
		t.Fatalf("tarball.LayerFromReader: %v", err)
	}
	img, err := mutate.Append(empty.Image, mutate.Addendum{Layer: layer})
	if err != nil {
		t.Fatalf("mutate.Append: %v", err)
	}
	return img
}

func TestValidateLayerMediaTypesAcceptsOCILayer(t *testing.T) {
	img := buildTestImage(t)
	if err := validateLayerMediaTypes(img); err != nil {
		t.Fatalf("validateLayerMediaTypes: %v", err)
	}
}

func TestGuestArchMatchesRuntime(t *testing.T) {
	if guestArch() == "" {
		t.Fatal("expected non-empty guest architecture")
	}
}
