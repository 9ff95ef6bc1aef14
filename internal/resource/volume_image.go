package resource

// VolumeRow is a file-backed ext4 image's persisted metadata (spec.md §3).
// A read-write overlay volume sets SourceID to the base volume it overlays;
// its Path then names the overlay file, which shares Source's length
// (spec.md §4.3).
type VolumeRow struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	SizeMiB  int64  `json:"size_mib"`
	ReadOnly bool   `json:"read_only"`
	SourceID string `json:"source_id,omitempty"`
}

// ImageRow is a pulled+unpacked OCI image's persisted metadata.
type ImageRow struct {
	ID          string   `json:"id"`
	Reference   string   `json:"reference"`
	Digest      string   `json:"digest"`
	TimestampMs int64    `json:"timestamp_ms"`
	VolumeID    string   `json:"volume_id"`
	LayerIDs    []string `json:"layer_ids"`
}

// ImageLayerRow is a single pulled, content-addressed OCI layer blob.
type ImageLayerRow struct {
	Digest      string `json:"digest"`
	Path        string `json:"path"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// CertificateRow is a disk-backed PEM keypair reference used by the proxy's
// SNI resolver.
type CertificateRow struct {
	Host     string `json:"host"`
	CertPath string `json:"cert_path"`
	KeyPath  string `json:"key_path"`
}

// IPReservationKind distinguishes VM addresses from Service addresses so
// the two CIDR pools never collide.
type IPReservationKind string

const (
	IPReservationVM      IPReservationKind = "vm"
	IPReservationService IPReservationKind = "service"
)

// IPReservationRow persists one allocated address.
type IPReservationRow struct {
	IP   string            `json:"ip"`
	Tag  string            `json:"tag,omitempty"`
	Kind IPReservationKind `json:"kind"`
}
