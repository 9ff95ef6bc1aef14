package store

import (
	"encoding/json"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

func marshalTracked(v trackedNamespaces) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.Internal, err, "encode tracked namespaces for %s", v.Tenant)
	}
	return raw, nil
}

func unmarshalTracked(raw []byte, v *trackedNamespaces) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return ignerr.Wrap(ignerr.Internal, err, "decode tracked namespaces")
	}
	return nil
}
