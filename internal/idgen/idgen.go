// Package idgen produces short, filesystem- and interface-name-safe
// identifiers used for tap device names, volume ids and overlay ids.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Short returns an 8-character lowercase hex identifier derived from a
// fresh random UUID. Collisions are handled by the caller re-rolling
// (e.g. the tap pool regenerates a name while a device of that name
// already exists).
func Short() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

// Full returns a full random UUID string, used for resource ids that
// don't need to fit in a kernel interface-name budget.
func Full() string {
	return uuid.New().String()
}
