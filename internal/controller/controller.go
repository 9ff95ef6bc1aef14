// Package controller implements the reconcile logic the scheduler
// drives for each resource kind (spec.md §4.10): MachineController,
// ServiceController and AppController. Each turns a declarative spec
// document, the live runtime state (internal/agent's catalog,
// internal/netpool/internal/volume reservations, pending
// internal/job work), into the matching status document, and tears
// resources down once their spec is deleted.
package controller

import (
	"fmt"
	"net"

	"github.com/lttle-cloud/ignitiond/internal/resource"
	"github.com/lttle-cloud/ignitiond/internal/scheduler"
	"github.com/lttle-cloud/ignitiond/internal/store"
)

// statusCollection is where a resource kind's status documents live,
// a sibling collection to its spec documents so a status write never
// shares a key with (or requires re-decoding as) the spec it describes.
func statusCollection(kind resource.Kind) string {
	return string(kind) + "_status"
}

func specKey(kind resource.Kind, tenant, name string) store.Key {
	return store.FlatKey(tenant, string(kind), name)
}

func statusKey(kind resource.Kind, tenant, name string) store.Key {
	return store.FlatKey(tenant, statusCollection(kind), name)
}

func specPartial(kind resource.Kind, tenant string) store.PartialKey {
	return store.FlatPartial(tenant, string(kind))
}

// toControllerKey adapts a resource.Key (whose Kind is resource.Kind)
// to the scheduler's ControllerKey (whose Kind is a plain string), so
// a controller reacting to one resource kind can address another's
// reconcile loop, e.g. AppController deriving a Machine's key.
func toControllerKey(k resource.Key) scheduler.ControllerKey {
	return scheduler.ControllerKey{Tenant: k.Tenant, Kind: string(k.Kind), Namespace: k.Namespace, Name: k.Name}
}

// catalogName is the internal/agent.Manager catalog key for a
// machine's ControllerKey, tenant-qualified so two tenants can each
// name a machine "web" without colliding in the single process-wide
// catalog.
func catalogName(key scheduler.ControllerKey) string {
	return fmt.Sprintf("%s/%s", key.Tenant, key.Name)
}

// ownerKey formats a ControllerKey as the owner string internal/job
// uses to validate that only the submitting controller can consume a
// job's result.
func ownerKey(key scheduler.ControllerKey) string {
	return fmt.Sprintf("%s/%s/%s", key.Tenant, key.Kind, key.Name)
}

// macFromIP computes a machine's guest MAC deterministically from its
// assigned IPv4 address (spec.md §4.10.1): 06:00 followed by the four
// address octets. The locally-administered, unicast 06 prefix avoids
// colliding with any vendor-assigned range.
func macFromIP(ip string) string {
	addr := net.ParseIP(ip).To4()
	if addr == nil {
		return ""
	}
	return fmt.Sprintf("06:00:%02x:%02x:%02x:%02x", addr[0], addr[1], addr[2], addr[3])
}
