// Package netpool manages the host-side network plane a Machine plugs
// into: a bridge + per-machine tap device, and two disjoint IPv4 address
// pools (VM addresses and Service addresses) persisted as reservations in
// the keyed store (net.rs, ip_range.rs).
package netpool

import (
	"fmt"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
	"github.com/lttle-cloud/ignitiond/internal/resource"
	"github.com/lttle-cloud/ignitiond/internal/store"
)

// Config describes the host network plane a Pool manages.
type Config struct {
	BridgeName     string
	VMCIDR         string
	ServiceCIDR    string
}

// Pool allocates tap devices and IPv4 addresses for the agent layer.
type Pool struct {
	config Config
	store  *store.Store

	vmRange      IPRange
	serviceRange IPRange
}

const reservationCollection = "ip_reservations"

// Open validates the configured bridge exists and parses both CIDR pools.
func Open(cfg Config, s *store.Store) (*Pool, error) {
	vmRange, err := ParseCIDR(cfg.VMCIDR)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.Validation, err, "parse vm ip cidr")
	}
	serviceRange, err := ParseCIDR(cfg.ServiceCIDR)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.Validation, err, "parse service ip cidr")
	}
	if !BridgeExists(cfg.BridgeName) {
		return nil, ignerr.New(ignerr.NotFound, "bridge %s not found", cfg.BridgeName)
	}

	return &Pool{
		config:       cfg,
		store:        s,
		vmRange:      vmRange,
		serviceRange: serviceRange,
	}, nil
}

func (p *Pool) rangeFor(kind resource.IPReservationKind) (IPRange, error) {
	switch kind {
	case resource.IPReservationVM:
		return p.vmRange, nil
	case resource.IPReservationService:
		return p.serviceRange, nil
	default:
		return IPRange{}, ignerr.New(ignerr.Validation, "unknown ip reservation kind %q", kind)
	}
}

func reservationKey(kind resource.IPReservationKind, ip string) store.Key {
	return store.FlatKey(store.CoreTenant, fmt.Sprintf("%s/%s", reservationCollection, kind), ip)
}

func reservationPartial(kind resource.IPReservationKind) store.PartialKey {
	return store.FlatPartial(store.CoreTenant, fmt.Sprintf("%s/%s", reservationCollection, kind))
}

// ReserveIP draws a free address from the given pool and persists the
// reservation. Each attempt is a single random draw (as in net.rs), with no
// linear scan for a free slot; a draw that collides with an existing
// reservation is retried, up to maxAttempts times, since the pools are
// large relative to expected fleet size.
func (p *Pool) ReserveIP(kind resource.IPReservationKind, tag string) (resource.IPReservationRow, error) {
	r, err := p.rangeFor(kind)
	if err != nil {
		return resource.IPReservationRow{}, err
	}

	const maxAttempts = 32
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ip := r.Random().String()
		key := reservationKey(kind, ip)

		if _, found, err := store.Get[resource.IPReservationRow](p.store, key); err != nil {
			return resource.IPReservationRow{}, err
		} else if found {
			continue
		}

		row := resource.IPReservationRow{IP: ip, Tag: tag, Kind: kind}
		if err := store.Put(p.store, key, row); err != nil {
			return resource.IPReservationRow{}, err
		}
		return row, nil
	}

	return resource.IPReservationRow{}, ignerr.New(ignerr.Internal, "no free address in %s pool after %d attempts", kind, maxAttempts)
}

// ListIPReservations returns every reservation of the given kind.
func (p *Pool) ListIPReservations(kind resource.IPReservationKind) ([]resource.IPReservationRow, error) {
	return store.List[resource.IPReservationRow](p.store, reservationPartial(kind))
}

// ReleaseIP frees a previously reserved address.
func (p *Pool) ReleaseIP(kind resource.IPReservationKind, ip string) error {
	return store.Delete(p.store, reservationKey(kind, ip))
}

// Gateway returns the gateway address guests in the given pool should
// route through.
func (p *Pool) Gateway(kind resource.IPReservationKind) (string, error) {
	r, err := p.rangeFor(kind)
	if err != nil {
		return "", err
	}
	return r.Gateway().String(), nil
}

// Netmask returns the dotted-quad netmask for the given pool.
func (p *Pool) Netmask(kind resource.IPReservationKind) (string, error) {
	r, err := p.rangeFor(kind)
	if err != nil {
		return "", err
	}
	return r.Netmask().String(), nil
}
