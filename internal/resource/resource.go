// Package resource defines the declarative documents the store persists:
// Machine, Service, App, Volume, Image, ImageLayer, Certificate and
// IpReservation, plus the small Resource/Key interfaces the scheduler and
// controllers use to stay generic over resource kind (spec.md §3, §4.10).
package resource

import "fmt"

// Kind tags a resource's type within the keyed store's collection scheme.
type Kind string

const (
	KindMachine       Kind = "machines"
	KindService       Kind = "services"
	KindApp           Kind = "apps"
	KindVolume        Kind = "volumes"
	KindCertificate   Kind = "certificates"
	KindIPReservation Kind = "ip_reservations"
	KindImage         Kind = "images"
	KindImageLayer    Kind = "image_layers"
)

// Meta is the immutable identity shared by every resource: tenant, an
// optional namespace, and a name (the kind is carried by Key).
type Meta struct {
	Tenant    string `json:"tenant"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

func (m Meta) String() string {
	if m.Namespace != "" {
		return fmt.Sprintf("%s/%s/%s", m.Tenant, m.Namespace, m.Name)
	}
	return fmt.Sprintf("%s/%s", m.Tenant, m.Name)
}

// Key is the tuple that identifies a reconcile unit — spec.md's ControllerKey.
type Key struct {
	Tenant    string `json:"tenant"`
	Kind      Kind   `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

func (k Key) String() string {
	if k.Namespace != "" {
		return fmt.Sprintf("%s/%s/%s/%s", k.Tenant, k.Kind, k.Namespace, k.Name)
	}
	return fmt.Sprintf("%s/%s/%s", k.Tenant, k.Kind, k.Name)
}

func KeyOf(kind Kind, m Meta) Key {
	return Key{Tenant: m.Tenant, Kind: kind, Namespace: m.Namespace, Name: m.Name}
}
