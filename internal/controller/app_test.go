package controller

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lttle-cloud/ignitiond/internal/resource"
	"github.com/lttle-cloud/ignitiond/internal/scheduler"
	"github.com/lttle-cloud/ignitiond/internal/store"
)

func newTestAppController(t *testing.T) *AppController {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return &AppController{Store: s, Sched: scheduler.New()}
}

func appKey(name string) scheduler.ControllerKey {
	return scheduler.ControllerKey{Tenant: "acme", Kind: string(resource.KindApp), Name: name}
}

func TestAppControllerProjectsMachineAndServices(t *testing.T) {
	c := newTestAppController(t)
	key := appKey("web")

	spec := resource.AppSpec{
		Meta:     resource.Meta{Tenant: key.Tenant, Name: key.Name},
		Image:    "registry.example.com/web:latest",
		CPUCount: 2,
		MemoryMB: 512,
		Expose: map[string]resource.Exposure{
			"http": {Name: "http", Port: 8080, Bind: resource.ServiceBind{External: &resource.ExternalBind{Host: "web.apps.lttle.cloud", Protocol: resource.ProtoHTTP}}},
		},
	}
	if err := store.Put(c.Store, specKey(resource.KindApp, key.Tenant, key.Name), spec); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Reconcile(context.Background(), key); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	status, ok, err := c.loadStatus(key)
	if err != nil || !ok {
		t.Fatalf("status: ok=%v err=%v", ok, err)
	}
	if status.MachineName != "web" {
		t.Fatalf("machineName = %q, want web", status.MachineName)
	}
	if status.MachineHash == "" {
		t.Fatal("expected a non-empty machine content hash")
	}
	svc, ok := status.AllocatedServices["http"]
	if !ok {
		t.Fatal("expected an allocated service for the http exposure")
	}
	if svc.Name != "web-http" {
		t.Fatalf("service name = %q, want web-http", svc.Name)
	}
	if svc.Domain != "web.apps.lttle.cloud" {
		t.Fatalf("service domain = %q", svc.Domain)
	}

	machineSpec, ok, err := store.Get[resource.MachineSpec](c.Store, specKey(resource.KindMachine, key.Tenant, "web"))
	if err != nil || !ok {
		t.Fatalf("derived machine spec: ok=%v err=%v", ok, err)
	}
	if machineSpec.Image != spec.Image || machineSpec.CPUCount != spec.CPUCount {
		t.Fatalf("derived machine spec mismatch: %+v", machineSpec)
	}

	serviceSpec, ok, err := store.Get[resource.ServiceSpec](c.Store, specKey(resource.KindService, key.Tenant, "web-http"))
	if err != nil || !ok {
		t.Fatalf("derived service spec: ok=%v err=%v", ok, err)
	}
	if serviceSpec.Target.MachineName != "web" || serviceSpec.Target.Protocol != resource.ProtoHTTP {
		t.Fatalf("derived service spec mismatch: %+v", serviceSpec)
	}
}

// TestAppControllerSkipsRewriteWhenContentUnchanged guards against the
// reconcile ping-pong a naive always-rewrite projection would cause: a
// second reconcile over an identical spec must not touch the derived
// machine, since content hashes already match.
func TestAppControllerSkipsRewriteWhenContentUnchanged(t *testing.T) {
	c := newTestAppController(t)
	key := appKey("web")

	spec := resource.AppSpec{
		Meta:     resource.Meta{Tenant: key.Tenant, Name: key.Name},
		Image:    "registry.example.com/web:latest",
		CPUCount: 1,
		MemoryMB: 256,
	}
	if err := store.Put(c.Store, specKey(resource.KindApp, key.Tenant, key.Name), spec); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reconcile(context.Background(), key); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	status1, _, _ := c.loadStatus(key)

	if _, err := c.Reconcile(context.Background(), key); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	status2, _, _ := c.loadStatus(key)

	if status1.MachineHash != status2.MachineHash {
		t.Fatalf("machine hash changed across idempotent reconciles: %s -> %s", status1.MachineHash, status2.MachineHash)
	}
}

func TestAppControllerPrunesRemovedExposures(t *testing.T) {
	c := newTestAppController(t)
	key := appKey("web")

	spec := resource.AppSpec{
		Meta:     resource.Meta{Tenant: key.Tenant, Name: key.Name},
		Image:    "registry.example.com/web:latest",
		MemoryMB: 256,
		Expose: map[string]resource.Exposure{
			"http":  {Name: "http", Port: 8080, Bind: resource.ServiceBind{Tcp: &struct{}{}}},
			"admin": {Name: "admin", Port: 9090, Bind: resource.ServiceBind{Tcp: &struct{}{}}},
		},
	}
	if err := store.Put(c.Store, specKey(resource.KindApp, key.Tenant, key.Name), spec); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reconcile(context.Background(), key); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}

	spec.Expose = map[string]resource.Exposure{
		"http": spec.Expose["http"],
	}
	if err := store.Put(c.Store, specKey(resource.KindApp, key.Tenant, key.Name), spec); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reconcile(context.Background(), key); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	status, _, _ := c.loadStatus(key)
	if _, stillThere := status.AllocatedServices["admin"]; stillThere {
		t.Fatal("expected the removed admin exposure's service to be pruned from status")
	}
	if _, ok, err := store.Get[resource.ServiceSpec](c.Store, specKey(resource.KindService, key.Tenant, "web-admin")); err != nil || ok {
		t.Fatalf("expected derived admin service spec to be deleted, ok=%v err=%v", ok, err)
	}
}

func TestAppControllerTeardownDeletesDerivedResources(t *testing.T) {
	c := newTestAppController(t)
	key := appKey("web")

	spec := resource.AppSpec{
		Meta:     resource.Meta{Tenant: key.Tenant, Name: key.Name},
		Image:    "registry.example.com/web:latest",
		MemoryMB: 256,
		Expose: map[string]resource.Exposure{
			"http": {Name: "http", Port: 8080, Bind: resource.ServiceBind{Tcp: &struct{}{}}},
		},
	}
	if err := store.Put(c.Store, specKey(resource.KindApp, key.Tenant, key.Name), spec); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reconcile(context.Background(), key); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if err := store.Delete(c.Store, specKey(resource.KindApp, key.Tenant, key.Name)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reconcile(context.Background(), key); err != nil {
		t.Fatalf("teardown reconcile: %v", err)
	}

	if _, ok, err := store.Get[resource.MachineSpec](c.Store, specKey(resource.KindMachine, key.Tenant, "web")); err != nil || ok {
		t.Fatalf("expected derived machine spec deleted, ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.Get[resource.ServiceSpec](c.Store, specKey(resource.KindService, key.Tenant, "web-http")); err != nil || ok {
		t.Fatalf("expected derived service spec deleted, ok=%v err=%v", ok, err)
	}
	if _, ok, err := c.loadStatus(key); err != nil || ok {
		t.Fatalf("expected app status deleted, ok=%v err=%v", ok, err)
	}
}

func TestContentHashIsStableAndSensitiveToChange(t *testing.T) {
	a := resource.MachineSpec{Image: "x", MemoryMB: 256}
	b := resource.MachineSpec{Image: "x", MemoryMB: 256}
	if contentHash(a) != contentHash(b) {
		t.Fatal("expected identical specs to hash identically")
	}
	c := resource.MachineSpec{Image: "x", MemoryMB: 512}
	if contentHash(a) == contentHash(c) {
		t.Fatal("expected differing specs to hash differently")
	}
}

func TestDeriveTargetProtocol(t *testing.T) {
	httpBind := resource.ServiceBind{External: &resource.ExternalBind{Protocol: resource.ProtoHTTP}}
	if got := deriveTargetProtocol(httpBind); got != resource.ProtoHTTP {
		t.Fatalf("deriveTargetProtocol(http external) = %s", got)
	}
	tcpBind := resource.ServiceBind{Tcp: &struct{}{}}
	if got := deriveTargetProtocol(tcpBind); got != resource.ProtoTCP {
		t.Fatalf("deriveTargetProtocol(tcp) = %s", got)
	}
	tlsBind := resource.ServiceBind{External: &resource.ExternalBind{Protocol: resource.ProtoTLS}}
	if got := deriveTargetProtocol(tlsBind); got != resource.ProtoTCP {
		t.Fatalf("deriveTargetProtocol(tls external) = %s, want tcp (only http external implies an http target)", got)
	}
}
