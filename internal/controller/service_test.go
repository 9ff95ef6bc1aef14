package controller

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/lttle-cloud/ignitiond/internal/netpool"
	"github.com/lttle-cloud/ignitiond/internal/proxy"
	"github.com/lttle-cloud/ignitiond/internal/resource"
	"github.com/lttle-cloud/ignitiond/internal/scheduler"
	"github.com/lttle-cloud/ignitiond/internal/store"
)

// Internal-mode bindings listen directly on a machine's dynamically
// assigned service IP (an address out of the service CIDR, never
// actually plumbed onto a local interface in a test process), so those
// assertions go through resolveBindingMode directly rather than a full
// Reconcile + Proxy.EvaluateBindings pass. Tcp and External/HTTPHost
// bindings share the proxy's configured ListenAddr and are exercised
// end to end.

func newTestServiceController(t *testing.T, httpPort, httpsPort, tcpMin, tcpMax int) *ServiceController {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	net, err := netpool.Open(netpool.Config{BridgeName: "lo", VMCIDR: "10.61.0.0/24", ServiceCIDR: "10.61.1.0/24"}, s)
	if err != nil {
		t.Fatal(err)
	}

	p := proxy.New(proxy.Config{ListenAddr: "127.0.0.1", HTTPPort: httpPort, HTTPSPort: httpsPort}, proxy.NewTable(),
		proxy.BackendFunc(func(ctx context.Context, target proxy.Target, timeout time.Duration) (io.ReadWriteCloser, error) {
			return nil, nil
		}))
	t.Cleanup(func() { p.Close() })

	return NewServiceController(s, p, net, ServiceControllerConfig{
		RegionDomain: "apps.lttle.cloud",
		TCPPortMin:   tcpMin,
		TCPPortMax:   tcpMax,
	})
}

func TestServiceControllerTcpBindAllocatesPortInRange(t *testing.T) {
	c := newTestServiceController(t, 28080, 28443, 28000, 28010)
	key := scheduler.ControllerKey{Tenant: "acme", Kind: string(resource.KindService), Name: "web-tcp"}

	spec := resource.ServiceSpec{
		Meta:   resource.Meta{Tenant: key.Tenant, Name: key.Name},
		Target: resource.ServiceTarget{MachineName: "web", Port: 8080, Protocol: resource.ProtoTCP},
		Bind:   resource.ServiceBind{Tcp: &struct{}{}},
	}
	if err := store.Put(c.Store, specKey(resource.KindService, key.Tenant, key.Name), spec); err != nil {
		t.Fatal(err)
	}

	next, err := c.Reconcile(context.Background(), key)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !next.Done {
		t.Fatalf("expected Done, got %+v", next)
	}

	status, ok, err := c.loadStatus(key)
	if err != nil || !ok {
		t.Fatalf("status: ok=%v err=%v", ok, err)
	}
	if status.ServicePort < 28000 || status.ServicePort > 28010 {
		t.Fatalf("servicePort = %d, want in [28000,28010]", status.ServicePort)
	}
	if status.ServiceIP == "" {
		t.Fatal("expected a service ip to be reserved")
	}

	// Reconciling again with the same spec must not reallocate the port.
	again, err := c.Reconcile(context.Background(), key)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if !again.Done {
		t.Fatalf("expected Done, got %+v", again)
	}
	status2, _, _ := c.loadStatus(key)
	if status2.ServicePort != status.ServicePort {
		t.Fatalf("servicePort changed across reconciles: %d -> %d", status.ServicePort, status2.ServicePort)
	}

	// Deleting the spec releases the port and the service ip.
	if err := store.Delete(c.Store, specKey(resource.KindService, key.Tenant, key.Name)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reconcile(context.Background(), key); err != nil {
		t.Fatalf("teardown reconcile: %v", err)
	}
	if c.Ports.inUse[status.ServicePort] {
		t.Fatal("expected port to be released on teardown")
	}
}

func TestServiceControllerTcpBindExhaustsPortRange(t *testing.T) {
	c := newTestServiceController(t, 28081, 28444, 29000, 29000)

	key1 := scheduler.ControllerKey{Tenant: "acme", Kind: string(resource.KindService), Name: "svc-a"}
	key2 := scheduler.ControllerKey{Tenant: "acme", Kind: string(resource.KindService), Name: "svc-b"}

	spec := func(name string) resource.ServiceSpec {
		return resource.ServiceSpec{
			Meta:   resource.Meta{Tenant: "acme", Name: name},
			Target: resource.ServiceTarget{MachineName: "web", Port: 80, Protocol: resource.ProtoTCP},
			Bind:   resource.ServiceBind{Tcp: &struct{}{}},
		}
	}
	if err := store.Put(c.Store, specKey(resource.KindService, "acme", key1.Name), spec(key1.Name)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reconcile(context.Background(), key1); err != nil {
		t.Fatalf("first service: %v", err)
	}

	if err := store.Put(c.Store, specKey(resource.KindService, "acme", key2.Name), spec(key2.Name)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reconcile(context.Background(), key2); err == nil {
		t.Fatal("expected port exhaustion error for the second service")
	}
}

func TestServiceControllerExternalHTTPHostBind(t *testing.T) {
	c := newTestServiceController(t, 28082, 28445, 28020, 28030)
	key := scheduler.ControllerKey{Tenant: "acme", Kind: string(resource.KindService), Name: "web-http"}

	spec := resource.ServiceSpec{
		Meta:   resource.Meta{Tenant: key.Tenant, Name: key.Name},
		Target: resource.ServiceTarget{MachineName: "web", Port: 8080, Protocol: resource.ProtoHTTP},
		Bind: resource.ServiceBind{External: &resource.ExternalBind{
			Host:     "acme.apps.lttle.cloud",
			Protocol: resource.ProtoHTTP,
		}},
	}
	if err := store.Put(c.Store, specKey(resource.KindService, key.Tenant, key.Name), spec); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Reconcile(context.Background(), key); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	status, ok, err := c.loadStatus(key)
	if err != nil || !ok {
		t.Fatalf("status: ok=%v err=%v", ok, err)
	}
	if status.ExternalHost != "acme.apps.lttle.cloud" {
		t.Fatalf("externalHost = %q", status.ExternalHost)
	}

	var found *proxy.Binding
	for _, b := range c.Proxy.Table().Snapshot() {
		if b.Name == bindingName(key) {
			b := b
			found = &b
		}
	}
	if found == nil {
		t.Fatal("expected binding to be present in the proxy table")
	}
	if found.Mode.HTTPHost == nil || found.Mode.HTTPHost.Host != "acme.apps.lttle.cloud" {
		t.Fatalf("expected HTTPHost mode, got %+v", found.Mode)
	}
}

func TestServiceControllerExternalBindRejectsReservedPort(t *testing.T) {
	c := newTestServiceController(t, 28083, 28446, 29100, 29110)
	key := scheduler.ControllerKey{Tenant: "acme", Kind: string(resource.KindService), Name: "web-bad-port"}

	spec := resource.ServiceSpec{
		Meta:   resource.Meta{Tenant: key.Tenant, Name: key.Name},
		Target: resource.ServiceTarget{MachineName: "web", Port: 80, Protocol: resource.ProtoTCP},
		Bind: resource.ServiceBind{External: &resource.ExternalBind{
			Host:     "custom.example.com",
			Port:     29105,
			Protocol: resource.ProtoTLS,
		}},
	}
	if err := store.Put(c.Store, specKey(resource.KindService, key.Tenant, key.Name), spec); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Reconcile(context.Background(), key); err == nil {
		t.Fatal("expected admission error for a port in the reserved dynamic tcp range")
	}
}

func TestServiceControllerResolveInternalBindDerivesPortFromTarget(t *testing.T) {
	c := newTestServiceController(t, 28084, 28447, 28040, 28050)
	key := scheduler.ControllerKey{Tenant: "acme", Kind: string(resource.KindService), Name: "web-internal"}

	spec := resource.ServiceSpec{
		Meta:   resource.Meta{Tenant: key.Tenant, Name: key.Name},
		Target: resource.ServiceTarget{MachineName: "web", Port: 9090, Protocol: resource.ProtoTCP},
		Bind:   resource.ServiceBind{Internal: &resource.InternalBind{}},
	}
	status := resource.ServiceStatus{ServiceIP: "10.61.1.7"}

	mode, port, host, err := c.resolveBindingMode(key, spec, status)
	if err != nil {
		t.Fatalf("resolveBindingMode: %v", err)
	}
	if mode.Internal == nil {
		t.Fatal("expected Internal mode")
	}
	if mode.Internal.ServiceIP != "10.61.1.7" {
		t.Fatalf("serviceIP = %s", mode.Internal.ServiceIP)
	}
	if mode.Internal.ServicePort != 9090 {
		t.Fatalf("servicePort = %d, want derived target port 9090", mode.Internal.ServicePort)
	}
	if port != 0 || host != "" {
		t.Fatalf("internal bind should report no dynamic port/host, got port=%d host=%q", port, host)
	}
}

func TestDomainTrackerEnforcesRegionDomainOwnership(t *testing.T) {
	d := newDomainTracker()

	if err := d.claim("acme.apps.lttle.cloud", "acme", "apps.lttle.cloud"); err != nil {
		t.Fatalf("tenant claiming its own subdomain: %v", err)
	}
	if err := d.claim("acme.apps.lttle.cloud", "other", "apps.lttle.cloud"); err == nil {
		t.Fatal("expected another tenant to be rejected from acme's region subdomain")
	}

	if err := d.claim("custom.example.com", "acme", "apps.lttle.cloud"); err != nil {
		t.Fatalf("first claim of a custom host: %v", err)
	}
	if err := d.claim("custom.example.com", "other", "apps.lttle.cloud"); err == nil {
		t.Fatal("expected custom host to stay claimed by the first tenant")
	}
	d.release("custom.example.com")
	if err := d.claim("custom.example.com", "other", "apps.lttle.cloud"); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestPortAllocatorReservesAndReleases(t *testing.T) {
	a := newPortAllocator(30000, 30001)

	p1, err := a.allocate()
	if err != nil {
		t.Fatal(err)
	}
	p2, err := a.allocate()
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Fatal("expected distinct ports")
	}
	if _, err := a.allocate(); err == nil {
		t.Fatal("expected exhaustion error")
	}
	a.release(p1)
	if _, err := a.allocate(); err != nil {
		t.Fatalf("expected a freed port to be reusable: %v", err)
	}
}
