package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
	"github.com/lttle-cloud/ignitiond/internal/netpool"
	"github.com/lttle-cloud/ignitiond/internal/proxy"
	"github.com/lttle-cloud/ignitiond/internal/resource"
	"github.com/lttle-cloud/ignitiond/internal/scheduler"
	"github.com/lttle-cloud/ignitiond/internal/store"
)

// ServiceControllerConfig carries the platform-wide admission policy
// spec.md §4.10.2's before_set describes: a reserved port range the
// dynamic TCP allocator owns (explicit External ports may not collide
// with it) and the region's own domain suffix (hosts under it must
// belong to the requesting tenant).
type ServiceControllerConfig struct {
	RegionDomain string
	TCPPortMin   int
	TCPPortMax   int
}

// ServiceController drives a Service's proxy binding into existence or
// tears it down, per spec.md §4.10.2.
type ServiceController struct {
	Store   *store.Store
	Proxy   *proxy.Proxy
	Net     *netpool.Pool
	Ports   *portAllocator
	Domains *domainTracker
	Cfg     ServiceControllerConfig
}

// NewServiceController wires a ServiceController with a fresh dynamic
// TCP port allocator and domain ownership tracker.
func NewServiceController(s *store.Store, p *proxy.Proxy, net *netpool.Pool, cfg ServiceControllerConfig) *ServiceController {
	return &ServiceController{
		Store:   s,
		Proxy:   p,
		Net:     net,
		Ports:   newPortAllocator(cfg.TCPPortMin, cfg.TCPPortMax),
		Domains: newDomainTracker(),
		Cfg:     cfg,
	}
}

func (c *ServiceController) Kind() string { return string(resource.KindService) }

func (c *ServiceController) Schedule(ctx context.Context, ev scheduler.Event) (scheduler.ControllerKey, bool) {
	if ev.Kind == scheduler.AsyncWorkChange {
		return scheduler.ControllerKey{}, false // ServiceController submits no async jobs
	}
	if ev.Resource != c.Kind() {
		return scheduler.ControllerKey{}, false
	}
	return scheduler.ControllerKey{Tenant: ev.Tenant, Kind: c.Kind(), Name: ev.Name}, true
}

func (c *ServiceController) ShouldReconcile(ctx context.Context, key scheduler.ControllerKey) bool {
	return true
}

func (c *ServiceController) HandleError(ctx context.Context, key scheduler.ControllerKey, err error) scheduler.ReconcileNext {
	status, _, loadErr := c.loadStatus(key)
	if loadErr == nil {
		status.ErrorMsg = err.Error()
		_ = c.saveStatus(key, status)
	}
	return scheduler.Done
}

func (c *ServiceController) loadSpec(key scheduler.ControllerKey) (resource.ServiceSpec, bool, error) {
	return store.Get[resource.ServiceSpec](c.Store, specKey(resource.KindService, key.Tenant, key.Name))
}

func (c *ServiceController) loadStatus(key scheduler.ControllerKey) (resource.ServiceStatus, bool, error) {
	return store.Get[resource.ServiceStatus](c.Store, statusKey(resource.KindService, key.Tenant, key.Name))
}

func (c *ServiceController) saveStatus(key scheduler.ControllerKey, status resource.ServiceStatus) error {
	status.Meta = resource.Meta{Tenant: key.Tenant, Name: key.Name}
	return store.Put(c.Store, statusKey(resource.KindService, key.Tenant, key.Name), status)
}

func bindingName(key scheduler.ControllerKey) string {
	return fmt.Sprintf("%s/%s", key.Tenant, key.Name)
}

func (c *ServiceController) Reconcile(ctx context.Context, key scheduler.ControllerKey) (scheduler.ReconcileNext, error) {
	spec, stored, err := c.loadSpec(key)
	if err != nil {
		return scheduler.ReconcileNext{}, err
	}
	status, _, err := c.loadStatus(key)
	if err != nil {
		return scheduler.ReconcileNext{}, err
	}

	if !stored {
		return c.teardown(key, status)
	}

	if status.ServiceIP == "" {
		res, err := c.Net.ReserveIP(resource.IPReservationService, bindingName(key))
		if err != nil {
			return scheduler.ReconcileNext{}, err
		}
		status.ServiceIP = res.IP
	}

	mode, servicePort, externalHost, err := c.resolveBindingMode(key, spec, status)
	if err != nil {
		return scheduler.ReconcileNext{}, err
	}
	status.ServicePort = servicePort
	status.ExternalHost = externalHost

	target := proxy.Target{
		MachineName: fmt.Sprintf("%s/%s", key.Tenant, spec.Target.MachineName),
		Port:        uint16(spec.Target.Port),
	}
	if err := c.Proxy.SetBinding(proxy.Binding{Name: bindingName(key), Target: target, Mode: mode}); err != nil {
		return scheduler.ReconcileNext{}, err
	}

	if err := c.saveStatus(key, status); err != nil {
		return scheduler.ReconcileNext{}, err
	}
	return scheduler.Done, nil
}

// resolveBindingMode computes the proxy.BindingMode spec.md §4.10.2
// names for spec.Bind, running admission checks for the External case.
func (c *ServiceController) resolveBindingMode(key scheduler.ControllerKey, spec resource.ServiceSpec, status resource.ServiceStatus) (proxy.BindingMode, int, string, error) {
	switch {
	case spec.Bind.Internal != nil:
		port := spec.Bind.Internal.Port
		if port == 0 {
			port = spec.Target.Port
		}
		return proxy.BindingMode{Internal: &proxy.InternalMode{ServiceIP: status.ServiceIP, ServicePort: port}}, 0, "", nil

	case spec.Bind.External != nil:
		ext := spec.Bind.External
		if err := c.admitExternal(key, ext); err != nil {
			return proxy.BindingMode{}, 0, "", err
		}
		if ext.Protocol == resource.ProtoHTTP && spec.Target.Protocol == resource.ProtoHTTP {
			return proxy.BindingMode{HTTPHost: &proxy.HTTPHostMode{Host: ext.Host}}, 0, ext.Host, nil
		}
		nestedHTTP := spec.Target.Protocol == resource.ProtoHTTP
		return proxy.BindingMode{TLSSNI: &proxy.TLSSNIMode{Host: ext.Host, NestedHTTP: nestedHTTP}}, 0, ext.Host, nil

	case spec.Bind.Tcp != nil:
		port, err := c.allocateTCPPort(status)
		if err != nil {
			return proxy.BindingMode{}, 0, "", err
		}
		return proxy.BindingMode{TCP: &proxy.TCPMode{Port: port}}, port, "", nil

	default:
		return proxy.BindingMode{}, 0, "", fmt.Errorf("service %s: bind has no mode set", key.Name)
	}
}

func (c *ServiceController) admitExternal(key scheduler.ControllerKey, ext *resource.ExternalBind) error {
	if ext.Port != 0 && ext.Port >= c.Cfg.TCPPortMin && ext.Port <= c.Cfg.TCPPortMax {
		return ignerr.New(ignerr.Validation, "service %s: port %d falls in the reserved TCP range [%d,%d]", key.Name, ext.Port, c.Cfg.TCPPortMin, c.Cfg.TCPPortMax)
	}
	return c.Domains.claim(ext.Host, key.Tenant, c.Cfg.RegionDomain)
}

func (c *ServiceController) allocateTCPPort(status resource.ServiceStatus) (int, error) {
	if status.ServicePort != 0 {
		c.Ports.reserve(status.ServicePort)
		return status.ServicePort, nil
	}
	return c.Ports.allocate()
}

func (c *ServiceController) teardown(key scheduler.ControllerKey, status resource.ServiceStatus) (scheduler.ReconcileNext, error) {
	if err := c.Proxy.DeleteBinding(bindingName(key)); err != nil {
		return scheduler.ReconcileNext{}, err
	}
	if status.ServiceIP != "" {
		if err := c.Net.ReleaseIP(resource.IPReservationService, status.ServiceIP); err != nil {
			return scheduler.ReconcileNext{}, err
		}
	}
	if status.ServicePort != 0 {
		c.Ports.release(status.ServicePort)
	}
	if status.ExternalHost != "" {
		c.Domains.release(status.ExternalHost)
	}
	if err := store.Delete(c.Store, statusKey(resource.KindService, key.Tenant, key.Name)); err != nil {
		return scheduler.ReconcileNext{}, err
	}
	return scheduler.Done, nil
}

// portAllocator hands out dynamic TCP ports for Bind.Tcp services from
// a fixed range, reusing a status's already-assigned port idempotently
// across reconciles instead of reallocating it every time.
type portAllocator struct {
	mu    sync.Mutex
	min   int
	max   int
	inUse map[int]bool
}

func newPortAllocator(min, max int) *portAllocator {
	return &portAllocator{min: min, max: max, inUse: make(map[int]bool)}
}

func (a *portAllocator) reserve(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse[port] = true
}

func (a *portAllocator) allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := a.min; p <= a.max; p++ {
		if !a.inUse[p] {
			a.inUse[p] = true
			return p, nil
		}
	}
	return 0, ignerr.New(ignerr.Conflict, "no free dynamic TCP ports in [%d,%d]", a.min, a.max)
}

func (a *portAllocator) release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// domainTracker enforces external host ownership (spec.md §4.10.2): a
// host under the region's own domain suffix must belong to the
// requesting tenant; any other host is claimed on a first-come basis
// and held until the owning service releases it.
type domainTracker struct {
	mu     sync.Mutex
	owners map[string]string
}

func newDomainTracker() *domainTracker {
	return &domainTracker{owners: make(map[string]string)}
}

func (d *domainTracker) claim(host, tenant, regionDomain string) error {
	if regionDomain != "" && strings.HasSuffix(host, "."+regionDomain) {
		sub := strings.TrimSuffix(host, "."+regionDomain)
		if sub != tenant && !strings.HasSuffix(sub, "."+tenant) {
			return ignerr.New(ignerr.Conflict, "host %q is not owned by tenant %q", host, tenant)
		}
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if owner, ok := d.owners[host]; ok && owner != tenant {
		return ignerr.New(ignerr.Conflict, "host %q already claimed by another tenant", host)
	}
	d.owners[host] = tenant
	return nil
}

func (d *domainTracker) release(host string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.owners, host)
}
