package controller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/lttle-cloud/ignitiond/internal/resource"
	"github.com/lttle-cloud/ignitiond/internal/scheduler"
	"github.com/lttle-cloud/ignitiond/internal/store"
)

// AppController projects an App spec into one derived Machine and one
// derived Service per exposure, per spec.md §4.10.3. It never reconciles
// the derived resources itself — it writes their specs and pushes a
// ResourceChange so MachineController/ServiceController pick them up on
// their own reconcile loops.
type AppController struct {
	Store *store.Store
	Sched *scheduler.Scheduler
}

func (c *AppController) Kind() string { return string(resource.KindApp) }

func (c *AppController) Schedule(ctx context.Context, ev scheduler.Event) (scheduler.ControllerKey, bool) {
	if ev.Resource != c.Kind() {
		return scheduler.ControllerKey{}, false
	}
	return scheduler.ControllerKey{Tenant: ev.Tenant, Kind: c.Kind(), Name: ev.Name}, true
}

func (c *AppController) ShouldReconcile(ctx context.Context, key scheduler.ControllerKey) bool {
	return true
}

func (c *AppController) HandleError(ctx context.Context, key scheduler.ControllerKey, err error) scheduler.ReconcileNext {
	status, _, loadErr := c.loadStatus(key)
	if loadErr == nil {
		status.ErrorMsg = err.Error()
		_ = c.saveStatus(key, status)
	}
	return scheduler.Done
}

func (c *AppController) loadSpec(key scheduler.ControllerKey) (resource.AppSpec, bool, error) {
	return store.Get[resource.AppSpec](c.Store, specKey(resource.KindApp, key.Tenant, key.Name))
}

func (c *AppController) loadStatus(key scheduler.ControllerKey) (resource.AppStatus, bool, error) {
	return store.Get[resource.AppStatus](c.Store, statusKey(resource.KindApp, key.Tenant, key.Name))
}

func (c *AppController) saveStatus(key scheduler.ControllerKey, status resource.AppStatus) error {
	status.Meta = resource.Meta{Tenant: key.Tenant, Name: key.Name}
	return store.Put(c.Store, statusKey(resource.KindApp, key.Tenant, key.Name), status)
}

func (c *AppController) Reconcile(ctx context.Context, key scheduler.ControllerKey) (scheduler.ReconcileNext, error) {
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

	machineName := key.Name
	machineSpec := resource.MachineSpec{
		Meta:          resource.Meta{Tenant: key.Tenant, Name: machineName},
		Image:         spec.Image,
		CPUCount:      spec.CPUCount,
		MemoryMB:      spec.MemoryMB,
		Mode:          spec.Mode,
		RestartPolicy: spec.RestartPolicy,
		Env:           spec.Env,
		Command:       spec.Command,
		Volumes:       spec.Volumes,
		NetworkTag:    spec.NetworkTag,
	}
	if hash := contentHash(machineSpec); hash != status.MachineHash {
		if err := store.Put(c.Store, specKey(resource.KindMachine, key.Tenant, machineName), machineSpec); err != nil {
			return scheduler.ReconcileNext{}, err
		}
		c.Sched.Push(ctx, scheduler.Event{Kind: scheduler.ResourceChange, Tenant: key.Tenant, Resource: string(resource.KindMachine), Name: machineName})
		status.MachineHash = hash
		status.MachineName = machineName
	}

	allocated := make(map[string]resource.AllocatedService, len(spec.Expose))
	for name, exposure := range spec.Expose {
		serviceName := fmt.Sprintf("%s-%s", key.Name, name)
		svcSpec := resource.ServiceSpec{
			Meta: resource.Meta{Tenant: key.Tenant, Name: serviceName},
			Target: resource.ServiceTarget{
				MachineName: machineName,
				Port:        exposure.Port,
				Protocol:    deriveTargetProtocol(exposure.Bind),
			},
			Bind: exposure.Bind,
		}
		hash := contentHash(svcSpec)
		prev, existed := status.AllocatedServices[name]
		if !existed || prev.Hash != hash {
			if err := store.Put(c.Store, specKey(resource.KindService, key.Tenant, serviceName), svcSpec); err != nil {
				return scheduler.ReconcileNext{}, err
			}
			c.Sched.Push(ctx, scheduler.Event{Kind: scheduler.ResourceChange, Tenant: key.Tenant, Resource: string(resource.KindService), Name: serviceName})
		}
		allocated[name] = resource.AllocatedService{Name: serviceName, Hash: hash, Domain: externalHost(exposure.Bind)}
	}

	for name, prev := range status.AllocatedServices {
		if _, keep := allocated[name]; keep {
			continue
		}
		if err := store.Delete(c.Store, specKey(resource.KindService, key.Tenant, prev.Name)); err != nil {
			return scheduler.ReconcileNext{}, err
		}
		c.Sched.Push(ctx, scheduler.Event{Kind: scheduler.ResourceChange, Tenant: key.Tenant, Resource: string(resource.KindService), Name: prev.Name})
	}
	status.AllocatedServices = allocated

	if err := c.saveStatus(key, status); err != nil {
		return scheduler.ReconcileNext{}, err
	}
	return scheduler.Done, nil
}

// teardown deletes every resource this App previously derived; each
// delete is picked up by the owning controller's own !stored branch,
// which is where the actual resource release (IP, port, domain, tap,
// volume) happens (spec.md §4.10.3's "after running their before_delete").
func (c *AppController) teardown(key scheduler.ControllerKey, status resource.AppStatus) (scheduler.ReconcileNext, error) {
	if status.MachineName != "" {
		if err := store.Delete(c.Store, specKey(resource.KindMachine, key.Tenant, status.MachineName)); err != nil {
			return scheduler.ReconcileNext{}, err
		}
		c.Sched.Push(context.Background(), scheduler.Event{Kind: scheduler.ResourceChange, Tenant: key.Tenant, Resource: string(resource.KindMachine), Name: status.MachineName})
	}
	for _, svc := range status.AllocatedServices {
		if err := store.Delete(c.Store, specKey(resource.KindService, key.Tenant, svc.Name)); err != nil {
			return scheduler.ReconcileNext{}, err
		}
		c.Sched.Push(context.Background(), scheduler.Event{Kind: scheduler.ResourceChange, Tenant: key.Tenant, Resource: string(resource.KindService), Name: svc.Name})
	}
	if err := store.Delete(c.Store, statusKey(resource.KindApp, key.Tenant, key.Name)); err != nil {
		return scheduler.ReconcileNext{}, err
	}
	return scheduler.Done, nil
}

// deriveTargetProtocol infers what protocol the app's machine speaks on
// an exposed port: Exposure carries only a bind mode, not an explicit
// target protocol, so HTTP-host external bindings imply an HTTP target
// and everything else is treated as raw TCP.
func deriveTargetProtocol(bind resource.ServiceBind) resource.ServiceProtocol {
	if bind.External != nil && bind.External.Protocol == resource.ProtoHTTP {
		return resource.ProtoHTTP
	}
	return resource.ProtoTCP
}

func externalHost(bind resource.ServiceBind) string {
	if bind.External != nil {
		return bind.External.Host
	}
	return ""
}

// contentHash is a stable digest of a resource spec, used to skip
// rewriting (and re-triggering a reconcile of) a derived resource whose
// content hasn't actually changed since the last projection.
func contentHash(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
