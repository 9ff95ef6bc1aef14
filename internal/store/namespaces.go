package store

import "time"

const trackedNamespacesCollection = "tracked_namespaces"

// TrackedNamespace records when a tenant first used a given namespace.
type TrackedNamespace struct {
	Namespace   string `json:"namespace"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// trackedNamespaces is the per-tenant record stored at
// __core__/tracked_namespaces/<tenant>.
type trackedNamespaces struct {
	Tenant     string                      `json:"tenant"`
	Namespaces map[string]TrackedNamespace `json:"namespaces"`
}

func trackedNamespacesKey(tenant string) Key {
	return FlatKey(CoreTenant, trackedNamespacesCollection, tenant)
}

// trackNamespace records that tenant has used namespace, creating the
// tracking record on first use. Idempotent: re-tracking an existing
// namespace leaves its created_at untouched.
func (s *Store) trackNamespace(tenant, namespace string) error {
	key := trackedNamespacesKey(tenant)

	raw, ok, err := s.rawGet(key.String())
	if err != nil {
		return err
	}

	tns := trackedNamespaces{Tenant: tenant, Namespaces: map[string]TrackedNamespace{}}
	if ok {
		if err := unmarshalTracked(raw, &tns); err != nil {
			return err
		}
	}

	if _, exists := tns.Namespaces[namespace]; !exists {
		tns.Namespaces[namespace] = TrackedNamespace{
			Namespace:   namespace,
			CreatedAtMs: time.Now().UnixMilli(),
		}
	}

	encoded, err := marshalTracked(tns)
	if err != nil {
		return err
	}
	return s.rawPut(key.String(), encoded)
}

// UntrackNamespace explicitly removes namespace from tenant's tracked set.
// It does not delete any resources in that namespace.
func (s *Store) UntrackNamespace(tenant, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := trackedNamespacesKey(tenant)
	raw, ok, err := s.rawGet(key.String())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var tns trackedNamespaces
	if err := unmarshalTracked(raw, &tns); err != nil {
		return err
	}
	delete(tns.Namespaces, namespace)

	encoded, err := marshalTracked(tns)
	if err != nil {
		return err
	}
	return s.rawPut(key.String(), encoded)
}

// ListTrackedNamespaces returns every namespace tenant has written into.
func (s *Store) ListTrackedNamespaces(tenant string) ([]TrackedNamespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok, err := s.rawGet(trackedNamespacesKey(tenant).String())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var tns trackedNamespaces
	if err := unmarshalTracked(raw, &tns); err != nil {
		return nil, err
	}

	out := make([]TrackedNamespace, 0, len(tns.Namespaces))
	for _, n := range tns.Namespaces {
		out = append(out, n)
	}
	return out, nil
}

// ListTenants returns every tenant that has a tracked-namespace record,
// i.e. every tenant that has ever written a namespaced key.
func (s *Store) ListTenants() ([]string, error) {
	keys, err := s.ListKeys(FlatPartial(CoreTenant, trackedNamespacesCollection))
	if err != nil {
		return nil, err
	}
	tenants := make([]string, 0, len(keys))
	for _, k := range keys {
		// key shape: __core__/tracked_namespaces/<tenant>
		const prefixLen = len(CoreTenant) + 1 + len(trackedNamespacesCollection) + 1
		if len(k) > prefixLen {
			tenants = append(tenants, k[prefixLen:])
		}
	}
	return tenants, nil
}
