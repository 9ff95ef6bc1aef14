package store

import "strings"

// Key addresses a single value in the store. Its string form is
// "tenant/collection/name" or, when namespaced, "tenant/collection/namespace/name".
type Key struct {
	s         string
	tenant    string
	namespace string // "" when the key is not namespaced
}

func (k Key) String() string    { return k.s }
func (k Key) Tenant() string    { return k.tenant }
func (k Key) Namespace() string { return k.namespace }
func (k Key) IsNamespaced() bool { return k.namespace != "" }

// NamespacedKey builds a key of shape tenant/collection/namespace/name.
func NamespacedKey(tenant, collection, namespace, name string) Key {
	return Key{
		s:         strings.Join([]string{tenant, collection, namespace, name}, "/"),
		tenant:    tenant,
		namespace: namespace,
	}
}

// FlatKey builds a key of shape tenant/collection/name, with no namespace.
func FlatKey(tenant, collection, name string) Key {
	return Key{
		s:      strings.Join([]string{tenant, collection, name}, "/"),
		tenant: tenant,
	}
}

// PartialKey is a left-anchored prefix ending in "/", used only for
// enumeration via List/ListKeys — it never addresses a single value.
type PartialKey struct{ s string }

func (pk PartialKey) String() string { return pk.s }

// NamespacedPartial builds a prefix over tenant/collection[/namespace]/.
// Omit namespace to enumerate across all namespaces in the collection.
func NamespacedPartial(tenant, collection string, namespace ...string) PartialKey {
	parts := []string{tenant, collection}
	if len(namespace) > 0 && namespace[0] != "" {
		parts = append(parts, namespace[0])
	}
	return PartialKey{s: strings.Join(parts, "/") + "/"}
}

// FlatPartial builds a prefix over tenant/collection/.
func FlatPartial(tenant, collection string) PartialKey {
	return PartialKey{s: strings.Join([]string{tenant, collection}, "/") + "/"}
}
