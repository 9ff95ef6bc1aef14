// Package proxy is the L7 proxy plane (spec.md §4.8): a declarative
// binding table keyed by binding name, a listener manager that keeps
// exactly one accept task per required (addr, port) key, and the
// protocol-sniffing connection handlers that route HTTP-Host and
// TLS-SNI traffic to backend machines through internal/agent's
// flash-lock-gated connections.
package proxy

import (
	"fmt"
	"sync"
)

// Target names the backend a binding forwards to: a machine in
// internal/agent's catalog and the guest port it listens on.
type Target struct {
	MachineName string
	Port        uint16
}

// InternalMode routes traffic arriving on the machine's internal
// service IP directly to the target, with no protocol sniffing.
type InternalMode struct {
	ServiceIP   string
	ServicePort int
}

// HTTPHostMode routes traffic on the shared external HTTP listener by
// matching the Host header against Host.
type HTTPHostMode struct {
	Host string
}

// TLSSNIMode routes traffic on the shared external HTTPS listener by
// matching the ClientHello's SNI against Host. NestedHTTP records
// whether the terminated plaintext stream is itself HTTP, a hint
// carried for observability; the proxy always splices it raw either
// way (spec.md §4.10.2).
type TLSSNIMode struct {
	Host       string
	NestedHTTP bool
}

// TCPMode routes traffic on a dedicated, dynamically allocated TCP
// port directly to the target, with no protocol sniffing.
type TCPMode struct {
	Port int
}

// BindingMode is a tagged union: exactly one field is non-nil. It
// mirrors the resource package's ServiceBind shape (resource.ServiceBind)
// rather than a Go interface, so the zero value is inspectable and
// bindings can be compared for equality by field.
type BindingMode struct {
	Internal *InternalMode
	HTTPHost *HTTPHostMode
	TLSSNI   *TLSSNIMode
	TCP      *TCPMode
}

// Binding is one entry of the binding table: a name, a target machine
// and port, and a routing mode. ServiceController computes these from
// resource.ServiceSpec (spec.md §4.10.2) and pushes them into a Table.
type Binding struct {
	Name   string
	Target Target
	Mode   BindingMode
}

func (b Binding) listenerKey(cfg Config) (ListenerKey, bool) {
	switch {
	case b.Mode.Internal != nil:
		return ListenerKey{Addr: b.Mode.Internal.ServiceIP, Port: b.Mode.Internal.ServicePort}, true
	case b.Mode.TCP != nil:
		return ListenerKey{Addr: cfg.ListenAddr, Port: b.Mode.TCP.Port}, true
	case b.Mode.HTTPHost != nil:
		return ListenerKey{Addr: cfg.ListenAddr, Port: cfg.HTTPPort}, true
	case b.Mode.TLSSNI != nil:
		return ListenerKey{Addr: cfg.ListenAddr, Port: cfg.HTTPSPort}, true
	default:
		return ListenerKey{}, false
	}
}

// dedicated reports whether this binding owns its listener outright
// (Internal and TCP modes each get their own address:port) as opposed
// to sharing the external HTTP/HTTPS listener with every other binding
// of the same mode.
func (b Binding) dedicated() bool {
	return b.Mode.Internal != nil || b.Mode.TCP != nil
}

// Table is the concurrent binding table. The zero value is not usable;
// construct with NewTable.
type Table struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

func NewTable() *Table {
	return &Table{bindings: make(map[string]Binding)}
}

// SetBinding inserts or replaces a binding by name. It returns the
// previous binding, if any, so callers can invalidate state (such as a
// cached TLS certificate) tied to the old routing key.
func (t *Table) SetBinding(b Binding) (prev Binding, hadPrev bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, hadPrev = t.bindings[b.Name]
	t.bindings[b.Name] = b
	return prev, hadPrev
}

// DeleteBinding removes a binding by name, returning it if present.
func (t *Table) DeleteBinding(name string) (prev Binding, hadPrev bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, hadPrev = t.bindings[name]
	delete(t.bindings, name)
	return prev, hadPrev
}

// Snapshot returns a point-in-time copy of every binding.
func (t *Table) Snapshot() []Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Binding, 0, len(t.bindings))
	for _, b := range t.bindings {
		out = append(out, b)
	}
	return out
}

// byHTTPHost finds an HTTPHost binding by Host header value.
func (t *Table) byHTTPHost(host string) (Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, b := range t.bindings {
		if b.Mode.HTTPHost != nil && b.Mode.HTTPHost.Host == host {
			return b, true
		}
	}
	return Binding{}, false
}

// byTLSSNI finds a TLSSNI binding by SNI server name.
func (t *Table) byTLSSNI(host string) (Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, b := range t.bindings {
		if b.Mode.TLSSNI != nil && b.Mode.TLSSNI.Host == host {
			return b, true
		}
	}
	return Binding{}, false
}

// byName looks up the live binding behind a dedicated listener at
// dispatch time, so a withdrawn binding is never served even if its
// listener hasn't finished tearing down yet.
func (t *Table) byName(name string) (Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.bindings[name]
	return b, ok
}

// ListenerKey identifies one accept loop by listen address and port.
type ListenerKey struct {
	Addr string
	Port int
}

func (k ListenerKey) String() string {
	return fmt.Sprintf("%s:%d", k.Addr, k.Port)
}
