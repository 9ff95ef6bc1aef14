package proxy

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

// Backend dials a backend target and returns a flash-lock-gated stream
// (spec.md §4.8's get_connection). internal/agent.Manager satisfies
// this through the AgentBackend adapter; tests use a plain func.
type Backend interface {
	Dial(ctx context.Context, target Target, inactivityTimeout time.Duration) (io.ReadWriteCloser, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, target Target, inactivityTimeout time.Duration) (io.ReadWriteCloser, error)

func (f BackendFunc) Dial(ctx context.Context, target Target, inactivityTimeout time.Duration) (io.ReadWriteCloser, error) {
	return f(ctx, target, inactivityTimeout)
}

// Config holds the proxy plane's listen surface.
type Config struct {
	// ListenAddr is the external address TCP, HTTP and HTTPS listeners
	// bind to (Internal bindings listen on their own service IP
	// instead, per spec.md §4.10.2).
	ListenAddr string

	// HTTPPort and HTTPSPort are the shared external ports for
	// HTTPHost and TLSSNI bindings respectively.
	HTTPPort  int
	HTTPSPort int

	// CertDir holds per-host PEM pairs (<host>.crt / <host>.key) plus
	// a default.crt/default.key fallback pair, read by the TLS cert
	// resolver.
	CertDir string

	// InactivityTimeout is passed to every Backend.Dial call; zero
	// disables the idle-close timer.
	InactivityTimeout time.Duration
}

// Proxy owns the binding table and the listener tasks evaluate_bindings
// keeps in sync with it (spec.md §4.8).
type Proxy struct {
	cfg     Config
	table   *Table
	backend Backend
	certs   *certResolver

	mu        sync.Mutex
	listeners map[ListenerKey]*activeListener
}

type listenerKind int

const (
	listenerDedicated listenerKind = iota // Internal or TCP: one binding, raw splice
	listenerHTTP                          // shared external HTTP: Host-header routing
	listenerTLS                           // shared external HTTPS: SNI routing
)

type activeListener struct {
	key    ListenerKey
	kind   listenerKind
	ln     net.Listener
	cancel context.CancelFunc
	// bindingName is set only for dedicated listeners, so the accept
	// loop can re-resolve the live binding (not a stale copy) on every
	// connection.
	bindingName string
}

func New(cfg Config, table *Table, backend Backend) *Proxy {
	return &Proxy{
		cfg:       cfg,
		table:     table,
		backend:   backend,
		certs:     newCertResolver(cfg.CertDir),
		listeners: make(map[ListenerKey]*activeListener),
	}
}

// Table returns the binding table so callers (ServiceController) can
// push and withdraw bindings, then call EvaluateBindings.
func (p *Proxy) Table() *Table { return p.table }

// SetBinding pushes a binding into the table, invalidates any cached
// TLS certificate the previous binding under this name held (its host
// may have changed), and reconciles listeners.
func (p *Proxy) SetBinding(b Binding) error {
	prev, hadPrev := p.table.SetBinding(b)
	if hadPrev && prev.Mode.TLSSNI != nil {
		if b.Mode.TLSSNI == nil || b.Mode.TLSSNI.Host != prev.Mode.TLSSNI.Host {
			p.certs.invalidate(prev.Mode.TLSSNI.Host)
		}
	}
	return p.EvaluateBindings()
}

// DeleteBinding withdraws a binding by name and reconciles listeners.
func (p *Proxy) DeleteBinding(name string) error {
	prev, hadPrev := p.table.DeleteBinding(name)
	if hadPrev && prev.Mode.TLSSNI != nil {
		p.certs.invalidate(prev.Mode.TLSSNI.Host)
	}
	return p.EvaluateBindings()
}

// InvalidateCert drops a cached TLS certificate, used after a TLSSNI
// binding's host changes or is withdrawn.
func (p *Proxy) InvalidateCert(host string) { p.certs.invalidate(host) }

// Close tears down every running listener.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, l := range p.listeners {
		l.cancel()
		l.ln.Close()
		delete(p.listeners, key)
	}
	return nil
}

// EvaluateBindings computes the set of listener keys the current
// binding table requires, stops listeners no longer needed, and starts
// listeners for newly required keys (spec.md §4.8). It is safe to call
// repeatedly; only the diff against the previous call does any work.
func (p *Proxy) EvaluateBindings() error {
	bindings := p.table.Snapshot()

	required := make(map[ListenerKey]listenerKind)
	dedicatedOwner := make(map[ListenerKey]string)
	for _, b := range bindings {
		key, ok := b.listenerKey(p.cfg)
		if !ok {
			continue
		}
		if b.dedicated() {
			required[key] = listenerDedicated
			dedicatedOwner[key] = b.Name
			continue
		}
		if b.Mode.HTTPHost != nil {
			required[key] = listenerHTTP
		} else {
			required[key] = listenerTLS
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, l := range p.listeners {
		if _, ok := required[key]; !ok {
			l.cancel()
			l.ln.Close()
			delete(p.listeners, key)
			log.Printf("proxy: stopped listener %s", key)
		}
	}

	for key, kind := range required {
		if _, ok := p.listeners[key]; ok {
			continue
		}
		ln, err := net.Listen("tcp", key.String())
		if err != nil {
			return ignerr.Wrap(ignerr.Os, err, "listen on %s", key)
		}
		ctx, cancel := context.WithCancel(context.Background())
		al := &activeListener{key: key, kind: kind, ln: ln, cancel: cancel, bindingName: dedicatedOwner[key]}
		p.listeners[key] = al
		go p.acceptLoop(ctx, al)
		log.Printf("proxy: started %s listener on %s", kindName(kind), key)
	}

	return nil
}

func kindName(k listenerKind) string {
	switch k {
	case listenerHTTP:
		return "http"
	case listenerTLS:
		return "tls"
	default:
		return "tcp"
	}
}

func (p *Proxy) acceptLoop(ctx context.Context, l *activeListener) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				return
			}
		}
		go p.handleConn(ctx, conn, l)
	}
}

func (p *Proxy) handleConn(ctx context.Context, conn net.Conn, l *activeListener) {
	defer conn.Close()

	switch l.kind {
	case listenerDedicated:
		p.handleDedicated(ctx, conn, l)
	case listenerHTTP:
		p.handleHTTP(ctx, conn)
	case listenerTLS:
		p.handleTLS(ctx, conn)
	}
}

// handleDedicated serves Internal and TCP bindings: a single fixed
// target, no sniffing, raw bidirectional splice.
func (p *Proxy) handleDedicated(ctx context.Context, conn net.Conn, l *activeListener) {
	b, ok := p.table.byName(l.bindingName)
	if !ok {
		return
	}
	p.dialAndSplice(ctx, conn, b.Target)
}

func (p *Proxy) dialAndSplice(ctx context.Context, conn net.Conn, target Target) {
	backend, err := p.backend.Dial(ctx, target, p.cfg.InactivityTimeout)
	if err != nil {
		log.Printf("proxy: dial %s:%d: %v", target.MachineName, target.Port, err)
		return
	}
	defer backend.Close()
	splice(conn, backend)
}

// splice copies bytes bidirectionally between a client and a backend
// stream until either side closes.
func splice(client net.Conn, backend io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(backend, client)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, backend)
		done <- struct{}{}
	}()
	<-done
}
