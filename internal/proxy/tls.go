package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"path/filepath"
	"sync"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

// certResolver resolves a TLS certificate by SNI from disk-backed PEM
// pairs (<CertDir>/<host>.crt, <host>.key), falling back to
// <CertDir>/default.crt and default.key when no per-host pair exists
// (spec.md §4.8). Parsed certificates are cached and invalidated
// explicitly when a TLSSNI binding's host changes or is withdrawn.
type certResolver struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

func newCertResolver(dir string) *certResolver {
	return &certResolver{dir: dir, cache: make(map[string]*tls.Certificate)}
}

func (r *certResolver) invalidate(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, host)
}

func (r *certResolver) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName

	r.mu.RLock()
	if cert, ok := r.cache[host]; ok {
		r.mu.RUnlock()
		return cert, nil
	}
	r.mu.RUnlock()

	cert, err := r.load(host)
	if err != nil {
		cert, err = r.load("default")
		if err != nil {
			return nil, ignerr.Wrap(ignerr.NotFound, err, "no certificate for %q and no default pair in %s", host, r.dir)
		}
	}

	r.mu.Lock()
	r.cache[host] = cert
	r.mu.Unlock()
	return cert, nil
}

func (r *certResolver) load(host string) (*tls.Certificate, error) {
	certPath := filepath.Join(r.dir, host+".crt")
	keyPath := filepath.Join(r.dir, host+".key")
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// handleTLS implements the TLS path of spec.md §4.8: terminate the
// handshake using the dynamic cert resolver, match the negotiated SNI
// against a TLSSNI binding, and splice the plaintext bidirectionally.
func (p *Proxy) handleTLS(ctx context.Context, conn net.Conn) {
	tlsConn := tls.Server(conn, &tls.Config{GetCertificate: p.certs.getCertificate})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return
	}

	host := tlsConn.ConnectionState().ServerName
	b, ok := p.table.byTLSSNI(host)
	if !ok {
		return
	}

	p.dialAndSplice(ctx, tlsConn, b.Target)
}
