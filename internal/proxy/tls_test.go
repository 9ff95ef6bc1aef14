package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSelfSignedPair(t *testing.T, dir, name, cn string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{cn},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(filepath.Join(dir, name+".crt"), certPEM, 0600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".key"), keyPEM, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
}

func TestCertResolverLoadsPerHostPair(t *testing.T) {
	dir := t.TempDir()
	writeSelfSignedPair(t, dir, "default", "default.local")
	writeSelfSignedPair(t, dir, "app.example.com", "app.example.com")

	r := newCertResolver(dir)
	cert, err := r.getCertificate(&tls.ClientHelloInfo{ServerName: "app.example.com"})
	if err != nil {
		t.Fatalf("getCertificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if leaf.Subject.CommonName != "app.example.com" {
		t.Fatalf("got CN %q, want app.example.com", leaf.Subject.CommonName)
	}
}

func TestCertResolverFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	writeSelfSignedPair(t, dir, "default", "default.local")

	r := newCertResolver(dir)
	cert, err := r.getCertificate(&tls.ClientHelloInfo{ServerName: "unknown.example.com"})
	if err != nil {
		t.Fatalf("getCertificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if leaf.Subject.CommonName != "default.local" {
		t.Fatalf("got CN %q, want default.local", leaf.Subject.CommonName)
	}
}

func TestCertResolverCachesAndInvalidates(t *testing.T) {
	dir := t.TempDir()
	writeSelfSignedPair(t, dir, "default", "default.local")
	writeSelfSignedPair(t, dir, "app.example.com", "v1")

	r := newCertResolver(dir)
	first, err := r.getCertificate(&tls.ClientHelloInfo{ServerName: "app.example.com"})
	if err != nil {
		t.Fatalf("getCertificate: %v", err)
	}

	// Rewrite the pair on disk; without invalidation the resolver keeps
	// serving the cached (now stale) certificate.
	writeSelfSignedPair(t, dir, "app.example.com", "v2")
	cached, err := r.getCertificate(&tls.ClientHelloInfo{ServerName: "app.example.com"})
	if err != nil {
		t.Fatalf("getCertificate: %v", err)
	}
	if cached != first {
		t.Fatal("expected cached certificate to be reused before invalidation")
	}

	r.invalidate("app.example.com")
	reloaded, err := r.getCertificate(&tls.ClientHelloInfo{ServerName: "app.example.com"})
	if err != nil {
		t.Fatalf("getCertificate after invalidate: %v", err)
	}
	leaf, err := x509.ParseCertificate(reloaded.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if leaf.Subject.CommonName != "v2" {
		t.Fatalf("got CN %q, want v2 after invalidation", leaf.Subject.CommonName)
	}
}
