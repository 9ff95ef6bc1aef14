package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// echoServer accepts one connection at a time and copies bytes back to
// the sender, standing in for a backend guest in these tests.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echoServer listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()
	return ln.Addr().String()
}

func dialEchoBackend(addr string) Backend {
	return BackendFunc(func(ctx context.Context, target Target, timeout time.Duration) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	})
}

func TestProxyEvaluateBindingsStartsAndStopsListeners(t *testing.T) {
	port := freePort(t)
	backendAddr := echoServer(t)

	p := New(Config{ListenAddr: "127.0.0.1"}, NewTable(), dialEchoBackend(backendAddr))
	defer p.Close()

	if err := p.SetBinding(Binding{Name: "tcp1", Mode: BindingMode{TCP: &TCPMode{Port: port}}}); err != nil {
		t.Fatalf("SetBinding: %v", err)
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		t.Fatalf("dial after SetBinding: %v", err)
	}
	conn.Close()

	if err := p.DeleteBinding("tcp1"); err != nil {
		t.Fatalf("DeleteBinding: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 50*time.Millisecond); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("listener still accepting connections after DeleteBinding")
}

func TestProxyTCPBindingSplicesToBackend(t *testing.T) {
	port := freePort(t)
	backendAddr := echoServer(t)

	p := New(Config{ListenAddr: "127.0.0.1"}, NewTable(), dialEchoBackend(backendAddr))
	defer p.Close()

	if err := p.SetBinding(Binding{Name: "tcp1", Mode: BindingMode{TCP: &TCPMode{Port: port}}}); err != nil {
		t.Fatalf("SetBinding: %v", err)
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want hello", buf)
	}
}

func TestProxyHTTPHostRouting(t *testing.T) {
	httpPort := freePort(t)

	backendLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	defer backendLn.Close()
	go http.Serve(backendLn, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("backend-ok"))
	}))

	backend := BackendFunc(func(ctx context.Context, target Target, timeout time.Duration) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", backendLn.Addr().String())
	})

	p := New(Config{ListenAddr: "127.0.0.1", HTTPPort: httpPort}, NewTable(), backend)
	defer p.Close()

	if err := p.SetBinding(Binding{
		Name:   "web",
		Target: Target{MachineName: "m1", Port: 80},
		Mode:   BindingMode{HTTPHost: &HTTPHostMode{Host: "app.example.com"}},
	}); err != nil {
		t.Fatalf("SetBinding: %v", err)
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(httpPort)), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := "GET / HTTP/1.1\r\nHost: app.example.com\r\nConnection: close\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "backend-ok" {
		t.Fatalf("got body %q, want backend-ok", body)
	}
}

func TestProxyNoHTTPListenerWithoutAnyHTTPHostBinding(t *testing.T) {
	httpPort := freePort(t)
	p := New(Config{ListenAddr: "127.0.0.1", HTTPPort: httpPort}, NewTable(), dialEchoBackend(echoServer(t)))
	defer p.Close()

	if err := p.EvaluateBindings(); err != nil {
		t.Fatalf("EvaluateBindings: %v", err)
	}
	// No bindings registered, so the HTTP listener never starts.
	if _, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(httpPort)), 200*time.Millisecond); err == nil {
		t.Fatal("expected no listener without any HTTPHost binding")
	}
}

func TestProxyUnmatchedHostClosesConnection(t *testing.T) {
	httpPort := freePort(t)
	p := New(Config{ListenAddr: "127.0.0.1", HTTPPort: httpPort}, NewTable(), dialEchoBackend(echoServer(t)))
	defer p.Close()

	if err := p.SetBinding(Binding{
		Name:   "web",
		Target: Target{MachineName: "m1", Port: 80},
		Mode:   BindingMode{HTTPHost: &HTTPHostMode{Host: "known.example.com"}},
	}); err != nil {
		t.Fatalf("SetBinding: %v", err)
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(httpPort)), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := "GET / HTTP/1.1\r\nHost: unknown.example.com\r\nConnection: close\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if n, err := conn.Read(buf); err == nil && n > 0 {
		t.Fatalf("expected connection to be closed for an unmatched host, got %d bytes", n)
	}
}
