package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
)

// maxHeaderPeek bounds how much of the request we buffer while looking
// for the Host header, generous enough for any real request line plus
// headers without risking unbounded memory on a hostile client.
const maxHeaderPeek = 8192

// parseHostHeader scans the buffered request prefix for a Host header
// without consuming br, per spec.md §4.8 ("parse the Host header from
// the buffered request prefix"). It does not attempt a full HTTP parse:
// a malformed request simply fails to match any binding and the
// connection is closed.
func parseHostHeader(br *bufio.Reader) (string, bool) {
	peek, _ := br.Peek(maxHeaderPeek)
	headerEnd := bytes.Index(peek, []byte("\r\n\r\n"))
	if headerEnd >= 0 {
		peek = peek[:headerEnd]
	}
	for _, line := range strings.Split(string(peek), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "host") {
			continue
		}
		host := strings.TrimSpace(value)
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		return host, host != ""
	}
	return "", false
}

// handleHTTP implements the HTTP path of spec.md §4.8: match the Host
// header against an HTTPHost binding, dial its backend, and splice.
// io.Copy(backend, br) drains whatever parseHostHeader already peeked
// before it reads any further bytes off the underlying connection, so
// the buffered request prefix reaches the backend exactly once.
func (p *Proxy) handleHTTP(ctx context.Context, conn net.Conn) {
	br := bufio.NewReader(conn)
	if sniffProtocol(br) != protoHTTP {
		return
	}
	host, ok := parseHostHeader(br)
	if !ok {
		return
	}
	b, ok := p.table.byHTTPHost(host)
	if !ok {
		return
	}

	backend, err := p.backend.Dial(ctx, b.Target, p.cfg.InactivityTimeout)
	if err != nil {
		return
	}
	defer backend.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(backend, br)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, backend)
		done <- struct{}{}
	}()
	<-done
}
