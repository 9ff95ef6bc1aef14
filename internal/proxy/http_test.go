package proxy

import (
	"bufio"
	"strings"
	"testing"
)

func TestParseHostHeaderFindsHost(t *testing.T) {
	req := "GET /path HTTP/1.1\r\nHost: example.com:8080\r\nUser-Agent: test\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(req))

	host, ok := parseHostHeader(br)
	if !ok || host != "example.com" {
		t.Fatalf("got host=%q ok=%v", host, ok)
	}
}

func TestParseHostHeaderCaseInsensitiveNoPort(t *testing.T) {
	req := "GET / HTTP/1.1\r\nhost: example.org\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(req))

	host, ok := parseHostHeader(br)
	if !ok || host != "example.org" {
		t.Fatalf("got host=%q ok=%v", host, ok)
	}
}

func TestParseHostHeaderMissing(t *testing.T) {
	req := "GET / HTTP/1.1\r\nUser-Agent: test\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(req))

	if _, ok := parseHostHeader(br); ok {
		t.Fatal("expected no host header to be found")
	}
}

func TestParseHostHeaderDoesNotConsumeBuffer(t *testing.T) {
	req := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\nbody-bytes"
	br := bufio.NewReader(strings.NewReader(req))

	parseHostHeader(br)

	all, err := br.Peek(len(req))
	if err != nil {
		t.Fatalf("Peek after parseHostHeader: %v", err)
	}
	if string(all) != req {
		t.Fatalf("buffer was consumed: got %q", all)
	}
}
