package proxy

import "bufio"

// protocol is the result of peeking the first bytes of a freshly
// accepted connection (spec.md §4.8).
type protocol int

const (
	protoUnknown protocol = iota
	protoTLS
	protoHTTP
)

// sniffPeekBytes is long enough to cover a TLS record header (5 bytes)
// and the longest HTTP method keyword plus its trailing space
// ("OPTIONS " / "CONNECT ", 8 bytes).
const sniffPeekBytes = 8

var httpMethodPrefixes = []string{
	"GET ", "HEAD ", "POST ", "PUT ", "DELETE ", "OPTIONS ", "PATCH ", "CONNECT ", "TRACE ",
}

// sniffProtocol peeks the first bytes of br without consuming them and
// classifies the connection as TLS (a ClientHello record, 0x16 0x03),
// HTTP (a method keyword followed by a space), or Unknown.
func sniffProtocol(br *bufio.Reader) protocol {
	peek, _ := br.Peek(sniffPeekBytes)
	if len(peek) >= 2 && peek[0] == 0x16 && peek[1] == 0x03 {
		return protoTLS
	}
	for _, prefix := range httpMethodPrefixes {
		if len(peek) >= len(prefix) && string(peek[:len(prefix)]) == prefix {
			return protoHTTP
		}
	}
	return protoUnknown
}
