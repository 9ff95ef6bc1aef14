package netpool

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"strconv"
	"strings"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

// IPRange is a parsed IPv4 CIDR block the pool hands out addresses from
// (ip_range.rs).
type IPRange struct {
	CIDR string
	net  uint32
	mask uint32
}

// ParseCIDR parses a dotted-quad/prefix-length CIDR string.
func ParseCIDR(cidr string) (IPRange, error) {
	parts := strings.Split(cidr, "/")
	if len(parts) != 2 {
		return IPRange{}, ignerr.New(ignerr.Validation, "invalid CIDR: %s", cidr)
	}

	octets := strings.Split(parts[0], ".")
	if len(octets) != 4 {
		return IPRange{}, ignerr.New(ignerr.Validation, "invalid CIDR: %s", cidr)
	}

	var net32 uint32
	for _, o := range octets {
		if len(o) > 3 {
			return IPRange{}, ignerr.New(ignerr.Validation, "invalid CIDR: %s", cidr)
		}
		v, err := strconv.ParseUint(o, 10, 8)
		if err != nil {
			return IPRange{}, ignerr.Wrap(ignerr.Validation, err, "invalid CIDR: %s", cidr)
		}
		net32 = (net32 << 8) | uint32(v)
	}

	prefix, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || prefix > 32 {
		return IPRange{}, ignerr.New(ignerr.Validation, "invalid CIDR: %s", cidr)
	}

	var mask uint32
	if prefix == 0 {
		mask = 0
	} else {
		mask = 0xffffffff << (32 - prefix)
	}

	return IPRange{CIDR: cidr, net: net32, mask: mask}, nil
}

func u32ToIP(v uint32) net.IP {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return net.IP(b)
}

// Random draws a uniformly distributed address from the range's host bits.
func (r IPRange) Random() net.IP {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	host := binary.BigEndian.Uint32(buf[:])
	ip := (r.net & r.mask) | (host &^ r.mask)
	return u32ToIP(ip)
}

// Gateway is conventionally the first host address in the range.
func (r IPRange) Gateway() net.IP {
	base := r.net & r.mask
	return u32ToIP((base &^ 0xff) | ((base & 0xff) + 1))
}

// Netmask renders the range's prefix mask in dotted-quad form.
func (r IPRange) Netmask() net.IP {
	return u32ToIP(r.mask)
}

// Contains reports whether ip falls within the range.
func (r IPRange) Contains(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	v := binary.BigEndian.Uint32(v4)
	return (v & r.mask) == (r.net & r.mask)
}
