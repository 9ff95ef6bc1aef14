package netpool

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/lttle-cloud/ignitiond/internal/idgen"
	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

// tapDevicePrefix names every tap this host creates so device listing can
// tell ours apart from unrelated interfaces (net.rs NET_DEVICE_PREFIX).
const tapDevicePrefix = "tap_lt_"

// siocbraddif is missing from some x/sys/unix builds' named constants on
// non-linux GOOS, so it's pinned here directly (net.rs SIOCBRADDIF).
const siocbraddif = 0x89a2

// TapDevice is a host tap interface bridged into the data plane, handed to
// the vmm layer as a virtio-net backend.
type TapDevice struct {
	Name string
}

func deviceExists(name string) bool {
	_, err := net.InterfaceByName(name)
	return err == nil
}

func deviceIndex(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, ignerr.Wrap(ignerr.NotFound, err, "device %s not found", name)
	}
	return iface.Index, nil
}

func deviceList(prefix string) ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, ignerr.Wrap(ignerr.Os, err, "list network interfaces")
	}
	var names []string
	for _, iface := range ifaces {
		if len(iface.Name) >= len(prefix) && iface.Name[:len(prefix)] == prefix {
			names = append(names, iface.Name)
		}
	}
	return names, nil
}

func deviceDelete(name string) error {
	if !deviceExists(name) {
		return ignerr.New(ignerr.NotFound, "device %s not found", name)
	}

	// Destroying a persistent tap is done by reattaching to it and clearing
	// TUNSETPERSIST, not via netlink link deletion.
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return ignerr.Wrap(ignerr.Os, err, "open /dev/net/tun")
	}
	defer f.Close()

	tunReq, err := unix.NewIfreq(name)
	if err != nil {
		return ignerr.Wrap(ignerr.Validation, err, "interface name")
	}
	tunReq.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(int(f.Fd()), unix.TUNSETIFF, tunReq); err != nil {
		return ignerr.Wrap(ignerr.Os, err, "reattach tap for teardown")
	}
	if err := unix.IoctlSetInt(int(f.Fd()), unix.TUNSETPERSIST, 0); err != nil {
		return ignerr.Wrap(ignerr.Os, err, "clear tap persist flag")
	}

	return nil
}

// tapCreate opens /dev/net/tun, claims a persistent tap under the given
// name, brings it up and enslaves it to bridgeName (net.rs device_create,
// ported from raw libc ioctls to golang.org/x/sys/unix).
func tapCreate(name, bridgeName string) error {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return ignerr.Wrap(ignerr.Os, err, "open /dev/net/tun")
	}
	defer f.Close()

	req, err := unix.NewIfreq(name)
	if err != nil {
		return ignerr.Wrap(ignerr.Validation, err, "interface name")
	}
	req.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(int(f.Fd()), unix.TUNSETIFF, req); err != nil {
		return ignerr.Wrap(ignerr.Os, err, "set tap interface name")
	}
	if err := unix.IoctlSetInt(int(f.Fd()), unix.TUNSETPERSIST, 1); err != nil {
		return ignerr.Wrap(ignerr.Os, err, "set tap persist flag")
	}

	ctrl, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return ignerr.Wrap(ignerr.Os, err, "open control socket")
	}
	defer unix.Close(ctrl)

	upReq, err := unix.NewIfreq(name)
	if err != nil {
		return ignerr.Wrap(ignerr.Validation, err, "interface name")
	}
	upReq.SetUint16(unix.IFF_UP)
	if err := unix.IoctlIfreq(ctrl, unix.SIOCSIFFLAGS, upReq); err != nil {
		return ignerr.Wrap(ignerr.Os, err, "bring tap up")
	}

	index, err := deviceIndex(name)
	if err != nil {
		return ignerr.Wrap(ignerr.Os, err, "resolve index for %s after creation", name)
	}

	brReq, err := unix.NewIfreq(bridgeName)
	if err != nil {
		return ignerr.Wrap(ignerr.Validation, err, "bridge name")
	}
	brReq.SetUint32(uint32(index))
	if err := unix.IoctlIfreq(ctrl, siocbraddif, brReq); err != nil {
		return ignerr.Wrap(ignerr.Os, err, "attach %s to bridge %s", name, bridgeName)
	}

	return nil
}

// TapCreate allocates a fresh tap name under the pool's prefix, retrying on
// collision, and enslaves it to bridgeName.
func (p *Pool) TapCreate() (TapDevice, error) {
	name := tapDevicePrefix + idgen.Short()
	for deviceExists(name) {
		name = tapDevicePrefix + idgen.Short()
	}

	if err := tapCreate(name, p.config.BridgeName); err != nil {
		return TapDevice{}, err
	}

	return TapDevice{Name: name}, nil
}

// Tap attaches to an existing device by name, creating it first if it does
// not yet exist — used when a Machine is being recreated against a
// previously-assigned tap name.
func (p *Pool) Tap(name string) (TapDevice, error) {
	if !deviceExists(name) {
		if err := tapCreate(name, p.config.BridgeName); err != nil {
			return TapDevice{}, err
		}
	}
	return TapDevice{Name: name}, nil
}

// TapList returns every tap this host owns, as distinguished by prefix.
func (p *Pool) TapList() ([]TapDevice, error) {
	names, err := deviceList(tapDevicePrefix)
	if err != nil {
		return nil, err
	}
	devices := make([]TapDevice, 0, len(names))
	for _, n := range names {
		devices = append(devices, TapDevice{Name: n})
	}
	return devices, nil
}

// TapDelete tears down a tap device, idempotently.
func (p *Pool) TapDelete(d TapDevice) error {
	if !deviceExists(d.Name) {
		return nil
	}
	return deviceDelete(d.Name)
}

// BridgeExists reports whether the pool's configured bridge is present,
// checked once at pool construction time (net.rs NetAgent::new).
func BridgeExists(name string) bool {
	return deviceExists(name)
}
