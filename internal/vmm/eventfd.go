package vmm

import (
	"golang.org/x/sys/unix"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"
)

// newEventFd creates a non-blocking eventfd suitable for KVM_IRQFD
// registration, matching the teacher's EventFdTrigger::new(EFD_NONBLOCK).
func newEventFd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, ignerr.Wrap(ignerr.Kvm, err, "create eventfd")
	}
	return fd, nil
}

func writeEventFd(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}
