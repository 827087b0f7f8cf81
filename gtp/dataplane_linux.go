package gtp

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/katalix/gtpud/internal/rtlink"
)

// linuxDataPlane is the real OS-backed DataPlane: raw UDP sockets for
// GTP endpoints, and internal/rtlink (songgao/water + rtnetlink +
// vishvananda/netns) for TUN devices.
type linuxDataPlane struct{}

// NewLinuxDataPlane constructs the real Linux dataplane. Unlike the
// teacher's LinuxNetlinkDataPlane, which holds a single long-lived
// genetlink connection, this dataplane dials rtnetlink afresh for
// each TUN allocation -- see internal/rtlink for why a process-wide
// connection would be wrong once network namespaces are involved.
func NewLinuxDataPlane() DataPlane {
	return &linuxDataPlane{}
}

func (dp *linuxDataPlane) NewEndpointSocket(addr EndpointAddr) (int, error) {
	domain := unix.AF_INET
	if addr.Family == AddrIPv6 {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	sa, err := addr.sockaddr()
	if err != nil {
		unix.Close(fd)
		return -1, err
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}

	return fd, nil
}

func (dp *linuxDataPlane) NewTunDevice(name, netnsName string) (io.ReadWriteCloser, string, error) {
	return rtlink.AllocTunInNamespace(name, netnsName)
}

func (dp *linuxDataPlane) Close() {}
