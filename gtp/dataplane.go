package gtp

import "io"

// DataPlane abstracts the OS-level resources a Registry allocates:
// UDP sockets for GtpEndpoint instances and TUN devices for TunDevice
// instances. It mirrors the shape of the teacher's l2tp.DataPlane
// interface (NewTunnel/NewSession/Close), narrowed to this daemon's
// two entity kinds.
type DataPlane interface {
	// NewEndpointSocket opens and binds a UDP socket at addr, returning
	// its raw file descriptor.
	NewEndpointSocket(addr EndpointAddr) (fd int, err error)

	// NewTunDevice allocates a kernel TUN device named name, optionally
	// inside the named network namespace, and returns it ready for L3
	// I/O along with the name the kernel actually assigned.
	NewTunDevice(name, netnsName string) (rwc io.ReadWriteCloser, resolvedName string, err error)

	// Close releases any resources held by the dataplane itself (as
	// opposed to per-entity resources, which are released by the
	// Registry as tunnels are destroyed).
	Close()
}
