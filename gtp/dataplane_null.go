package gtp

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// nullDataPlane fabricates valid, closable file descriptors and
// in-memory devices instead of opening real UDP sockets and TUN
// interfaces, so the control protocol can be exercised without root
// permissions -- directly the role the teacher's nil-dataplane mode
// plays for l2tp.NewContext ("useful for experimenting with the
// control protocol without requiring root permissions").
type nullDataPlane struct{}

// NewNullDataPlane constructs a DataPlane suitable for tests and the
// -null-dataplane diagnostic flag.
func NewNullDataPlane() DataPlane {
	return &nullDataPlane{}
}

func (dp *nullDataPlane) NewEndpointSocket(addr EndpointAddr) (int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socketpair: %w", err)
	}
	unix.Close(fds[1])
	return fds[0], nil
}

func (dp *nullDataPlane) NewTunDevice(name, netnsName string) (io.ReadWriteCloser, string, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, "", fmt.Errorf("socketpair: %w", err)
	}
	unix.Close(fds[1])
	return &fdReadWriteCloser{fd: fds[0]}, name, nil
}

func (dp *nullDataPlane) Close() {}

// fdReadWriteCloser adapts a raw fd to io.ReadWriteCloser for the
// null dataplane's fabricated TUN device.
type fdReadWriteCloser struct {
	fd int
}

func (f *fdReadWriteCloser) Read(p []byte) (int, error) {
	n, err := unix.Read(f.fd, p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *fdReadWriteCloser) Write(p []byte) (int, error) {
	return unix.Write(f.fd, p)
}

func (f *fdReadWriteCloser) Close() error {
	// shutdown unblocks a Read already in flight on another goroutine;
	// a bare close() does not interrupt it on Linux.
	unix.Shutdown(f.fd, unix.SHUT_RDWR)
	return unix.Close(f.fd)
}
