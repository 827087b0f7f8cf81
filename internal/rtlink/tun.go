package rtlink

import (
	"fmt"
	"io"
	"net"

	"github.com/songgao/water"
)

// allocTun allocates a kernel TUN device named name in whatever
// network namespace the calling OS thread currently sits in, brings
// it up via a freshly dialled rtnetlink connection, and returns it
// ready for L3 I/O along with the name the kernel actually assigned.
func allocTun(name string) (io.ReadWriteCloser, string, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name

	iface, err := water.New(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("allocate tun device %q: %w", name, err)
	}

	resolvedName := iface.Name()

	link, err := net.InterfaceByName(resolvedName)
	if err != nil {
		iface.Close()
		return nil, "", fmt.Errorf("lookup interface %q: %w", resolvedName, err)
	}

	nlConn, err := Dial()
	if err != nil {
		iface.Close()
		return nil, "", fmt.Errorf("dial rtnetlink: %w", err)
	}
	defer nlConn.Close()

	if err := nlConn.LinkSetUp(link.Index); err != nil {
		iface.Close()
		return nil, "", err
	}

	return iface, resolvedName, nil
}

// AllocTunInNamespace allocates a TUN device named name, optionally
// inside the named network namespace, and returns it ready for L3
// I/O along with the kernel-assigned name.
//
// A fresh rtlink.Conn is dialled inside allocTun for every call
// rather than reused across calls: rtnetlink sockets are bound to
// whichever network namespace is current at socket-creation time, so
// a single process-wide connection dialled once in the host namespace
// would silently operate on the host's link table even after the
// calling thread enters a tunnel's namespace. Dialling per-call, after
// EnterNamedNetns and before restore, keeps the socket and the link
// it operates on in the same namespace.
func AllocTunInNamespace(name, netnsName string) (io.ReadWriteCloser, string, error) {
	if netnsName == "" {
		return allocTun(name)
	}

	restore, err := EnterNamedNetns(netnsName)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		if rerr := restore(); rerr != nil {
			// Best-effort: the allocation result still stands, but the
			// calling thread may be left in the wrong namespace.
			_ = rerr
		}
	}()

	return allocTun(name)
}
