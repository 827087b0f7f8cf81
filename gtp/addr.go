package gtp

import (
	"encoding/hex"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// AddrFamily identifies the address family of an EndpointAddr, as
// carried on the wire by the PDU schema's addr_type field.
type AddrFamily string

const (
	AddrIPv4 AddrFamily = "IPV4"
	AddrIPv6 AddrFamily = "IPV6"
)

// EndpointAddr is a (family, address, port) tuple. It is used both
// for GTP endpoint bind/remote addresses and, with Port left zero,
// for a tunnel's UE address.
//
// Equality between two EndpointAddr values for registry dedup
// purposes is full comparison of family, address bytes and port --
// the same rule the teacher applies to unix.Sockaddr comparison.
type EndpointAddr struct {
	Family AddrFamily
	IP     net.IP
	Port   uint16
}

// key returns a canonical string usable as a map key for endpoint and
// tunnel dedup/lookup.
func (a EndpointAddr) key() string {
	return fmt.Sprintf("%s:%s:%d", a.Family, hex.EncodeToString(a.IP), a.Port)
}

func (a EndpointAddr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// sockaddr converts the address into the unix.Sockaddr representation
// needed for Bind/Sendto, following newUDPTunnelAddress's approach to
// building a unix.Sockaddr from a resolved IP.
func (a EndpointAddr) sockaddr() (unix.Sockaddr, error) {
	switch a.Family {
	case AddrIPv4:
		ip := a.IP.To4()
		if ip == nil {
			return nil, fmt.Errorf("address %v is not a valid IPv4 address", a.IP)
		}
		return &unix.SockaddrInet4{
			Port: int(a.Port),
			Addr: [4]byte{ip[0], ip[1], ip[2], ip[3]},
		}, nil
	case AddrIPv6:
		ip := a.IP.To16()
		if ip == nil {
			return nil, fmt.Errorf("address %v is not a valid IPv6 address", a.IP)
		}
		var b [16]byte
		copy(b[:], ip)
		return &unix.SockaddrInet6{
			Port: int(a.Port),
			Addr: b,
		}, nil
	default:
		return nil, fmt.Errorf("unrecognised address family %q", a.Family)
	}
}

func addrFamilyOf(addrType string) (AddrFamily, int, error) {
	switch addrType {
	case string(AddrIPv4):
		return AddrIPv4, 4, nil
	case string(AddrIPv6):
		return AddrIPv6, 16, nil
	default:
		return "", 0, fmt.Errorf("unrecognised addr_type %q", addrType)
	}
}
