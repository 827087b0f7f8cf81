package gtp

import (
	"errors"
	"net"
	"testing"

	"github.com/go-kit/kit/log"
)

func testLogger() log.Logger {
	return log.NewNopLogger()
}

func testParams(rxTEID uint32) TunnelParams {
	local := EndpointAddr{Family: AddrIPv4, IP: net.IPv4(127, 0, 0, 1).To4(), Port: 2152}
	remote := EndpointAddr{Family: AddrIPv4, IP: net.IPv4(127, 0, 0, 2).To4(), Port: 2152}
	ue := EndpointAddr{Family: AddrIPv4, IP: net.IPv4(10, 0, 0, 1).To4()}
	return TunnelParams{
		LocalAddr:  local,
		RemoteAddr: remote,
		TxTEID:     1,
		RxTEID:     rxTEID,
		TunName:    "tun0",
		UEAddr:     ue,
	}
}

func TestTunnelCreateDestroyRoundTrip(t *testing.T) {
	r := NewRegistry(testLogger(), NewNullDataPlane())
	params := testParams(2)

	tun, err := r.TunnelCreate(params)
	if err != nil {
		t.Fatalf("TunnelCreate: %v", err)
	}
	if tun == nil {
		t.Fatal("TunnelCreate returned nil tunnel with no error")
	}

	if _, ok := r.TunnelFind(params.LocalAddr, params.RxTEID); !ok {
		t.Fatal("TunnelFind did not find freshly created tunnel")
	}

	if err := r.TunnelDestroy(params.LocalAddr, params.RxTEID); err != nil {
		t.Fatalf("TunnelDestroy: %v", err)
	}

	if _, ok := r.TunnelFind(params.LocalAddr, params.RxTEID); ok {
		t.Fatal("TunnelFind found a tunnel after it was destroyed")
	}

	// Registry must return to a state indistinguishable from empty.
	if len(r.endpoints) != 0 || len(r.tunDevices) != 0 || len(r.tunnels) != 0 {
		t.Fatalf("registry not empty after round trip: endpoints=%d tunDevices=%d tunnels=%d",
			len(r.endpoints), len(r.tunDevices), len(r.tunnels))
	}
}

func TestTunnelCreateDuplicateFails(t *testing.T) {
	r := NewRegistry(testLogger(), NewNullDataPlane())
	params := testParams(2)

	if _, err := r.TunnelCreate(params); err != nil {
		t.Fatalf("first TunnelCreate: %v", err)
	}

	_, err := r.TunnelCreate(params)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second TunnelCreate error = %v, want ErrAlreadyExists", err)
	}
}

func TestTunnelDestroyNotFound(t *testing.T) {
	r := NewRegistry(testLogger(), NewNullDataPlane())
	local := EndpointAddr{Family: AddrIPv4, IP: net.IPv4(127, 0, 0, 1).To4(), Port: 2152}

	err := r.TunnelDestroy(local, 99)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("TunnelDestroy on unknown tunnel error = %v, want ErrNotFound", err)
	}
}

func TestEndpointRefcountSharedAcrossTunnels(t *testing.T) {
	r := NewRegistry(testLogger(), NewNullDataPlane())

	p1 := testParams(2)
	p2 := testParams(3) // same local endpoint, same tun device, different rx_teid

	if _, err := r.TunnelCreate(p1); err != nil {
		t.Fatalf("TunnelCreate p1: %v", err)
	}
	if _, err := r.TunnelCreate(p2); err != nil {
		t.Fatalf("TunnelCreate p2: %v", err)
	}

	if len(r.endpoints) != 1 {
		t.Fatalf("expected one shared endpoint, got %d", len(r.endpoints))
	}
	ep := r.endpoints[p1.LocalAddr.key()]
	if ep.refs != 2 {
		t.Fatalf("endpoint refcount = %d, want 2", ep.refs)
	}

	if err := r.TunnelDestroy(p1.LocalAddr, p1.RxTEID); err != nil {
		t.Fatalf("TunnelDestroy p1: %v", err)
	}
	if ep.refs != 1 {
		t.Fatalf("endpoint refcount after one destroy = %d, want 1", ep.refs)
	}
	if len(r.endpoints) != 1 {
		t.Fatalf("endpoint should survive while second tunnel holds a reference")
	}

	if err := r.TunnelDestroy(p2.LocalAddr, p2.RxTEID); err != nil {
		t.Fatalf("TunnelDestroy p2: %v", err)
	}
	if len(r.endpoints) != 0 {
		t.Fatalf("endpoint should be released once refcount reaches zero, got %d left", len(r.endpoints))
	}
}

func TestResetAllEmptiesRegistry(t *testing.T) {
	r := NewRegistry(testLogger(), NewNullDataPlane())

	for rxTEID := uint32(1); rxTEID <= 3; rxTEID++ {
		if _, err := r.TunnelCreate(testParams(rxTEID)); err != nil {
			t.Fatalf("TunnelCreate(%d): %v", rxTEID, err)
		}
	}

	r.ResetAll()

	if len(r.endpoints) != 0 || len(r.tunDevices) != 0 || len(r.tunnels) != 0 {
		t.Fatalf("registry not empty after ResetAll: endpoints=%d tunDevices=%d tunnels=%d",
			len(r.endpoints), len(r.tunDevices), len(r.tunnels))
	}
}
