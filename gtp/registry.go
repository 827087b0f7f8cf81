package gtp

import (
	"fmt"
	"sync"

	"github.com/go-kit/kit/log"
)

// tunnelKey identifies a GtpTunnel by its (local bind address, receive
// TEID) pair, the tunnel uniqueness invariant.
type tunnelKey struct {
	localAddr string
	rxTEID    uint32
}

// tunKey identifies a TunDevice by (name, network namespace); the pair
// is the dedup key for TUN device reuse.
type tunKey struct {
	name  string
	netns string
}

// Registry is the daemon's single source of truth for live GTP
// endpoints, TUN devices and tunnels. Its three maps are guarded by
// one RWMutex, mirroring the teacher's l2tp.Context
// (tunnelsByName/tunnelsByID behind a single tlock): every command the
// control server handles goes through this lock. The dataplane workers
// do not take it: their packet-forwarding lookups use the per-endpoint
// rx-TEID index and the per-TUN-device active-tunnel pointer, each
// behind its own lock, which the Registry updates while holding mu for
// writing.
type Registry struct {
	logger log.Logger
	dp     DataPlane

	mu         sync.RWMutex
	endpoints  map[string]*GtpEndpoint
	tunDevices map[tunKey]*TunDevice
	tunnels    map[tunnelKey]*GtpTunnel
}

// NewRegistry creates an empty Registry backed by dp.
func NewRegistry(logger log.Logger, dp DataPlane) *Registry {
	return &Registry{
		logger:     logger,
		dp:         dp,
		endpoints:  make(map[string]*GtpEndpoint),
		tunDevices: make(map[tunKey]*TunDevice),
		tunnels:    make(map[tunnelKey]*GtpTunnel),
	}
}

// TunnelParams carries the arguments needed to create a tunnel, as
// decoded from a create_tun command (see handleCreateTun in server.go).
type TunnelParams struct {
	LocalAddr  EndpointAddr
	RemoteAddr EndpointAddr
	TxTEID     uint32
	RxTEID     uint32
	TunName    string
	NetnsName  string
	UEAddr     EndpointAddr
}

// endpointFindOrCreateLocked returns the existing GtpEndpoint bound to
// addr, incrementing its refcount, or allocates a new one via the
// dataplane. Caller must hold mu for writing.
func (r *Registry) endpointFindOrCreateLocked(addr EndpointAddr) (*GtpEndpoint, error) {
	key := addr.key()
	if ep, ok := r.endpoints[key]; ok {
		ep.refs++
		return ep, nil
	}

	fd, err := r.dp.NewEndpointSocket(addr)
	if err != nil {
		return nil, fmt.Errorf("allocate endpoint %s: %w", addr, err)
	}

	ep := newGtpEndpoint(r.logger, addr, fd)
	ep.refs = 1
	r.endpoints[key] = ep
	ep.start()
	return ep, nil
}

// releaseEndpointLocked drops one reference to ep and tears it down
// once the refcount reaches zero. Caller must hold mu for writing.
func (r *Registry) releaseEndpointLocked(ep *GtpEndpoint) {
	ep.refs--
	if ep.refs > 0 {
		return
	}
	delete(r.endpoints, ep.addr.key())
	ep.close()
}

// tunFindOrCreateLocked returns the existing TunDevice for (name,
// netns), incrementing its refcount, or allocates a new one via the
// dataplane. Caller must hold mu for writing.
func (r *Registry) tunFindOrCreateLocked(name, netns string) (*TunDevice, error) {
	key := tunKey{name: name, netns: netns}
	if td, ok := r.tunDevices[key]; ok {
		td.refs++
		return td, nil
	}

	rwc, resolvedName, err := r.dp.NewTunDevice(name, netns)
	if err != nil {
		return nil, fmt.Errorf("allocate tun device %s/%s: %w", netns, name, err)
	}

	td := newTunDevice(r.logger, resolvedName, netns, rwc)
	td.refs = 1
	r.tunDevices[key] = td
	return td, nil
}

// releaseTunLocked drops one reference to td and tears it down once
// the refcount reaches zero. Caller must hold mu for writing.
func (r *Registry) releaseTunLocked(td *TunDevice) {
	td.refs--
	if td.refs > 0 {
		return
	}
	delete(r.tunDevices, tunKey{name: td.name, netns: td.netns})
	td.close()
}

// HasTunInNamespace reports whether any live TUN device currently
// exists in the named namespace, used by the start_program handler to
// reject a namespace that no live TUN device binds.
func (r *Registry) HasTunInNamespace(netns string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k := range r.tunDevices {
		if k.netns == netns {
			return true
		}
	}
	return false
}

// TunnelCreate allocates (or reuses) the endpoint and TUN device
// backing a new tunnel and registers it under (LocalAddr, RxTEID).
// It returns ErrAlreadyExists if a tunnel with that key is already
// registered.
func (r *Registry) TunnelCreate(p TunnelParams) (*GtpTunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := tunnelKey{localAddr: p.LocalAddr.key(), rxTEID: p.RxTEID}
	if _, exists := r.tunnels[key]; exists {
		return nil, ErrAlreadyExists
	}

	ep, err := r.endpointFindOrCreateLocked(p.LocalAddr)
	if err != nil {
		return nil, err
	}

	td, err := r.tunFindOrCreateLocked(p.TunName, p.NetnsName)
	if err != nil {
		r.releaseEndpointLocked(ep)
		return nil, err
	}

	t := newGtpTunnel(r.logger, p, ep, td)
	r.tunnels[key] = t
	ep.registerTunnel(p.RxTEID, t)

	t.start()
	return t, nil
}

// TunnelDestroy removes and tears down the tunnel keyed by (localAddr,
// rxTEID), releasing the endpoint and TUN device references it held.
// It returns ErrNotFound if no such tunnel is registered.
func (r *Registry) TunnelDestroy(localAddr EndpointAddr, rxTEID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := tunnelKey{localAddr: localAddr.key(), rxTEID: rxTEID}
	t, ok := r.tunnels[key]
	if !ok {
		return ErrNotFound
	}
	delete(r.tunnels, key)

	t.ep.unregisterTunnel(rxTEID)
	t.stop()

	r.releaseEndpointLocked(t.ep)
	r.releaseTunLocked(t.td)
	return nil
}

// TunnelFind returns the tunnel keyed by (localAddr, rxTEID), if any.
func (r *Registry) TunnelFind(localAddr EndpointAddr, rxTEID uint32) (*GtpTunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[tunnelKey{localAddr: localAddr.key(), rxTEID: rxTEID}]
	return t, ok
}

// ResetAll tears down every tunnel, endpoint and TUN device currently
// registered, returning the registry to its initial empty state. It
// backs the reset_all_state command.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, t := range r.tunnels {
		delete(r.tunnels, key)
		t.ep.unregisterTunnel(key.rxTEID)
		t.stop()
	}

	for _, ep := range r.endpoints {
		ep.close()
	}
	r.endpoints = make(map[string]*GtpEndpoint)

	for _, td := range r.tunDevices {
		td.close()
	}
	r.tunDevices = make(map[tunKey]*TunDevice)
}
