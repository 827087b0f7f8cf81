package gtp

import (
	"github.com/go-kit/kit/log"
)

// GtpTunnel is a single GTP-U tunnel: a binding between a local/remote
// endpoint pair, a pair of TEIDs, and the TUN device that carries the
// tunnel's payload on the local side. It holds no goroutine of its
// own -- forwarding happens on its GtpEndpoint's and TunDevice's
// worker goroutines, which look the tunnel up by TEID or by the
// TUN device's single active-tunnel pointer.
type GtpTunnel struct {
	logger log.Logger

	localAddr  EndpointAddr
	remoteAddr EndpointAddr
	ueAddr     EndpointAddr
	txTEID     uint32
	rxTEID     uint32

	ep *GtpEndpoint
	td *TunDevice
}

func newGtpTunnel(logger log.Logger, p TunnelParams, ep *GtpEndpoint, td *TunDevice) *GtpTunnel {
	return &GtpTunnel{
		logger:     logger,
		localAddr:  p.LocalAddr,
		remoteAddr: p.RemoteAddr,
		ueAddr:     p.UEAddr,
		txTEID:     p.TxTEID,
		rxTEID:     p.RxTEID,
		ep:         ep,
		td:         td,
	}
}

// start makes the tunnel the TUN device's active tunnel so uplink
// traffic read off the device can be encapsulated and forwarded.
func (t *GtpTunnel) start() {
	t.td.setTunnel(t)
}

// stop clears the tunnel from its TUN device if it is still the
// active one; TunnelDestroy has already removed it from the
// registry's lookup maps by the time this runs.
func (t *GtpTunnel) stop() {
	t.td.clearTunnel(t)
}
