package gtp

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// TunDevice wraps a kernel TUN interface, shared by at most one
// active GtpTunnel at a time: a TUN device may be rebound across
// tunnel lifetimes, but only ever serves one at a time. Its worker
// goroutine reads L3 packets off the interface, encapsulates them in
// a GTP-U header using whichever tunnel is currently bound, and
// forwards them through that tunnel's endpoint.
type TunDevice struct {
	logger log.Logger
	name   string
	netns  string
	rwc    io.ReadWriteCloser
	refs   int

	closing int32 // atomic

	mu     sync.RWMutex
	tunnel *GtpTunnel

	done chan struct{}
}

func newTunDevice(logger log.Logger, name, netns string, rwc io.ReadWriteCloser) *TunDevice {
	td := &TunDevice{
		logger: log.With(logger, "tun", name, "netns", netns),
		name:   name,
		netns:  netns,
		rwc:    rwc,
		done:   make(chan struct{}),
	}
	go td.uplinkLoop()
	return td
}

func (td *TunDevice) setTunnel(t *GtpTunnel) {
	td.mu.Lock()
	defer td.mu.Unlock()
	td.tunnel = t
}

// clearTunnel unbinds t only if it is still the device's active
// tunnel, so a stale stop() from an already-replaced tunnel can't
// clobber its successor.
func (td *TunDevice) clearTunnel(t *GtpTunnel) {
	td.mu.Lock()
	defer td.mu.Unlock()
	if td.tunnel == t {
		td.tunnel = nil
	}
}

func (td *TunDevice) activeTunnel() (*GtpTunnel, bool) {
	td.mu.RLock()
	defer td.mu.RUnlock()
	if td.tunnel == nil {
		return nil, false
	}
	return td.tunnel, true
}

// close marks the device as intentionally closing and releases the
// underlying interface, then waits for the worker to exit.
func (td *TunDevice) close() {
	atomic.StoreInt32(&td.closing, 1)
	td.rwc.Close()
	<-td.done
}

// writeDownlinkPayload writes an already-decapsulated L3 packet
// arriving from the network into the TUN interface, for delivery to
// the UE.
func (td *TunDevice) writeDownlinkPayload(payload []byte) error {
	_, err := td.rwc.Write(payload)
	return err
}

// uplinkLoop is the TUN device's uplink path: read an L3 packet from
// the interface, look up the currently bound tunnel, and encapsulate
// and forward it through that tunnel's endpoint. Packets read while
// no tunnel is bound are dropped.
func (td *TunDevice) uplinkLoop() {
	defer close(td.done)

	buf := make([]byte, maxPDUSize)
	out := make([]byte, maxPDUSize)
	for {
		n, err := td.rwc.Read(buf)
		if err != nil {
			if atomic.LoadInt32(&td.closing) == 1 {
				return
			}
			if err == io.EOF {
				return
			}
			fatal(td.logger, "tun read failed", err)
			return
		}
		if n == 0 {
			continue
		}

		t, ok := td.activeTunnel()
		if !ok {
			level.Debug(td.logger).Log("msg", "dropping packet: no active tunnel")
			continue
		}

		if gtpHeaderLen+n > len(out) {
			level.Debug(td.logger).Log("msg", "dropping oversized packet", "len", n)
			continue
		}

		encodeGTPHeader(out, uint16(n), t.txTEID)
		copy(out[gtpHeaderLen:], buf[:n])

		if err := t.ep.sendTo(out[:gtpHeaderLen+n], t.remoteAddr); err != nil {
			level.Debug(td.logger).Log("msg", "endpoint send failed", "error", err)
			continue
		}
	}
}
