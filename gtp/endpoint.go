package gtp

import (
	"sync"
	"sync/atomic"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sys/unix"
)

// maxPDUSize bounds the buffer used to receive GTP-U datagrams; it is
// comfortably above any realistic path MTU plus the 8-byte header.
const maxPDUSize = 9000

// GtpEndpoint is a UDP socket bound to a single local address, shared
// by every tunnel whose LocalAddr matches it: endpoints are refcounted
// and deduplicated by address. Its worker goroutine is the sole
// reader of the socket; it demultiplexes inbound GTP-U packets to
// tunnels by receive TEID.
type GtpEndpoint struct {
	logger log.Logger
	addr   EndpointAddr
	fd     int
	refs   int

	closing int32 // atomic; set before fd is closed intentionally

	mu       sync.RWMutex
	byRxTEID map[uint32]*GtpTunnel
	done     chan struct{}
}

func newGtpEndpoint(logger log.Logger, addr EndpointAddr, fd int) *GtpEndpoint {
	return &GtpEndpoint{
		logger:   log.With(logger, "endpoint", addr.String()),
		addr:     addr,
		fd:       fd,
		byRxTEID: make(map[uint32]*GtpTunnel),
		done:     make(chan struct{}),
	}
}

func (ep *GtpEndpoint) registerTunnel(rxTEID uint32, t *GtpTunnel) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.byRxTEID[rxTEID] = t
}

func (ep *GtpEndpoint) unregisterTunnel(rxTEID uint32) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	delete(ep.byRxTEID, rxTEID)
}

func (ep *GtpEndpoint) findTunnel(rxTEID uint32) (*GtpTunnel, bool) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	t, ok := ep.byRxTEID[rxTEID]
	return t, ok
}

// start launches the endpoint's receive worker. It is called once,
// when the endpoint is first allocated.
func (ep *GtpEndpoint) start() {
	go ep.recvLoop()
}

// close marks the endpoint as intentionally closing and releases its
// socket. The worker goroutine notices via the closing flag and exits
// quietly rather than treating the resulting read error as fatal.
func (ep *GtpEndpoint) close() {
	atomic.StoreInt32(&ep.closing, 1)
	// shutdown unblocks a recvfrom already in flight on another
	// goroutine; a bare close() does not interrupt it on Linux.
	unix.Shutdown(ep.fd, unix.SHUT_RDWR)
	unix.Close(ep.fd)
	<-ep.done
}

// recvLoop is the endpoint's downlink path: receive a GTP-U datagram,
// validate its header, find the tunnel it belongs to by receive TEID,
// and hand the payload to that tunnel's TUN device. Header validation
// failures and receive-TEID misses are logged at debug level and
// dropped: only a genuine socket-level I/O error is fatal.
func (ep *GtpEndpoint) recvLoop() {
	defer close(ep.done)

	buf := make([]byte, maxPDUSize)
	for {
		n, _, err := unix.Recvfrom(ep.fd, buf, 0)
		if err != nil {
			if atomic.LoadInt32(&ep.closing) == 1 {
				return
			}
			fatal(ep.logger, "endpoint receive failed", err)
			return
		}
		if n == 0 {
			continue
		}

		hdr, ok := decodeGTPHeader(buf[:n])
		if !ok || !hdr.validFor(n) {
			level.Debug(ep.logger).Log("msg", "dropping malformed datagram", "len", n)
			continue
		}

		t, ok := ep.findTunnel(hdr.teid)
		if !ok {
			level.Debug(ep.logger).Log("msg", "dropping datagram for unknown teid", "teid", hdr.teid)
			continue
		}

		payload := buf[gtpHeaderLen : gtpHeaderLen+int(hdr.length)]
		if err := t.td.writeDownlinkPayload(payload); err != nil {
			level.Debug(ep.logger).Log("msg", "tun write failed", "error", err)
			continue
		}
	}
}

// sendTo transmits an already-encapsulated GTP-U datagram to dst.
func (ep *GtpEndpoint) sendTo(buf []byte, dst EndpointAddr) error {
	sa, err := dst.sockaddr()
	if err != nil {
		return err
	}
	return unix.Sendto(ep.fd, buf, 0, sa)
}
