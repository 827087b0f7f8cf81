// Package rtlink is the thin OS adapter behind gtp.Registry's TUN
// device allocation: rtnetlink link-up/move-to-namespace operations,
// TUN device allocation, and network-namespace enter/restore.
package rtlink

import (
	"fmt"
	"sync"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"
)

const (
	iflaNetNsFd = 19 // IFLA_NET_NS_FD

	ifInfoMsgLen = 16 // family(1) + pad(1) + type(2) + index(4) + flags(4) + change(4)
)

type msgRequest struct {
	msg   netlink.Message
	flags netlink.HeaderFlags
}

type msgResponse struct {
	msgs []netlink.Message
	err  error
}

// Conn is a single rtnetlink (NETLINK_ROUTE) connection with one
// serialising worker goroutine, mirroring the teacher's
// internal/nll2tp.Conn req/response-channel shape so concurrent
// callers never interleave requests on the underlying socket.
//
// Unlike nll2tp.Conn, a Conn here is deliberately short-lived: it is
// dialled fresh for each namespace-scoped operation rather than held
// open for the process lifetime, because an rtnetlink socket is bound
// to whichever network namespace is current when it is created --
// see AllocTunInNamespace.
type Conn struct {
	c       *netlink.Conn
	reqChan chan *msgRequest
	rspChan chan *msgResponse
	wg      sync.WaitGroup
}

// Dial opens a new rtnetlink connection in the calling goroutine's
// current network namespace.
func Dial() (*Conn, error) {
	c, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return nil, err
	}

	conn := &Conn{
		c:       c,
		reqChan: make(chan *msgRequest),
		rspChan: make(chan *msgResponse),
	}
	conn.wg.Add(1)
	go runConn(conn, &conn.wg)

	return conn, nil
}

// Close releases the connection's resources.
func (c *Conn) Close() {
	close(c.reqChan)
	c.wg.Wait()
	c.c.Close()
}

func runConn(c *Conn, wg *sync.WaitGroup) {
	defer wg.Done()
	for req := range c.reqChan {
		msgs, err := c.c.Execute(req.msg, req.flags)
		c.rspChan <- &msgResponse{msgs: msgs, err: err}
	}
}

func (c *Conn) execute(msg netlink.Message, flags netlink.HeaderFlags) ([]netlink.Message, error) {
	c.reqChan <- &msgRequest{msg: msg, flags: flags}
	rsp, ok := <-c.rspChan
	if !ok {
		return nil, fmt.Errorf("rtnetlink connection closed")
	}
	return rsp.msgs, rsp.err
}

func ifInfoMsg(ifindex int) []byte {
	b := make([]byte, ifInfoMsgLen)
	b[0] = unix.AF_UNSPEC
	nlenc.PutUint32(b[4:8], uint32(ifindex))
	return b
}

// LinkSetUp brings the link identified by ifindex up (IFF_UP),
// following tunnelCreateAttr's attribute-building style.
func (c *Conn) LinkSetUp(ifindex int) error {
	body := ifInfoMsg(ifindex)
	nlenc.PutUint32(body[8:12], unix.IFF_UP)
	nlenc.PutUint32(body[12:16], unix.IFF_UP)

	req := netlink.Message{
		Header: netlink.Header{
			Type: unix.RTM_SETLINK,
		},
		Data: body,
	}

	_, err := c.execute(req, netlink.Request|netlink.Acknowledge)
	if err != nil {
		return fmt.Errorf("RTM_SETLINK (IFF_UP) ifindex %d: %w", ifindex, err)
	}
	return nil
}

// LinkSetNsFd moves the link identified by ifindex into the network
// namespace referenced by nsFd.
func (c *Conn) LinkSetNsFd(ifindex, nsFd int) error {
	body := ifInfoMsg(ifindex)

	attr, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: iflaNetNsFd, Data: nlenc.Uint32Bytes(uint32(nsFd))},
	})
	if err != nil {
		return err
	}
	body = append(body, attr...)

	req := netlink.Message{
		Header: netlink.Header{
			Type: unix.RTM_SETLINK,
		},
		Data: body,
	}

	_, err = c.execute(req, netlink.Request|netlink.Acknowledge)
	if err != nil {
		return fmt.Errorf("RTM_SETLINK (IFLA_NET_NS_FD) ifindex %d: %w", ifindex, err)
	}
	return nil
}
