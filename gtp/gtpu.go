package gtp

import "encoding/binary"

// GTP1-U header constants (3GPP TS 29.060): no sequence number, no
// N-PDU number, no extension headers are generated or accepted by
// this daemon.
const (
	gtpHeaderLen = 8
	gtpFlags     = 0x30 // version=1, protocol-type=GTP, no optional fields
	gtpTypeTPDU  = 0xFF
)

type gtpHeader struct {
	flags  uint8
	mtype  uint8
	length uint16
	teid   uint32
}

// decodeGTPHeader parses the fixed 8-byte GTP1-U header from buf. The
// caller must check validFor before trusting length/teid.
func decodeGTPHeader(buf []byte) (gtpHeader, bool) {
	if len(buf) < gtpHeaderLen {
		return gtpHeader{}, false
	}
	return gtpHeader{
		flags:  buf[0],
		mtype:  buf[1],
		length: binary.BigEndian.Uint16(buf[2:4]),
		teid:   binary.BigEndian.Uint32(buf[4:8]),
	}, true
}

// validFor reports whether h is a well-formed T-PDU header for a
// datagram of the given received length.
func (h gtpHeader) validFor(received int) bool {
	if h.flags != gtpFlags {
		return false
	}
	if h.mtype != gtpTypeTPDU {
		return false
	}
	return int(h.length)+gtpHeaderLen <= received
}

// encodeGTPHeader writes an 8-byte GTP1-U T-PDU header into buf.
func encodeGTPHeader(buf []byte, length uint16, teid uint32) {
	buf[0] = gtpFlags
	buf[1] = gtpTypeTPDU
	binary.BigEndian.PutUint16(buf[2:4], length)
	binary.BigEndian.PutUint32(buf[4:8], teid)
}
