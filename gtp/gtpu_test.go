package gtp

import "testing"

func TestDecodeGTPHeader(t *testing.T) {
	cases := []struct {
		name    string
		buf     []byte
		wantOK  bool
		wantHdr gtpHeader
	}{
		{
			name:   "too short",
			buf:    []byte{0x30, 0xFF, 0x00},
			wantOK: false,
		},
		{
			name:   "well formed",
			buf:    []byte{0x30, 0xFF, 0x00, 0x04, 0x00, 0x00, 0x00, 0x02, 'p', 'i', 'n', 'g'},
			wantOK: true,
			wantHdr: gtpHeader{
				flags:  0x30,
				mtype:  0xFF,
				length: 4,
				teid:   2,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hdr, ok := decodeGTPHeader(tc.buf)
			if ok != tc.wantOK {
				t.Fatalf("decodeGTPHeader(%v) ok = %v, want %v", tc.buf, ok, tc.wantOK)
			}
			if ok && hdr != tc.wantHdr {
				t.Fatalf("decodeGTPHeader(%v) = %+v, want %+v", tc.buf, hdr, tc.wantHdr)
			}
		})
	}
}

func TestGTPHeaderValidFor(t *testing.T) {
	cases := []struct {
		name     string
		hdr      gtpHeader
		received int
		want     bool
	}{
		{
			name:     "valid",
			hdr:      gtpHeader{flags: gtpFlags, mtype: gtpTypeTPDU, length: 4},
			received: 12,
			want:     true,
		},
		{
			name:     "wrong flags",
			hdr:      gtpHeader{flags: 0x00, mtype: gtpTypeTPDU, length: 4},
			received: 12,
			want:     false,
		},
		{
			name:     "wrong type",
			hdr:      gtpHeader{flags: gtpFlags, mtype: 0x00, length: 4},
			received: 12,
			want:     false,
		},
		{
			name:     "length exceeds received",
			hdr:      gtpHeader{flags: gtpFlags, mtype: gtpTypeTPDU, length: 100},
			received: 12,
			want:     false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.hdr.validFor(tc.received); got != tc.want {
				t.Errorf("validFor(%d) = %v, want %v", tc.received, got, tc.want)
			}
		})
	}
}

func TestEncodeDecodeGTPHeaderRoundTrip(t *testing.T) {
	payload := []byte("hello, gtp-u")
	buf := make([]byte, gtpHeaderLen+len(payload))
	encodeGTPHeader(buf, uint16(len(payload)), 0xdeadbeef)
	copy(buf[gtpHeaderLen:], payload)

	hdr, ok := decodeGTPHeader(buf)
	if !ok {
		t.Fatal("decodeGTPHeader failed on freshly encoded header")
	}
	if !hdr.validFor(len(buf)) {
		t.Fatalf("encoded header not valid for its own buffer: %+v", hdr)
	}
	if hdr.teid != 0xdeadbeef {
		t.Errorf("teid = %#x, want %#x", hdr.teid, 0xdeadbeef)
	}
	if int(hdr.length) != len(payload) {
		t.Errorf("length = %d, want %d", hdr.length, len(payload))
	}
	if string(buf[gtpHeaderLen:]) != string(payload) {
		t.Errorf("payload round-trip mismatch")
	}
}
