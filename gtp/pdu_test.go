package gtp

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"
)

func TestEpJSONToAddrRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		in      epJSON
		wantErr bool
	}{
		{
			name: "ipv4",
			in:   epJSON{AddrType: "IPV4", IP: "7f000001", Port: 2152},
		},
		{
			name: "ipv6",
			in:   epJSON{AddrType: "IPV6", IP: "00000000000000000000000000000001", Port: 2152},
		},
		{
			name:    "ipv6 wrong length",
			in:      epJSON{AddrType: "IPV6", IP: "0000000000000000000000000000000100", Port: 2152},
			wantErr: true,
		},
		{
			name:    "bad addr_type",
			in:      epJSON{AddrType: "IPV5", IP: "7f000001", Port: 1},
			wantErr: true,
		},
		{
			name:    "bad hex",
			in:      epJSON{AddrType: "IPV4", IP: "zzzz", Port: 1},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			addr, err := tc.in.toAddr()
			if (err != nil) != tc.wantErr {
				t.Fatalf("toAddr() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil {
				return
			}

			back := fromAddr(addr)
			if back.AddrType != tc.in.AddrType || back.IP != tc.in.IP || back.Port != tc.in.Port {
				t.Errorf("round trip mismatch: got %+v, want %+v", back, tc.in)
			}
		})
	}
}

func TestFromAddrIPv4(t *testing.T) {
	addr := EndpointAddr{Family: AddrIPv4, IP: net.IPv4(127, 0, 0, 1).To4(), Port: 2152}
	got := fromAddr(addr)
	want := epJSON{AddrType: "IPV4", IP: "7f000001", Port: 2152}
	if got != want {
		t.Errorf("fromAddr() = %+v, want %+v", got, want)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"create_tun_res":{"result":"OK"}}`)

	var buf bytes.Buffer
	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("readFrame() = %s, want %s", got, payload)
	}
}

func TestParseEnvelope(t *testing.T) {
	cases := []struct {
		name    string
		frame   string
		wantCmd string
		wantErr bool
	}{
		{
			name:    "single key",
			frame:   `{"reset_all_state":{}}`,
			wantCmd: "reset_all_state",
		},
		{
			name:    "multiple keys",
			frame:   `{"a":1,"b":2}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			frame:   `{not json`,
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, body, err := parseEnvelope([]byte(tc.frame))
			if (err != nil) != tc.wantErr {
				t.Fatalf("parseEnvelope() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if cmd != tc.wantCmd {
				t.Errorf("cmd = %q, want %q", cmd, tc.wantCmd)
			}
			var v json.RawMessage
			if err := json.Unmarshal(body, &v); err != nil {
				t.Errorf("body is not valid JSON: %v", err)
			}
		})
	}
}

func TestEncodeEnvelope(t *testing.T) {
	got, err := encodeEnvelope("create_tun_res", resultBody{Result: ResultOK})
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}

	var decoded map[string]resultBody
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["create_tun_res"].Result != ResultOK {
		t.Errorf("result = %v, want %v", decoded["create_tun_res"].Result, ResultOK)
	}
}
