package gtp

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// maxFrameLen bounds the length prefix read off the control
// connection, guarding against a hostile or corrupt peer claiming an
// unbounded payload size.
const maxFrameLen = 1 << 20

// ResultCode is the closed enum carried on the wire in every command
// response.
type ResultCode string

const (
	ResultOK             ResultCode = "OK"
	ResultErrInvalidData ResultCode = "ERR_INVALID_DATA"
	ResultErrNotFound    ResultCode = "ERR_NOT_FOUND"
)

type resultBody struct {
	Result ResultCode `json:"result"`
}

// epJSON is the wire representation of an EndpointAddr: {addr_type,
// ip, Port}, ip hex-encoded, Port host-order.
type epJSON struct {
	AddrType string `json:"addr_type"`
	IP       string `json:"ip"`
	Port     uint16 `json:"Port"`
}

func (e epJSON) toAddr() (EndpointAddr, error) {
	family, want, err := addrFamilyOf(e.AddrType)
	if err != nil {
		return EndpointAddr{}, err
	}
	raw, err := hex.DecodeString(e.IP)
	if err != nil {
		return EndpointAddr{}, fmt.Errorf("invalid ip hex %q: %w", e.IP, err)
	}
	if len(raw) != want {
		return EndpointAddr{}, fmt.Errorf("ip %q: want %d bytes for %s, got %d", e.IP, want, e.AddrType, len(raw))
	}
	return EndpointAddr{Family: family, IP: net.IP(raw), Port: e.Port}, nil
}

func fromAddr(a EndpointAddr) epJSON {
	return epJSON{
		AddrType: string(a.Family),
		IP:       hex.EncodeToString(a.IP),
		Port:     a.Port,
	}
}

type createTunReq struct {
	TxTEID       uint32 `json:"tx_teid"`
	RxTEID       uint32 `json:"rx_teid"`
	UserAddrType string `json:"user_addr_type"`
	UserAddr     string `json:"user_addr"`
	LocalGtpEp   epJSON `json:"local_gtp_ep"`
	RemoteGtpEp  epJSON `json:"remote_gtp_ep"`
	TunDevName   string `json:"tun_dev_name"`
	TunNetnsName string `json:"tun_netns_name,omitempty"`
}

type destroyTunReq struct {
	LocalGtpEp epJSON `json:"local_gtp_ep"`
	RxTEID     uint32 `json:"rx_teid"`
}

type startProgramReq struct {
	Command      string   `json:"command"`
	Environment  []string `json:"environment,omitempty"`
	RunAsUser    string   `json:"run_as_user"`
	TunNetnsName string   `json:"tun_netns_name,omitempty"`
}

type startProgramRes struct {
	Result ResultCode `json:"result"`
	Pid    int        `json:"pid"`
}

type programTermInd struct {
	Pid      int `json:"pid"`
	ExitCode int `json:"exit_code"`
}

// readFrame reads one length-prefixed JSON frame from r: a 4-byte
// big-endian length followed by exactly that many bytes. It returns
// io.EOF (possibly wrapped) when the peer has closed cleanly between
// frames.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", n, maxFrameLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("short frame body: %w", err)
	}
	return buf, nil
}

// writeFrame writes payload to w as one length-prefixed frame.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// parseEnvelope decodes a frame as a single-key JSON object selecting
// a command, returning the command name and its raw body.
func parseEnvelope(frame []byte) (string, json.RawMessage, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", nil, fmt.Errorf("malformed command envelope: %w", err)
	}
	if len(env) != 1 {
		return "", nil, fmt.Errorf("command envelope must have exactly one key, got %d", len(env))
	}
	for k, v := range env {
		return k, v, nil
	}
	panic("unreachable")
}

// encodeEnvelope marshals a single-key {key: body} JSON object, the
// shape every command response and the unsolicited program_term_ind
// message take.
func encodeEnvelope(key string, body interface{}) ([]byte, error) {
	return json.Marshal(map[string]interface{}{key: body})
}
