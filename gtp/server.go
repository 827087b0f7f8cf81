package gtp

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sys/unix"
)

// commandRequest is one parsed command PDU, handed from a
// CupsClient's reader goroutine to the server's main loop. replyCh
// carries back the encoded response frame; it is unbuffered because
// the reader goroutine blocks on it before writing the reply.
type commandRequest struct {
	client  *CupsClient
	cmd     string
	body    json.RawMessage
	replyCh chan []byte
}

// CupsClient is one accepted control connection: a
// control-user-plane-session client. All registry and supervisor
// state it touches is reached only via commandRequest messages handed
// to the server's main loop -- the connection's own goroutine does
// I/O and framing only.
type CupsClient struct {
	conn   net.Conn
	reader *bufio.Reader
	logger log.Logger

	writeMu sync.Mutex // serialises this connection's own replies against async program_term_ind
}

func newCupsClient(logger log.Logger, conn net.Conn) *CupsClient {
	return &CupsClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		logger: logger,
	}
}

// send writes an already-encoded single-key JSON envelope to the
// client as one length-prefixed frame.
func (c *CupsClient) send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, payload)
}

// sendUnsolicited encodes and sends a server-initiated message such as
// program_term_ind.
func (c *CupsClient) sendUnsolicited(key string, body interface{}) {
	payload, err := encodeEnvelope(key, body)
	if err != nil {
		level.Error(c.logger).Log("msg", "failed to encode unsolicited message", "error", err)
		return
	}
	if err := c.send(payload); err != nil {
		level.Debug(c.logger).Log("msg", "failed to send unsolicited message", "error", err)
	}
}

// readLoop is the connection's reader goroutine: it frames and parses
// inbound PDUs, posts each as a commandRequest to cmdCh, waits for the
// main loop's reply, and writes it back. It never touches the
// registry or supervisor directly.
func (c *CupsClient) readLoop(cmdCh chan<- *commandRequest, disconnectCh chan<- *CupsClient) {
	defer func() {
		c.conn.Close()
		disconnectCh <- c
	}()

	for {
		frame, err := readFrame(c.reader)
		if err != nil {
			return
		}

		cmd, body, err := parseEnvelope(frame)
		if err != nil {
			level.Debug(c.logger).Log("msg", "malformed command envelope", "error", err)
			continue
		}

		req := &commandRequest{client: c, cmd: cmd, body: body, replyCh: make(chan []byte)}
		cmdCh <- req
		resp := <-req.replyCh
		if resp == nil {
			continue
		}
		if err := c.send(resp); err != nil {
			return
		}
	}
}

// Server owns the control channel listener and is the daemon's single
// main thread: every registry mutation, command dispatch and
// child-process reap happens inside Serve's select loop, never on a
// connection's or worker's own goroutine.
type Server struct {
	logger     log.Logger
	listener   net.Listener
	registry   *Registry
	supervisor *Supervisor

	clients map[*CupsClient]struct{}

	newConnCh    chan net.Conn
	cmdCh        chan *commandRequest
	disconnectCh chan *CupsClient
	sigCh        chan os.Signal
}

// NewServer creates a Server listening on addr, backed by registry
// and supervisor.
func NewServer(logger log.Logger, addr string, registry *Registry, supervisor *Supervisor) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)

	return &Server{
		logger:       logger,
		listener:     ln,
		registry:     registry,
		supervisor:   supervisor,
		clients:      make(map[*CupsClient]struct{}),
		newConnCh:    make(chan net.Conn),
		cmdCh:        make(chan *commandRequest),
		disconnectCh: make(chan *CupsClient),
		sigCh:        sigCh,
	}, nil
}

// Addr returns the address the control listener is bound to.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.newConnCh <- conn
	}
}

// Serve runs the server's single main-thread event loop until SIGINT
// or SIGTERM is received, then shuts the server down. It is the
// sole caller of every Registry writer method and every
// main-thread-only Supervisor method.
func (s *Server) Serve() {
	s.supervisor.Start()
	go s.acceptLoop()

	for {
		select {
		case conn := <-s.newConnCh:
			client := newCupsClient(log.With(s.logger, "remote", conn.RemoteAddr()), conn)
			s.clients[client] = struct{}{}
			go client.readLoop(s.cmdCh, s.disconnectCh)

		case req := <-s.cmdCh:
			req.replyCh <- s.dispatch(req)

		case client := <-s.disconnectCh:
			s.supervisor.KillClientProcs(client)
			delete(s.clients, client)

		case ev := <-s.supervisor.ReapCh:
			if client, ind, ok := s.supervisor.HandleReaped(ev); ok && client != nil {
				if _, live := s.clients[client]; live {
					client.sendUnsolicited("program_term_ind", ind)
				}
			}

		case <-s.supervisor.Usr1Ch:
			s.dumpMemStats()

		case <-s.sigCh:
			level.Info(s.logger).Log("msg", "received signal, shutting down")
			s.shutdown()
			return
		}
	}
}

func (s *Server) shutdown() {
	s.listener.Close()
	s.supervisor.KillAll()
	s.registry.ResetAll()
	for client := range s.clients {
		client.conn.Close()
	}
}

func (s *Server) dumpMemStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	level.Info(s.logger).Log(
		"msg", "heap report",
		"heap_alloc", m.HeapAlloc,
		"heap_objects", m.HeapObjects,
		"num_goroutine", runtime.NumGoroutine(),
	)
}

// dispatch routes one parsed command to its handler and returns the
// encoded response frame. Known commands always produce a response;
// an unrecognised command key produces the generic
// "<command>_res": ERR_INVALID_DATA fallback.
func (s *Server) dispatch(req *commandRequest) []byte {
	switch req.cmd {
	case "create_tun":
		return s.handleCreateTun(req.body)
	case "destroy_tun":
		return s.handleDestroyTun(req.body)
	case "start_program":
		return s.handleStartProgram(req.client, req.body)
	case "reset_all_state":
		return s.handleResetAllState()
	default:
		level.Debug(s.logger).Log("msg", "unknown command", "cmd", req.cmd)
		return mustEncodeResult(req.cmd+"_res", ResultErrInvalidData)
	}
}

func mustEncodeResult(key string, result ResultCode) []byte {
	payload, err := encodeEnvelope(key, resultBody{Result: result})
	if err != nil {
		// resultBody is always marshalable; this would indicate a
		// programming error, not a runtime condition.
		panic(err)
	}
	return payload
}

func (s *Server) handleCreateTun(body json.RawMessage) []byte {
	var req createTunReq
	if err := json.Unmarshal(body, &req); err != nil {
		return mustEncodeResult("create_tun_res", ResultErrInvalidData)
	}

	localAddr, err := req.LocalGtpEp.toAddr()
	if err != nil {
		return mustEncodeResult("create_tun_res", ResultErrInvalidData)
	}
	remoteAddr, err := req.RemoteGtpEp.toAddr()
	if err != nil {
		return mustEncodeResult("create_tun_res", ResultErrInvalidData)
	}

	family, want, err := addrFamilyOf(req.UserAddrType)
	if err != nil {
		return mustEncodeResult("create_tun_res", ResultErrInvalidData)
	}
	rawUE, err := hex.DecodeString(req.UserAddr)
	if err != nil || len(rawUE) != want {
		return mustEncodeResult("create_tun_res", ResultErrInvalidData)
	}

	params := TunnelParams{
		LocalAddr:  localAddr,
		RemoteAddr: remoteAddr,
		TxTEID:     req.TxTEID,
		RxTEID:     req.RxTEID,
		TunName:    req.TunDevName,
		NetnsName:  req.TunNetnsName,
		UEAddr:     EndpointAddr{Family: family, IP: rawUE},
	}

	// Any tunnel_create failure, not only the duplicate-key case,
	// surfaces as ERR_NOT_FOUND: a deliberately preserved legacy
	// wire-compatibility quirk, not ERR_INVALID_DATA.
	if _, err := s.registry.TunnelCreate(params); err != nil {
		level.Info(s.logger).Log("msg", "create_tun failed", "error", err)
		return mustEncodeResult("create_tun_res", ResultErrNotFound)
	}
	return mustEncodeResult("create_tun_res", ResultOK)
}

func (s *Server) handleDestroyTun(body json.RawMessage) []byte {
	var req destroyTunReq
	if err := json.Unmarshal(body, &req); err != nil {
		return mustEncodeResult("destroy_tun_res", ResultErrInvalidData)
	}

	localAddr, err := req.LocalGtpEp.toAddr()
	if err != nil {
		return mustEncodeResult("destroy_tun_res", ResultErrInvalidData)
	}

	if err := s.registry.TunnelDestroy(localAddr, req.RxTEID); err != nil {
		return mustEncodeResult("destroy_tun_res", ResultErrNotFound)
	}
	return mustEncodeResult("destroy_tun_res", ResultOK)
}

func (s *Server) handleStartProgram(client *CupsClient, body json.RawMessage) []byte {
	var req startProgramReq
	if err := json.Unmarshal(body, &req); err != nil {
		return encodeStartProgramErr()
	}

	if req.TunNetnsName != "" && !s.registry.HasTunInNamespace(req.TunNetnsName) {
		return encodeStartProgramErr()
	}

	pid, err := s.supervisor.StartProgram(req)
	if err != nil {
		level.Info(s.logger).Log("msg", "start_program failed", "error", err)
		return encodeStartProgramErr()
	}

	s.supervisor.Register(&Subprocess{Pid: pid, Client: client, Netns: req.TunNetnsName})

	payload, err := encodeEnvelope("start_program_res", startProgramRes{Result: ResultOK, Pid: pid})
	if err != nil {
		panic(err)
	}
	return payload
}

func encodeStartProgramErr() []byte {
	payload, err := encodeEnvelope("start_program_res", startProgramRes{Result: ResultErrInvalidData, Pid: 0})
	if err != nil {
		panic(err)
	}
	return payload
}

func (s *Server) handleResetAllState() []byte {
	s.supervisor.KillAll()
	s.registry.ResetAll()
	return mustEncodeResult("reset_all_state_res", ResultOK)
}
