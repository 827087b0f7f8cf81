package gtp

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/katalix/gtpud/internal/rtlink"
)

// Subprocess is a child process started on behalf of one control
// client. Its fields and lifetime are owned entirely by the main
// event loop; nothing else ever touches Supervisor.procs.
type Subprocess struct {
	Pid    int
	Client *CupsClient
	Netns  string
}

// reapedChild is posted by the supervisor's signal pump once a child
// has been reaped via waitpid; it carries just enough to let the main
// loop do the procs-map lookup itself.
type reapedChild struct {
	pid      int
	exitCode int
}

// Supervisor owns the daemon's child-process bookkeeping. The
// subprocess list is main-thread-only: every exported method here
// except the internal signal pump is meant to be called only from
// Server.Serve's select loop, exactly as the registry's writer
// operations are.
type Supervisor struct {
	logger    log.Logger
	whitelist []string

	procs map[int]*Subprocess

	ReapCh chan reapedChild
	Usr1Ch chan struct{}

	sigCh chan os.Signal
}

// NewSupervisor creates a Supervisor that passes through the named
// environment variables to child processes, in addition to whatever
// the caller explicitly supplies per start_program request.
func NewSupervisor(logger log.Logger, whitelist []string) *Supervisor {
	return &Supervisor{
		logger:    logger,
		whitelist: whitelist,
		procs:     make(map[int]*Subprocess),
		ReapCh:    make(chan reapedChild, 8),
		Usr1Ch:    make(chan struct{}, 1),
		sigCh:     make(chan os.Signal, 8),
	}
}

// Start begins the supervisor's signal pump. SIGCHLD and SIGUSR1 are
// funnelled into ReapCh/Usr1Ch, which the main loop's select consumes
// alongside control-connection and registry events -- the same
// pattern cmd/kl2tpd/kl2tpd.go's run() uses for SIGINT/SIGTERM,
// generalised here to also reap children.
func (s *Supervisor) Start() {
	signal.Notify(s.sigCh, unix.SIGCHLD, unix.SIGUSR1)
	go s.pump()
}

func (s *Supervisor) pump() {
	for sig := range s.sigCh {
		switch sig {
		case unix.SIGCHLD:
			s.reapAll()
		case unix.SIGUSR1:
			select {
			case s.Usr1Ch <- struct{}{}:
			default:
			}
		}
	}
}

// reapAll drains every exited child currently reapable without
// blocking, converting each into a reapedChild event. Calling
// waitpid itself is safe off the main thread: it only touches kernel
// process-table state, never the procs map.
func (s *Supervisor) reapAll() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		s.ReapCh <- reapedChild{pid: pid, exitCode: ws.ExitStatus()}
	}
}

// Register records a freshly started child. Main-thread-only.
func (s *Supervisor) Register(sp *Subprocess) {
	s.procs[sp.Pid] = sp
}

// HandleReaped processes one reapedChild event, looking the pid up in
// procs and, if found, producing the program_term_ind message owed to
// its originating client. Main-thread-only.
func (s *Supervisor) HandleReaped(ev reapedChild) (client *CupsClient, ind programTermInd, ok bool) {
	sp, found := s.procs[ev.pid]
	if !found {
		level.Debug(s.logger).Log("msg", "reaped unknown pid", "pid", ev.pid)
		return nil, programTermInd{}, false
	}
	delete(s.procs, ev.pid)
	return sp.Client, programTermInd{Pid: ev.pid, ExitCode: ev.exitCode}, true
}

// KillClientProcs sends SIGKILL to every subprocess owned by client
// and forgets them, used on client disconnect. Main-thread-only.
func (s *Supervisor) KillClientProcs(client *CupsClient) {
	for pid, sp := range s.procs {
		if sp.Client == client {
			unix.Kill(pid, unix.SIGKILL)
			delete(s.procs, pid)
		}
	}
}

// KillAll sends SIGKILL to every known subprocess and forgets them,
// backing reset_all_state. Main-thread-only.
func (s *Supervisor) KillAll() {
	for pid := range s.procs {
		unix.Kill(pid, unix.SIGKILL)
		delete(s.procs, pid)
	}
}

// buildChildEnv applies the daemon's environment whitelist policy:
// the daemon's own environment, filtered down to whitelisted names,
// plus whatever the request explicitly supplies.
func (s *Supervisor) buildChildEnv(requested []string) []string {
	env := make([]string, 0, len(s.whitelist)+len(requested))
	for _, name := range s.whitelist {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	env = append(env, requested...)
	return env
}

// StartProgram forks/execs req.Command as req.RunAsUser, optionally
// inside the namespace named by req.TunNetnsName, returning the new
// pid. The caller is responsible for having already confirmed the
// namespace is one a live TUN device binds (Registry.HasTunInNamespace)
// before calling this -- StartProgram itself just enters whatever name
// it is given. It must be called only from the main loop: namespace
// entry is a thread-affine kernel mutation (see
// internal/rtlink.EnterNamedNetns) and must not race with any other
// namespace switch.
func (s *Supervisor) StartProgram(req startProgramReq) (int, error) {
	u, err := user.Lookup(req.RunAsUser)
	if err != nil {
		return 0, fmt.Errorf("lookup user %q: %w", req.RunAsUser, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}

	var restore func() error
	if req.TunNetnsName != "" {
		restore, err = rtlink.EnterNamedNetns(req.TunNetnsName)
		if err != nil {
			return 0, fmt.Errorf("enter namespace %q: %w", req.TunNetnsName, err)
		}
		defer func() {
			if err := restore(); err != nil {
				level.Error(s.logger).Log("msg", "failed to restore namespace", "error", err)
			}
		}()
	}

	cmd := exec.Command("/bin/sh", "-c", req.Command)
	cmd.Env = s.buildChildEnv(req.Environment)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %q: %w", req.Command, err)
	}

	// Deliberately do not call cmd.Wait(): reaping happens exclusively
	// through the SIGCHLD path (reapAll), so the process table entry
	// must stay until our own Wait4(-1, WNOHANG) consumes it.
	return cmd.Process.Pid, nil
}
