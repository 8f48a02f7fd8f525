package agent

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/recovery"
	"github.com/postalsys/kestrel/internal/relay"
	"github.com/postalsys/kestrel/internal/shell"
)

// drainTimeout bounds waiting for pty output after the process exits.
const drainTimeout = 2 * time.Second

// ServeChannel runs an SSH server on one mux channel until the controller
// closes it.
func (a *Agent) ServeChannel(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(sshHandshakeTimeout))
	sconn, chans, reqs, err := ssh.NewServerConn(conn, a.sshConfig)
	if err != nil {
		a.logger.Debug("secondary session rejected", logging.KeyError, err)
		return
	}
	conn.SetDeadline(time.Time{})
	defer sconn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		sconn.Close()
	}()

	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		switch nc.ChannelType() {
		case relay.ChannelSession:
			recovery.Go(a.logger, "agent.session", func() { a.handleSession(ctx, nc) })
		case relay.ChannelDirectTCPIP:
			recovery.Go(a.logger, "agent.direct-tcpip", func() { a.handleDirectTCPIP(ctx, nc) })
		default:
			nc.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (a *Agent) handleDirectTCPIP(ctx context.Context, nc ssh.NewChannel) {
	var msg relay.DirectTCPIP
	if err := ssh.Unmarshal(nc.ExtraData(), &msg); err != nil {
		nc.Reject(ssh.ConnectionFailed, "malformed direct-tcpip payload")
		return
	}
	target := net.JoinHostPort(msg.Host, strconv.Itoa(int(msg.Port)))

	dialer, _ := a.outbound()
	remote, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		a.logger.Debug("forward dial failed", logging.KeyTarget, target, logging.KeyError, err)
		nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	ch, reqs, err := nc.Accept()
	if err != nil {
		remote.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	a.pipe(ctx, ch, remote, target)
}

func (a *Agent) pipe(ctx context.Context, ch ssh.Channel, remote net.Conn, target string) {
	start := time.Now()
	stats, err := relay.Pipe(ctx, ch, remote, nil)
	a.logger.Debug("relay closed",
		logging.KeyTarget, target,
		logging.KeyBytes, stats.Upstream+stats.Downstream,
		logging.KeyDuration, time.Since(start),
		logging.KeyError, err)
}

// session is the state of one "session" channel.
type session struct {
	a   *Agent
	ctx context.Context
	ch  ssh.Channel

	mu      sync.Mutex
	env     []string
	tty     *shell.TTY
	pty     shell.PTY
	proc    *shell.Session
	started bool
}

// RFC 4254 request payloads.
type (
	ptyRequest struct {
		Term   string
		Cols   uint32
		Rows   uint32
		Width  uint32
		Height uint32
		Modes  string
	}
	windowChange struct {
		Cols   uint32
		Rows   uint32
		Width  uint32
		Height uint32
	}
	envRequest struct {
		Name  string
		Value string
	}
	execRequest   struct{ Command string }
	subsystemReq  struct{ Name string }
	signalRequest struct{ Signal string }
	exitStatus    struct{ Status uint32 }
)

func (a *Agent) handleSession(ctx context.Context, nc ssh.NewChannel) {
	ch, reqs, err := nc.Accept()
	if err != nil {
		return
	}
	s := &session{a: a, ctx: ctx, ch: ch}
	defer s.close()

	for req := range reqs {
		ok := s.handle(req)
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

func (s *session) handle(req *ssh.Request) bool {
	switch req.Type {
	case "pty-req":
		var p ptyRequest
		if ssh.Unmarshal(req.Payload, &p) != nil {
			return false
		}
		s.mu.Lock()
		s.tty = &shell.TTY{Term: p.Term, Rows: uint16(p.Rows), Cols: uint16(p.Cols)}
		s.mu.Unlock()
		return true

	case "env":
		var e envRequest
		if ssh.Unmarshal(req.Payload, &e) != nil {
			return false
		}
		s.mu.Lock()
		s.env = append(s.env, e.Name+"="+e.Value)
		s.mu.Unlock()
		return true

	case "window-change":
		var w windowChange
		if ssh.Unmarshal(req.Payload, &w) != nil {
			return false
		}
		s.mu.Lock()
		p := s.pty
		s.mu.Unlock()
		return p != nil && p.Resize(uint16(w.Rows), uint16(w.Cols)) == nil

	case "signal":
		var sig signalRequest
		if ssh.Unmarshal(req.Payload, &sig) != nil {
			return false
		}
		return s.signal(sig.Signal)

	case "shell":
		return s.start(shell.Spec{})

	case "exec":
		var e execRequest
		if ssh.Unmarshal(req.Payload, &e) != nil {
			return false
		}
		return s.start(s.a.executor.CommandSpec(e.Command))

	case "subsystem":
		var sub subsystemReq
		if ssh.Unmarshal(req.Payload, &sub) != nil {
			return false
		}
		return s.subsystem(sub.Name)
	}
	return false
}

// claim marks the channel as running something. Only the first shell,
// exec or subsystem request on a channel wins.
func (s *session) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	return true
}

func (s *session) start(spec shell.Spec) bool {
	if !s.claim() {
		return false
	}

	s.mu.Lock()
	spec.Env = append(spec.Env, s.env...)
	spec.TTY = s.tty
	s.mu.Unlock()

	logger := s.a.logger
	if spec.TTY != nil {
		p, err := s.a.executor.StartPTY(s.ctx, spec)
		if err != nil {
			logger.Warn("failed to start pty session", logging.KeyError, err)
			return false
		}
		s.mu.Lock()
		s.pty = p
		s.mu.Unlock()
		recovery.Go(logger, "agent.pty", func() { s.runPTY(p) })
		return true
	}

	proc, err := s.a.executor.Start(s.ctx, spec)
	if err != nil {
		logger.Warn("failed to start session", logging.KeyError, err)
		return false
	}
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()
	recovery.Go(logger, "agent.exec", func() { s.runProcess(proc) })
	return true
}

func (s *session) runPTY(p shell.PTY) {
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		io.Copy(s.ch, p)
	}()
	go io.Copy(p, s.ch)

	code := p.Wait()
	select {
	case <-outDone:
	case <-time.After(drainTimeout):
	}
	s.exit(code)
}

func (s *session) runProcess(proc *shell.Session) {
	go func() {
		io.Copy(proc.Stdin(), s.ch)
		proc.Stdin().Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(s.ch, proc.Stdout())
	}()
	go func() {
		defer wg.Done()
		io.Copy(s.ch.Stderr(), proc.Stderr())
	}()
	wg.Wait()

	s.exit(proc.Wait())
}

// exit reports the exit status and closes the channel. A negative code
// (killed by a signal) is reported as no status at all.
func (s *session) exit(code int32) {
	if code >= 0 {
		s.ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: uint32(code)}))
	}
	s.ch.CloseWrite()
	s.ch.Close()
}

func (s *session) signal(name string) bool {
	sig, ok := shell.SignalByName(name)
	if !ok {
		return false
	}
	s.mu.Lock()
	p, proc := s.pty, s.proc
	s.mu.Unlock()
	switch {
	case p != nil:
		return p.Signal(sig) == nil
	case proc != nil:
		return proc.Signal(sig) == nil
	}
	return false
}

func (s *session) subsystem(name string) bool {
	switch name {
	case relay.SubsystemSFTP:
		if !s.claim() {
			return false
		}
		recovery.Go(s.a.logger, "agent.sftp", s.serveSFTP)
		return true

	case relay.SubsystemSOCKS5:
		if !s.claim() {
			return false
		}
		recovery.Go(s.a.logger, "agent.socks5", s.serveSOCKS)
		return true

	case relay.SubsystemVNC, relay.SubsystemRDP:
		addr := s.a.cfg.Desktop.VNC
		if name == relay.SubsystemRDP {
			addr = s.a.cfg.Desktop.RDP
		}
		if addr == "" || !s.claim() {
			return false
		}
		dialer, _ := s.a.outbound()
		remote, err := dialer.DialContext(s.ctx, "tcp", addr)
		if err != nil {
			s.a.logger.Debug("desktop dial failed",
				logging.KeyTarget, addr,
				logging.KeyError, err)
			return false
		}
		recovery.Go(s.a.logger, "agent.desktop", func() {
			s.a.pipe(s.ctx, s.ch, remote, addr)
		})
		return true
	}
	return false
}

func (s *session) serveSFTP() {
	defer s.ch.Close()

	server, err := sftp.NewServer(s.ch)
	if err != nil {
		s.a.logger.Warn("sftp server failed", logging.KeyError, err)
		return
	}
	if err := server.Serve(); err != nil && err != io.EOF {
		s.a.logger.Debug("sftp session ended", logging.KeyError, err)
	}
	server.Close()
}

func (s *session) serveSOCKS() {
	_, socks := s.a.outbound()
	remote, req, err := socks.Connect(s.ctx, s.ch)
	if err != nil {
		s.a.logger.Debug("socks5 request failed", logging.KeyError, err)
		s.ch.Close()
		return
	}
	s.a.pipe(s.ctx, s.ch, remote, req.Target())
}

func (s *session) close() {
	s.mu.Lock()
	p, proc := s.pty, s.proc
	s.mu.Unlock()
	if p != nil {
		p.Close()
	}
	if proc != nil {
		proc.Close()
	}
	s.ch.Close()
}
