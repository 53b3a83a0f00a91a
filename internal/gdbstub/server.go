package gdbstub

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// server.go implements component E (Server): the TCP accept loop, one
// connection's packet read/dispatch loop, and the single-session monitor
// that rejects a second concurrent debugger and forwards operator
// interrupts to the active Target. Grounded on GDBServer::ConnectionHandler:
// the socket mutex is held only while framing the next packet and sending
// its acknowledgment; the reply is written without it, and the actual Target call
// (HandleGDBPacketAndSendReply) runs with the mutex released, so a break-in
// byte arriving mid-command is still delivered promptly by the BreakChannel
// watcher.

// DefaultPort is the RSP listen port used when the operator does not
// override it (§6.2).
const DefaultPort = 2000

// TargetFactory builds one Target per accepted connection. Most debuggee
// back-ends are single-session hardware/process attachments, so the factory
// is invoked at most once at a time; ReleaseSession is called once the
// connection this Target served has ended.
type TargetFactory interface {
	NewSession() (Target, error)
	ReleaseSession(Target)
}

// Server accepts RSP connections and runs one Dispatcher per connection.
// Only one connection is served at a time (§4.E); a second concurrent
// connection attempt is rejected immediately.
type Server struct {
	factory TargetFactory
	logger  DiagnosticLogger
	minVer  string

	mu     sync.Mutex
	active *session
	ln     net.Listener
}

// ServerOption configures the Server at construction time. It is distinct
// from Dispatcher's Option to keep each component's functional-options API
// self-contained.
type ServerOption func(*Server)

// WithServerLogger attaches a diagnostic logger used for accept-loop and
// session lifecycle messages.
func WithServerLogger(l DiagnosticLogger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerMinProtocolVersion threads a minimum protocol version constraint
// (§11.1) into every session's Dispatcher.
func WithServerMinProtocolVersion(constraint string) ServerOption {
	return func(s *Server) { s.minVer = constraint }
}

// NewServer creates a Server that builds Targets via factory.
func NewServer(factory TargetFactory, opts ...ServerOption) *Server {
	s := &Server{factory: factory}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// session tracks the connection currently being served, so the monitor can
// forward an operator-requested interrupt to it.
type session struct {
	bc     *BreakChannel
	target Target
}

// ListenAndServe binds addr (host:port, or ":2000"-style) and serves
// connections until ctx is canceled. SO_REUSEADDR is set explicitly so a
// restarted server does not have to wait out TIME_WAIT on its old socket.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error

			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}

			return ctrlErr
		},
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("gdbstub: listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logDebug("gdbstub: listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("gdbstub: accept: %w", err)
			}
		}

		go s.serveConn(ctx, conn)
	}
}

// RequestInterrupt forwards an operator-issued break-in (e.g. a signal
// received by the hosting process) to the currently active session's
// Target, if any.
func (s *Server) RequestInterrupt() {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active != nil {
		active.target.SendBreakInRequestAsync()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		s.logWarn("gdbstub: rejecting connection from %s: a session is already active", conn.RemoteAddr())

		return
	}

	target, err := s.factory.NewSession()
	if err != nil {
		s.mu.Unlock()
		s.logWarn("gdbstub: could not start session for %s: %v", conn.RemoteAddr(), err)

		return
	}

	br := bufio.NewReader(conn)
	bc := NewBreakChannel(conn, br)
	sess := &session{bc: bc, target: target}
	s.active = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		s.factory.ReleaseSession(target)
	}()

	var dispOpts []Option
	if s.logger != nil {
		dispOpts = append(dispOpts, WithLogger(s.logger))
	}

	if s.minVer != "" {
		opt, err := WithMinProtocolVersion(s.minVer)
		if err == nil {
			dispOpts = append(dispOpts, opt)
		}
	}

	disp := NewDispatcher(target, dispOpts...)

	bc.SetTarget(breakInAdapter{target})
	bc.Start()
	defer bc.Close()

	c := &connHandler{server: s, disp: disp, bc: bc, target: target}
	c.run(ctx)
}

// breakInAdapter lets any Target satisfy BreakInTarget via
// SendBreakInRequestAsync, avoiding a second method Targets must implement
// solely for the BreakChannel's benefit.
type breakInAdapter struct{ t Target }

func (a breakInAdapter) OnBreakInRequest() { a.t.SendBreakInRequestAsync() }

// connHandler runs the read/dispatch loop for one connection. It owns
// ackEnabled, the one piece of protocol state the reference implementation
// keeps at the connection level rather than in the Dispatcher/Stub, since
// QStartNoAckMode must take effect only after the OK reply acknowledging it
// has actually been sent (GDBServer::HandleGDBPacketAndSendReply).
type connHandler struct {
	server *Server
	disp   *Dispatcher
	bc     *BreakChannel
	target Target

	ackEnabled bool
}

func (c *connHandler) run(ctx context.Context) {
	c.ackEnabled = true
	firstPacket := true

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w := c.bc.Acquire()

		// The peer's very first command has nothing to acknowledge yet (we
		// haven't sent a reply for it to ack), so only require a leading
		// '+' from the second packet onward — but we still owe this
		// packet its own trailing ack if ack mode is on, first packet or not.
		body, err := ReadPacket(w.Reader(), c.ackEnabled, !firstPacket, w.Writer(), func() {
			c.target.SendBreakInRequestAsync()
		}, func(protoErr error) {
			c.server.logWarn("gdbstub: %v", protoErr)
		})

		w.Release()

		firstPacket = false

		if err != nil {
			return
		}

		reply := c.dispatchOne(body)

		// The reply is written without taking the socket mutex: the watcher
		// may be holding it while blocked in a peek for the peer's next byte,
		// and the peer sends nothing until it has this reply. Only this
		// goroutine ever writes to the connection.
		writeErr := WritePacket(c.bc.conn, []byte(reply))

		if writeErr != nil {
			return
		}
	}
}

// dispatchOne special-cases QStartNoAckMode (the Server, not the
// Dispatcher, owns ackEnabled) and otherwise hands the packet straight to
// the Dispatcher.
func (c *connHandler) dispatchOne(body []byte) string {
	cmd, _ := splitCommand(body)
	if cmd == "QStartNoAckMode" {
		c.ackEnabled = false

		return "OK"
	}

	return c.disp.HandleRequest(body)
}

func (s *Server) logDebug(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(format, args...)
	}
}

func (s *Server) logWarn(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(format, args...)
	}
}
