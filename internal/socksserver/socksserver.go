// Package socksserver implements the per-connection SOCKS4a/SOCKS5 server
// state machine: greeting, method selection, request dispatch (CONNECT,
// BIND, UDP_ASSOCIATE), and relay.
//
// Grounded on the teacher's core/proxy/socks5.go (HandleSOCKS5,
// s5AuthHandshakeAndParse, s5Bind, replySocks5), with the RFC 1929
// username/password auth stage replaced by no-auth-only method selection
// (method 0x00, 0xFF otherwise) and SOCKS4/4a support added fresh
// alongside it (grounded on other_examples' GoHookProxy dialSocks4,
// mirrored server-side).
package socksserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/xrelkd/tunelo/internal/logx"
	"github.com/xrelkd/tunelo/internal/runtimectx"
	"github.com/xrelkd/tunelo/internal/session"
	"github.com/xrelkd/tunelo/internal/socks4"
	"github.com/xrelkd/tunelo/internal/socks5"
	"github.com/xrelkd/tunelo/internal/transport"
	"github.com/xrelkd/tunelo/internal/udppool"
)

var log = logx.New(logx.WithPrefix("socksserver"))

// TargetDialer opens a connection to target ("host:port"), either directly
// or via a proxy chain; this package uses it for CONNECT targets only.
// BIND listens on a local socket and the UDP relay sends to its
// destinations directly, neither through TargetDialer.
type TargetDialer func(ctx context.Context, target string) (net.Conn, error)

// Config toggles which protocols/commands this server accepts.
type Config struct {
	EnableSocks4a      bool
	EnableSocks5       bool
	EnableConnect      bool
	EnableBind         bool
	EnableUDPAssociate bool

	// HandshakeTimeout bounds accept-to-Relay; default 10s.
	HandshakeTimeout time.Duration
	// ConnectionTimeout is stored with a default of 2m, but relay does not
	// apply it: transport.Pipe bounds each relayed write with its own fixed
	// timeout and sets no idle timer on reads.
	ConnectionTimeout time.Duration

	// UDPPool tracks concurrently allocated UDP relay sockets. A nil Pool
	// means unrestricted/unbounded.
	UDPPool *udppool.Pool
	// UDPListenIP is the local address UDP relay sockets and BIND
	// listeners bind to; defaults to 0.0.0.0.
	UDPListenIP net.IP

	// MaxConnections bounds how many accepted connections this listener
	// handles at once; <= 0 means unbounded.
	MaxConnections int
}

func (c Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout <= 0 {
		return 10 * time.Second
	}
	return c.HandshakeTimeout
}

func (c Config) connectionTimeout() time.Duration {
	if c.ConnectionTimeout <= 0 {
		return 2 * time.Minute
	}
	return c.ConnectionTimeout
}

func (c Config) udpListenIP() net.IP {
	if c.UDPListenIP != nil {
		return c.UDPListenIP
	}
	return net.IPv4zero
}

// Server runs the SOCKS4a/5 FSM over accepted connections.
type Server struct {
	cfg  Config
	dial TargetDialer
}

// New builds a Server. dial resolves a CONNECT target to a connected
// stream, directly or through a configured proxy chain.
func New(cfg Config, dial TargetDialer) *Server {
	return &Server{cfg: cfg, dial: dial}
}

// Serve accepts connections from ln until ctx is cancelled or ln.Accept
// fails. Each connection is handled on its own goroutine, gated by
// Config.MaxConnections permits.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	permits := runtimectx.NewSemaphore(ctx, s.cfg.MaxConnections)
	for {
		conn, err := session.AcceptWithContext(ctx, ln)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("socksserver: accept: %w", err)
		}
		release, ok := permits.AcquirePermit()
		if !ok {
			conn.Close()
			continue
		}
		go func() {
			defer release()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, "socks")
	defer sess.Close()

	_ = sess.SetDeadline(time.Now().Add(s.cfg.handshakeTimeout()))
	br := bufio.NewReader(sess)
	first, err := br.Peek(1)
	if err != nil {
		log.Debugf("session=%d peek version byte failed: %v", sess.ID, err)
		return
	}

	switch first[0] {
	case socks4.Version:
		if !s.cfg.EnableSocks4a {
			log.Debugf("session=%d socks4 disabled, closing", sess.ID)
			return
		}
		s.serveSocks4(ctx, sess, br)
	case socks5.Version:
		if !s.cfg.EnableSocks5 {
			log.Debugf("session=%d socks5 disabled, closing", sess.ID)
			return
		}
		s.serveSocks5(ctx, sess, br)
	default:
		log.Debugf("session=%d unrecognized version byte 0x%02x", sess.ID, first[0])
	}
}

func (s *Server) serveSocks4(ctx context.Context, sess *session.Session, br *bufio.Reader) {
	req, err := socks4.ReadRequest(br)
	if err != nil {
		log.Debugf("session=%d socks4 read request failed: %v", sess.ID, err)
		return
	}
	if !s.cfg.EnableConnect {
		_ = socks4.WriteReply(sess, socks4.RepRejected, nil)
		return
	}

	target := req.Target()
	log.Debugf("session=%d socks4 CONNECT target=%s", sess.ID, target)

	upstream, err := s.dial(ctx, target)
	if err != nil {
		log.Debugf("session=%d socks4 dial %s failed: %v", sess.ID, target, err)
		_ = socks4.WriteReply(sess, socks4.RepRejected, nil)
		return
	}
	defer upstream.Close()

	bind, _ := sess.LocalAddr().(*net.TCPAddr)
	if err := socks4.WriteReply(sess, socks4.RepGranted, bind); err != nil {
		return
	}

	_ = sess.SetDeadline(time.Time{})
	s.relay(ctx, sess, upstream)
}

func (s *Server) serveSocks5(ctx context.Context, sess *session.Session, br *bufio.Reader) {
	greeting, err := socks5.ReadGreeting(br)
	if err != nil {
		log.Debugf("session=%d socks5 greeting failed: %v", sess.ID, err)
		return
	}
	if !greeting.SupportsNoAuth() {
		_ = socks5.WriteMethodSelection(sess, socks5.MethodNoAcceptable)
		return
	}
	if err := socks5.WriteMethodSelection(sess, socks5.MethodNoAuth); err != nil {
		return
	}

	req, err := socks5.ReadRequest(br)
	if err != nil {
		log.Debugf("session=%d socks5 read request failed: %v", sess.ID, err)
		return
	}

	switch req.Cmd {
	case socks5.CmdConnect:
		s.socks5Connect(ctx, sess, req)
	case socks5.CmdBind:
		s.socks5Bind(ctx, sess, req)
	case socks5.CmdUDPAssociate:
		s.socks5UDPAssociate(ctx, sess, req)
	default:
		log.Debugf("session=%d socks5 unsupported cmd=%#x", sess.ID, req.Cmd)
		_ = socks5.WriteReply(sess, socks5.RepCommandNotSupported, nil)
	}
}

func (s *Server) socks5Connect(ctx context.Context, sess *session.Session, req socks5.Request) {
	if !s.cfg.EnableConnect {
		_ = socks5.WriteReply(sess, socks5.RepCommandNotSupported, nil)
		return
	}
	log.Debugf("session=%d socks5 CONNECT target=%s", sess.ID, req.Target)

	upstream, err := s.dial(ctx, req.Target)
	if err != nil {
		log.Debugf("session=%d socks5 dial %s failed: %v", sess.ID, req.Target, err)
		_ = socks5.WriteReply(sess, socks5ReplyForErr(err), nil)
		return
	}
	defer upstream.Close()

	bind, _ := sess.LocalAddr().(*net.TCPAddr)
	if err := socks5.WriteReply(sess, socks5.RepSucceeded, bind); err != nil {
		return
	}

	_ = sess.SetDeadline(time.Time{})
	s.relay(ctx, sess, upstream)
}

func (s *Server) socks5Bind(ctx context.Context, sess *session.Session, req socks5.Request) {
	if !s.cfg.EnableBind {
		_ = socks5.WriteReply(sess, socks5.RepCommandNotSupported, nil)
		return
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.udpListenIP().String(), "0"))
	if err != nil {
		log.Errorf("session=%d socks5 BIND listen failed: %v", sess.ID, err)
		_ = socks5.WriteReply(sess, socks5.RepGeneralFailure, nil)
		return
	}
	defer ln.Close()

	bindAddr, _ := ln.Addr().(*net.TCPAddr)
	if err := socks5.WriteReply(sess, socks5.RepSucceeded, bindAddr); err != nil {
		return
	}

	peer, err := session.AcceptWithContext(ctx, ln)
	if err != nil {
		log.Debugf("session=%d socks5 BIND accept failed: %v", sess.ID, err)
		_ = socks5.WriteReply(sess, socks5.RepGeneralFailure, nil)
		return
	}
	defer peer.Close()

	peerAddr, _ := peer.RemoteAddr().(*net.TCPAddr)
	if err := socks5.WriteReply(sess, socks5.RepSucceeded, peerAddr); err != nil {
		return
	}

	_ = sess.SetDeadline(time.Time{})
	s.relay(ctx, sess, peer)
}

// relay splices sess and upstream until both directions finish or ctx is
// canceled. Config.ConnectionTimeout is not applied here.
func (s *Server) relay(ctx context.Context, sess *session.Session, upstream net.Conn) {
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	transport.Pipe(relayCtx, sess, upstream)
}

// socks5ReplyForErr classifies a dial/connect error into the nearest
// matching SOCKS5 reply code.
func socks5ReplyForErr(err error) byte {
	if err == nil {
		return socks5.RepSucceeded
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return socks5.RepHostUnreachable
	}
	s := err.Error()
	switch {
	case strings.Contains(s, "connection refused"):
		return socks5.RepConnectionRefused
	case strings.Contains(s, "no route to host"):
		return socks5.RepHostUnreachable
	case strings.Contains(s, "network is unreachable"):
		return socks5.RepNetworkUnreachable
	case strings.Contains(s, "timeout") || strings.Contains(s, "timed out") || errors.Is(err, context.DeadlineExceeded):
		return socks5.RepTTLExpired
	default:
		return socks5.RepGeneralFailure
	}
}
