// Package httpserver implements the per-connection HTTP CONNECT/forward
// proxy state machine: incremental head parsing, CONNECT tunneling,
// absolute-form rewriting, and relay.
//
// Grounded on the teacher's core/proxy/http.go (HandleHTTP,
// handleHTTPServer, forwardOriginFormWithBuffered, writeHTTPAndClose),
// with the Proxy-Authorization gate and policy/decider branch removed (no
// auth, no per-user policy in scope) in favor of a direct-or-chain dial.
package httpserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/xrelkd/tunelo/internal/httphead"
	"github.com/xrelkd/tunelo/internal/logx"
	"github.com/xrelkd/tunelo/internal/netutil"
	"github.com/xrelkd/tunelo/internal/runtimectx"
	"github.com/xrelkd/tunelo/internal/session"
	"github.com/xrelkd/tunelo/internal/transport"
)

var log = logx.New(logx.WithPrefix("httpserver"))

// TargetDialer opens a connection to target ("host:port"), either directly
// or via a proxy chain.
type TargetDialer func(ctx context.Context, target string) (net.Conn, error)

// Config bounds a listener's per-connection timeouts.
type Config struct {
	// HandshakeTimeout bounds accept-to-Relay; default 10s.
	HandshakeTimeout time.Duration
	// ConnectionTimeout is unused directly here (Relay owns no idle-reset
	// beyond transport.Pipe's write-idle timeout) but kept for symmetry
	// with socksserver.Config and future tuning.
	ConnectionTimeout time.Duration

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

// Server runs the HTTP CONNECT/forward FSM over accepted connections.
type Server struct {
	cfg  Config
	dial TargetDialer
}

// New builds a Server.
func New(cfg Config, dial TargetDialer) *Server {
	return &Server{cfg: cfg, dial: dial}
}

// Serve accepts connections from ln until ctx is cancelled or ln.Accept
// fails, gated by Config.MaxConnections permits.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	permits := runtimectx.NewSemaphore(ctx, s.cfg.MaxConnections)
	for {
		conn, err := session.AcceptWithContext(ctx, ln)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("httpserver: accept: %w", err)
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
	sess := session.New(conn, "http")
	defer sess.Close()

	_ = sess.SetDeadline(time.Now().Add(s.cfg.handshakeTimeout()))
	br := bufio.NewReader(sess)

	head, err := httphead.ReadRequestHead(br)
	if err != nil {
		log.Debugf("session=%d read request head failed: %v", sess.ID, err)
		if errors.Is(err, httphead.ErrHeadTooLarge) {
			writeAndClose(sess, 431, "Request Header Fields Too Large", "request head too large")
		} else if errors.Is(err, httphead.ErrBadRequestLine) {
			writeAndClose(sess, 400, "Bad Request", "malformed request line")
		}
		return
	}

	if strings.EqualFold(head.Method, "CONNECT") {
		s.handleConnect(ctx, sess, head)
		return
	}
	s.handleForward(ctx, sess, br, head)
}

func (s *Server) handleConnect(ctx context.Context, sess *session.Session, head httphead.RequestHead) {
	host, port, err := net.SplitHostPort(head.Target)
	if err != nil || host == "" || port == "" {
		writeAndClose(sess, 400, "Bad Request", "invalid CONNECT target")
		return
	}
	if net.ParseIP(host) == nil {
		host, err = netutil.ValidateDomain(host)
		if err != nil {
			writeAndClose(sess, 400, "Bad Request", "invalid CONNECT target")
			return
		}
	}
	target := net.JoinHostPort(host, port)
	log.Debugf("session=%d CONNECT target=%s", sess.ID, target)

	upstream, err := s.dial(ctx, target)
	if err != nil {
		log.Debugf("session=%d CONNECT dial %s failed: %v", sess.ID, target, err)
		code, text := statusForDialErr(err)
		writeAndClose(sess, code, text, "upstream connect failed")
		return
	}
	defer upstream.Close()

	if _, err := io.WriteString(sess, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}
	_ = sess.SetDeadline(time.Time{})
	transport.Pipe(ctx, sess, upstream)
}

func (s *Server) handleForward(ctx context.Context, sess *session.Session, br *bufio.Reader, head httphead.RequestHead) {
	u, err := url.Parse(head.Target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		// Origin-form request-target on a proxy listener is not a proxy
		// request at all.
		writeAndClose(sess, 400, "Bad Request", "not a proxy request")
		return
	}

	host, port := netutil.SplitHostPortFlexible(u.Host, 80)
	if net.ParseIP(host) == nil {
		validated, err := netutil.ValidateDomain(host)
		if err != nil {
			writeAndClose(sess, 400, "Bad Request", "invalid request target")
			return
		}
		host = validated
	}
	target := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	log.Debugf("session=%d %s absolute-form target=%s", sess.ID, head.Method, target)

	httphead.StripHopByHop(head.Headers)
	if head.Headers.Get("Host") == "" {
		head.Headers.Set("Host", u.Host)
	}
	head.Headers.Set("Connection", "close")

	upstream, err := s.dial(ctx, target)
	if err != nil {
		log.Debugf("session=%d forward dial %s failed: %v", sess.ID, target, err)
		code, text := statusForDialErr(err)
		writeAndClose(sess, code, text, "upstream connect failed")
		return
	}
	defer upstream.Close()

	if err := writeOriginForm(upstream, head, u, br); err != nil {
		log.Debugf("session=%d forward write request failed: %v", sess.ID, err)
		writeAndClose(sess, 502, "Bad Gateway", "upstream write failed")
		return
	}

	_ = sess.SetDeadline(time.Time{})
	transport.Pipe(ctx, sess, upstream)
}

func writeOriginForm(dst net.Conn, head httphead.RequestHead, u *url.URL, br *bufio.Reader) error {
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	w := bufio.NewWriter(dst)
	if _, err := fmt.Fprintf(w, "%s %s %s\r\n", head.Method, path, head.Proto); err != nil {
		return err
	}
	for k, v := range head.Headers {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", canonHeaderKey(k), v); err != nil {
			return err
		}
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	if n := br.Buffered(); n > 0 {
		if _, err := io.CopyN(w, br, int64(n)); err != nil {
			return err
		}
	}
	return w.Flush()
}

func canonHeaderKey(s string) string {
	parts := strings.Split(s, "-")
	for i := range parts {
		if len(parts[i]) == 0 {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + strings.ToLower(parts[i][1:])
	}
	return strings.Join(parts, "-")
}

func writeAndClose(c net.Conn, code int, text, body string) {
	_ = c.SetWriteDeadline(time.Now().Add(3 * time.Second))
	_, _ = io.WriteString(c, httphead.WriteStatusLine(code, text, body))
}

// statusForDialErr maps a dial failure to the nearest matching HTTP
// status: timeouts to 504, everything else (refused, unreachable, DNS
// failure) to 502.
func statusForDialErr(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout") {
		return 504, "Gateway Timeout"
	}
	return 502, "Bad Gateway"
}
